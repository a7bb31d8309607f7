package waitx

import (
	"sync/atomic"
	"time"

	"github.com/llxisdsh/waitx/internal/futex"
)

// RWMutex is a reader/writer mutual exclusion lock with predicate-gated
// waits. Multiple readers or a single writer may hold the lock at a time.
//
// Beyond Lock/RLock it offers LockWhen: block until a caller-supplied
// predicate over the protected state becomes true, then return holding the
// exclusive lock with the predicate guaranteed still true. The guarantee
// comes from ownership transfer: the thread that observes the predicate true
// while unlocking hands the lock directly to the waiter instead of releasing
// it.
//
// Properties:
//   - Reader throughput over strict writer priority: a fresh reader may
//     acquire a free lock even while writers are queued.
//   - Non-recursive. Predicates must not touch this mutex.
//   - The zero value is an unlocked mutex.
type RWMutex struct {
	_ noCopy

	// state 32-bit:
	//   bit 31:    exclusive holder present
	//   bit 30:    at least one thread blocked waiting for exclusive
	//   bits 0-29: shared count
	// A reader counts itself before checking the exclusive bit, so while an
	// exclusive holder is present the count holds only readers waiting for
	// it to leave; shared holders and an exclusive holder never coexist. The
	// request bit may linger transiently after an unlock with no waiter
	// actually present; observers tolerate that.
	state uint32

	// Conditional waiters in arrival order, mutated only while the
	// exclusive lock is held. waitersTail is nil until first use and
	// afterwards always points at the last waiter's next slot (or back at
	// waiters when the list drains).
	waiters     *waiter
	waitersTail **waiter
}

const (
	mutexExclusiveHeld      = 1 << 31
	mutexExclusiveRequested = 1 << 30
	mutexSharedMask         = mutexExclusiveRequested - 1
)

// waiter represents one thread blocked in LockWhen, linked into the mutex's
// waiter list for the duration of the wait. prev points at the predecessor's
// next slot (or at the list head), making head and interior removal uniform
// and O(1).
type waiter struct {
	next      *waiter
	prev      **waiter
	predicate func() bool

	// fault is a panic captured from a predicate evaluated on a signaling
	// thread. Written before the signal word is set, read by the waiter
	// after observing it; the signal word orders the two.
	fault *panicError

	hasTimeout bool

	// signal is the handoff word: 0 = not signaled, 1 = signaled. A
	// signaler setting it transfers exclusive ownership of the mutex to
	// this waiter; the waiter setting it on timeout claims its own
	// re-acquisition. The CAS on this word mediates that race.
	signal uint32
}

func (m *RWMutex) addWaiter(w *waiter) {
	tail := m.waitersTail
	if tail == nil {
		tail = &m.waiters
	}
	w.prev = tail
	*tail = w
	m.waitersTail = &w.next
}

func (m *RWMutex) removeWaiter(w *waiter) {
	*w.prev = w.next
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		m.waitersTail = w.prev
	}
}

// checkPredicate runs w's predicate on behalf of its waiting thread and
// reports whether the waiter is ready to be signaled. A panicking predicate
// counts as ready: the panic is captured into the waiter so the waiting
// thread learns about it.
func (m *RWMutex) checkPredicate(w *waiter) bool {
	if w.fault != nil {
		return true // don't run again after a fault
	}
	ok, fault := runPredicate(w.predicate)
	if fault != nil {
		w.fault = fault
		return true
	}
	return ok
}

// Lock acquires the exclusive lock, blocking until no other thread holds the
// lock in either mode.
func (m *RWMutex) Lock() {
	for {
		if atomic.CompareAndSwapUint32(&m.state, 0, mutexExclusiveHeld) {
			return
		}

		// Contended. Publish the exclusive request, then sleep until the
		// state changes. The request bit is cleared by the unlocker, never
		// here.
		state := atomic.LoadUint32(&m.state)
		if state == 0 {
			continue
		}
		if state&mutexExclusiveRequested == 0 {
			if !atomic.CompareAndSwapUint32(&m.state, state, state|mutexExclusiveRequested) {
				// State changed before the request bit went up. Start over.
				continue
			}
			state |= mutexExclusiveRequested
		}
		futex.Wait(&m.state, state, futex.Forever)
	}
}

// RLock acquires a shared lock, blocking while an exclusive holder is
// present. The shared count is incremented up front; an over-registered
// reader waits in place for the exclusive bit to clear rather than rolling
// back.
func (m *RWMutex) RLock() {
	state := atomic.AddUint32(&m.state, 1)
	for state&mutexExclusiveHeld != 0 {
		futex.Wait(&m.state, state, futex.Forever)
		state = atomic.LoadUint32(&m.state)
	}
}

// Unlock releases the exclusive lock.
//
// Before releasing it scans the conditional waiters. If some waiter's
// predicate now holds, the lock is handed directly to that waiter and Unlock
// returns without touching the state word; the waiter resumes as the
// exclusive holder without re-checking anything.
func (m *RWMutex) Unlock() {
	if atomic.LoadUint32(&m.state)&mutexExclusiveHeld == 0 {
		panic("waitx: Unlock of unlocked RWMutex")
	}

	// Conditional waiters can only become ready while the exclusive lock is
	// held, so this is the one place that needs to drain them.
	for w := m.waiters; w != nil; {
		next := w.next

		if m.checkPredicate(w) {
			if w.hasTimeout {
				// The waiter may be timing out right now, so take the
				// signal word by CAS rather than a store.
				if !atomic.CompareAndSwapUint32(&w.signal, 0, 1) {
					// It already timed out and will re-acquire the lock
					// itself; handing off now would deadlock. Keep
					// scanning the rest of the list.
					w = next
					continue
				}
			} else {
				atomic.StoreUint32(&w.signal, 1)
			}
			futex.WakeAll(&w.signal)

			// Ownership transferred; the waiter is the exclusive holder now.
			return
		}

		w = next
	}

	old := atomic.AndUint32(&m.state, ^uint32(mutexExclusiveHeld|mutexExclusiveRequested))
	if old&^uint32(mutexExclusiveHeld) != 0 {
		// Readers queued up behind us now collectively hold the lock, and
		// exclusive waiters must wake if only to re-establish the request
		// bit just cleared. Either way, wake everyone.
		futex.WakeAll(&m.state)
	}
}

// RUnlock releases a shared lock.
func (m *RWMutex) RUnlock() {
	state := atomic.AddUint32(&m.state, ^uint32(0))
	if state&mutexSharedMask == mutexSharedMask {
		panic("waitx: RUnlock of RWMutex not held for reading")
	}

	// Anyone waiting is an exclusive acquirer, and waking one makes sense
	// only once the last reader leaves.
	if state == mutexExclusiveRequested {
		if atomic.CompareAndSwapUint32(&m.state, mutexExclusiveRequested, 0) {
			// Wake all of them: one takes the lock, the rest re-establish
			// the request bit before sleeping again.
			futex.WakeAll(&m.state)
		}
	}
}

// LockWhen acquires the exclusive lock once pred returns true.
//
// pred is only ever invoked while some thread holds the exclusive lock: first
// by the caller right after acquiring, then by threads releasing the lock.
// When LockWhen returns, the caller holds the exclusive lock and the
// predicate was true at the last check. If pred panics on any thread, the
// panic is re-raised here exactly once with the mutex unlocked.
//
// pred must not lock this mutex.
func (m *RWMutex) LockWhen(pred func() bool) {
	m.lockWhen(pred, futex.Forever)
}

// LockWhenTimeout is like LockWhen with a bound on the wait. It reports
// whether the predicate was observed true; false means the deadline elapsed,
// in which case the exclusive lock is still held but the predicate's value is
// unspecified. A non-positive timeout still checks the predicate once under
// the lock before giving up.
func (m *RWMutex) LockWhenTimeout(pred func() bool, timeout time.Duration) bool {
	deadline := futex.Now() + int64(timeout)
	if deadline < 0 {
		deadline = 0
	}
	return m.lockWhen(pred, deadline)
}

func (m *RWMutex) lockWhen(pred func() bool, deadline int64) bool {
	m.Lock()

	// The predicate might panic, so track whether this thread believes it
	// holds the lock and release on the way out.
	locked := true
	defer func() {
		if r := recover(); r != nil {
			if locked {
				m.Unlock()
			}
			panic(r)
		}
	}()

	if pred() {
		// Already true; never waited, never enqueued.
		return true
	}

	w := &waiter{predicate: pred, hasTimeout: deadline >= 0}
	m.addWaiter(w)
	m.Unlock()
	locked = false

	for {
		switch futex.Wait(&w.signal, 0, deadline) {
		case futex.TimedOut:
			// Ownership was not transferred before the deadline, unless a
			// signaler is doing so right now. Whoever wins this CAS decides:
			// we win and re-acquire the lock ourselves, or the signaler won
			// and we accept the transfer below.
			if atomic.CompareAndSwapUint32(&w.signal, 0, 1) {
				m.Lock()
				locked = true
				m.removeWaiter(w)
				return false
			}
		case futex.Woke, futex.Stale:
		}

		if atomic.LoadUint32(&w.signal) != 0 {
			// The signaler transferred the exclusive lock to this thread
			// and checked the predicate before doing so.
			locked = true
			m.AssertHeld()
			m.removeWaiter(w)

			if w.fault != nil {
				fault := w.fault
				m.Unlock()
				locked = false
				panic(fault)
			}
			return true
		}
		// Spurious wakeup; keep waiting.
	}
}

// AssertHeld panics unless some thread holds the lock exclusively. It cannot
// verify that the caller is that thread.
func (m *RWMutex) AssertHeld() {
	if atomic.LoadUint32(&m.state)&mutexExclusiveHeld == 0 {
		panic("waitx: AssertHeld of RWMutex not held exclusively")
	}
}

// AssertRHeld panics unless the lock is held in shared mode by at least one
// thread.
func (m *RWMutex) AssertRHeld() {
	if atomic.LoadUint32(&m.state)&mutexSharedMask == 0 {
		panic("waitx: AssertRHeld of RWMutex not held for reading")
	}
}

// induceSpuriousWakeup wakes every conditional waiter without signaling any
// of them, simulating the spurious wakeups the kernel is allowed to deliver.
// Test use only.
func (m *RWMutex) induceSpuriousWakeup() {
	m.Lock()
	for w := m.waiters; w != nil; w = w.next {
		futex.WakeAll(&w.signal)
	}
	m.Unlock()
}
