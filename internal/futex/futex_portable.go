//go:build !linux

package futex

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/llxisdsh/pb"
)

// User-space futex emulation for platforms without the syscall. Waiters park
// on per-address queues; the queue table entry is the serialization point
// between a waiter's expected-value check and a racing Wake, which is what
// gives this backend the same ordering guarantee the kernel provides.

// parked is one blocked thread. The channel is buffered so a waker never
// blocks handing over the wake.
type parked struct {
	c chan struct{}
}

// queue holds the parked threads for one word, in arrival order.
type queue struct {
	parked []*parked
}

// table maps a word's address to its wait queue. Entries exist only while at
// least one thread is parked on the word; the last leaver removes the entry,
// so recycled addresses never observe a predecessor's queue.
var table pb.MapOf[uintptr, *queue]

var epoch = time.Now()

// Now returns monotonic nanoseconds since process start.
func Now() int64 {
	return int64(time.Since(epoch))
}

// Wait blocks the calling thread until addr is woken, the absolute monotonic
// deadline elapses, or *addr no longer holds expected at entry.
func Wait(addr *uint32, expected uint32, deadline int64) Result {
	if atomic.LoadUint32(addr) != expected {
		return Stale
	}

	w := &parked{c: make(chan struct{}, 1)}
	key := uintptr(unsafe.Pointer(addr))

	stale := false
	table.ProcessEntry(key,
		func(e *pb.EntryOf[uintptr, *queue]) (*pb.EntryOf[uintptr, *queue], *queue, bool) {
			// Re-check under the entry so a Wake that already ran cannot be
			// missed: a waker stores the new word value before its dequeue
			// pass on this same entry.
			if atomic.LoadUint32(addr) != expected {
				stale = true
				return e, nil, false
			}
			if e == nil {
				return &pb.EntryOf[uintptr, *queue]{Value: &queue{parked: []*parked{w}}}, nil, false
			}
			e.Value.parked = append(e.Value.parked, w)
			return e, nil, false
		})
	if stale {
		return Stale
	}

	if deadline < 0 {
		<-w.c
		return Woke
	}

	remaining := time.Duration(deadline - Now())
	if remaining < 0 {
		remaining = 0
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-w.c:
		return Woke
	case <-timer.C:
	}

	// The deadline elapsed. Dequeue ourselves, unless a waker got there
	// first, in which case the wake send is already in flight and we must
	// consume it.
	removed := false
	table.ProcessEntry(key,
		func(e *pb.EntryOf[uintptr, *queue]) (*pb.EntryOf[uintptr, *queue], *queue, bool) {
			if e == nil {
				return nil, nil, false
			}
			q := e.Value
			for i, p := range q.parked {
				if p == w {
					q.parked = append(q.parked[:i], q.parked[i+1:]...)
					removed = true
					break
				}
			}
			if len(q.parked) == 0 {
				return nil, nil, false
			}
			return e, nil, false
		})
	if removed {
		return TimedOut
	}
	<-w.c
	return Woke
}

// Wake unblocks up to n threads waiting on addr, in arrival order.
func Wake(addr *uint32, n int) {
	key := uintptr(unsafe.Pointer(addr))

	var woken []*parked
	table.ProcessEntry(key,
		func(e *pb.EntryOf[uintptr, *queue]) (*pb.EntryOf[uintptr, *queue], *queue, bool) {
			if e == nil {
				return nil, nil, false
			}
			q := e.Value
			k := min(n, len(q.parked))
			woken = append(woken[:0], q.parked[:k]...)
			q.parked = q.parked[k:]
			if len(q.parked) == 0 {
				return nil, nil, false
			}
			return e, nil, false
		})

	for _, p := range woken {
		p.c <- struct{}{}
	}
}
