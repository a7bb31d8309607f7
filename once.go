package waitx

import (
	"sync/atomic"

	"github.com/llxisdsh/waitx/internal/futex"
)

// Once is a one-shot initialization barrier.
//
// Unlike sync.Once, a panicking initializer does not consume the instance:
// the state reverts to uninitialized, the panic is re-raised on the caller
// that ran the initializer, and blocked callers re-race to run their own.
// Exactly one initializer runs to success across all callers. Once also
// supports Reset for explicit re-initialization.
//
// The zero value is an uninitialized Once.
type Once struct {
	_ noCopy

	// state holds one of the once* values below. Callers blocked in Do
	// wait directly on this word.
	state uint32
}

const (
	onceUninitialized uint32 = iota
	onceInitializing
	onceInitializingWithWaiters
	onceInitialized
)

// NewOnce returns a Once, optionally already initialized so that only a
// later Reset re-opens it.
func NewOnce(startInitialized bool) *Once {
	o := &Once{}
	if startInitialized {
		o.state = onceInitialized
	}
	return o
}

// Do runs init unless this Once has already been successfully initialized,
// blocking concurrent callers until init returns.
func (o *Once) Do(init func()) {
	for {
		if atomic.CompareAndSwapUint32(&o.state, onceUninitialized, onceInitializing) {
			// Our job to initialize.
			o.runInitializer(init)
			return
		}

		state := atomic.LoadUint32(&o.state)
		for state != onceUninitialized {
			switch state {
			case onceInitialized:
				return
			case onceInitializing:
				// Initialization is under way on another thread. Record
				// that it has company to wake.
				if !atomic.CompareAndSwapUint32(&o.state, onceInitializing, onceInitializingWithWaiters) {
					state = atomic.LoadUint32(&o.state)
					continue
				}
			}

			futex.Wait(&o.state, onceInitializingWithWaiters, futex.Forever)
			state = atomic.LoadUint32(&o.state)
		}
		// Whoever was initializing gave up. Take it from the top.
	}
}

// runInitializer publishes initialized on success and reverts to
// uninitialized if init panics, waking waiters either way so they can return
// or re-race.
func (o *Once) runInitializer(init func()) {
	defer func() {
		if r := recover(); r != nil {
			if atomic.SwapUint32(&o.state, onceUninitialized) == onceInitializingWithWaiters {
				futex.WakeAll(&o.state)
			}
			panic(r)
		}
	}()

	init()

	if atomic.SwapUint32(&o.state, onceInitialized) == onceInitializingWithWaiters {
		futex.WakeAll(&o.state)
	}
}

// IsInitialized reports whether a Do has completed successfully.
func (o *Once) IsInitialized() bool {
	return atomic.LoadUint32(&o.state) == onceInitialized
}

// Reset returns an initialized Once to the uninitialized state so the next
// Do runs its initializer again. Calling Reset while not initialized is a
// programming error. No caller can be blocked in Do while the state is
// initialized, so there is no one to wake.
func (o *Once) Reset() {
	if !atomic.CompareAndSwapUint32(&o.state, onceInitialized, onceUninitialized) {
		panic("waitx: Reset of Once that is not initialized")
	}
}
