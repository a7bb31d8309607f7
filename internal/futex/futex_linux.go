//go:build linux

package futex

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex operation constants from linux/futex.h. These are stable kernel UAPI
// values that golang.org/x/sys/unix does not export.
const (
	futexWait           uintptr = 0
	futexWake           uintptr = 1
	futexWaitBitset     uintptr = 9
	futexPrivateFlag    uintptr = 128
	futexBitsetMatchAny uintptr = 0xffffffff
)

// Now returns the current CLOCK_MONOTONIC reading in nanoseconds. Deadlines
// passed to Wait must be derived from this clock, never the wall clock.
func Now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		panic(fmt.Sprintf("futex: clock_gettime(CLOCK_MONOTONIC): %v", err))
	}
	return ts.Nano()
}

// Wait blocks the calling thread until addr is woken, the absolute monotonic
// deadline elapses, or the kernel observes *addr != expected.
//
// Untimed waits use FUTEX_WAIT_PRIVATE. Timed waits use
// FUTEX_WAIT_BITSET_PRIVATE with FUTEX_BITSET_MATCH_ANY, which takes the
// deadline as an absolute CLOCK_MONOTONIC time so nothing needs to be
// recomputed when the wait restarts.
func Wait(addr *uint32, expected uint32, deadline int64) Result {
	var (
		op  uintptr = futexWait | futexPrivateFlag
		tsp *unix.Timespec
		val uintptr
	)
	if deadline >= 0 {
		op = futexWaitBitset | futexPrivateFlag
		ts := unix.NsecToTimespec(deadline)
		tsp = &ts
		val = futexBitsetMatchAny
	}

	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		op,
		uintptr(expected),
		uintptr(unsafe.Pointer(tsp)),
		0,
		val)

	switch errno {
	case 0:
		return Woke
	case unix.EAGAIN:
		return Stale
	case unix.ETIMEDOUT:
		return TimedOut
	case unix.EINTR:
		// Interrupted by a signal. Report a wake; callers re-verify their
		// condition and re-enter.
		return Woke
	default:
		panic(fmt.Sprintf("futex: FUTEX_WAIT failed: %v", errno))
	}
}

// Wake unblocks up to n threads waiting on addr.
func Wake(addr *uint32, n int) {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWake|futexPrivateFlag,
		uintptr(n),
		0,
		0,
		0)
	if errno != 0 {
		panic(fmt.Sprintf("futex: FUTEX_WAKE failed: %v", errno))
	}
}
