package progress

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCurrentGoroutine locks the calling goroutine to its current OS
// thread and restricts that thread to cpu, mirroring the teacher's
// ioLoop affinity pinning (there, one ublk queue thread per CPU; here,
// the goroutine that won a device's lease 0->1 transition for the
// duration of its progress loop run). Returns an unpin func the caller
// defers; unpin is a no-op (besides UnlockOSThread) if cpu < 0.
//
// Device-lease affinity is weaker than the teacher's hard kernel
// requirement (ublk_drv rejects commands from the wrong thread; nothing
// here enforces that), so a SchedSetaffinity failure is not fatal: it
// is only ever a scheduling hint for cache locality on NUMA device
// fleets.
func PinCurrentGoroutine(cpu int) (unpin func()) {
	runtime.LockOSThread()
	if cpu < 0 {
		return runtime.UnlockOSThread
	}
	var mask unix.CPUSet
	mask.Set(cpu)
	_ = unix.SchedSetaffinity(0, &mask)
	return runtime.UnlockOSThread
}
