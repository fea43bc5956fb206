package progress

import "sync/atomic"

// Lease is the per-device non-reentrant lease counter (data model §3,
// invariant 10). The worker observing the 0->1 transition runs the
// progress loop body; every other worker's Acquire call returns >1 and
// it must leave its envelope in the device's pending FIFO and return.
type Lease struct {
	count atomic.Int32
}

// Acquire increments the counter and returns the new value.
func (l *Lease) Acquire() int32 { return l.count.Add(1) }

// Release decrements the counter and returns the new value.
func (l *Lease) Release() int32 { return l.count.Add(-1) }

// Value returns the current counter value without mutating it.
func (l *Lease) Value() int32 { return l.count.Load() }
