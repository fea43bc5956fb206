package selector

import (
	"math"
	"sync/atomic"
)

// Load is an atomic float64 load accumulator, grounded on the
// teacher's atomic.Uint64 counters: the bit pattern is stored in a
// uint64 and CAS-adjusted, since the standard library has no
// atomic.Float64.
type Load struct {
	bits atomic.Uint64
}

// Get returns the current load value.
func (l *Load) Get() float64 {
	return math.Float64frombits(l.bits.Load())
}

// Add atomically adds delta (which may be negative) to the load and
// returns the new value.
func (l *Load) Add(delta float64) float64 {
	for {
		old := l.bits.Load()
		newVal := math.Float64frombits(old) + delta
		if l.bits.CompareAndSwap(old, math.Float64bits(newVal)) {
			return newVal
		}
	}
}

// Candidate is one enabled device's view for selection purposes: its
// index, static weight, and current provisional load.
type Candidate struct {
	Index   int
	Enabled bool
	SWeight float64
	Load    *Load
}

// ErrNoCandidates is returned when every candidate is disabled.
type noCandidatesError struct{}

func (noCandidatesError) Error() string { return "selector: no enabled devices" }

var ErrNoCandidates error = noCandidatesError{}

// Select implements §4.H. ownerDevice is the device already holding
// the OWNED replica of any WRITE output flow's datum, or -1 if none
// (device index 1 is the reserved "recursive" pseudo-device and is
// never considered, whether as a locality target or a candidate).
// ratio is the caller-supplied cost multiplier. On a non-locality pick
// the chosen candidate's Load is bumped by ratio*SWeight as a
// provisional reservation; the caller decrements it back on task
// completion.
func Select(ownerDevice int, candidates []Candidate, ratio float64) (int, error) {
	if ownerDevice >= 2 {
		return ownerDevice, nil
	}

	bestIdx := -1
	var bestScore float64
	var bestCand *Candidate
	for i := range candidates {
		c := &candidates[i]
		if !c.Enabled || c.Index == 1 {
			continue
		}
		score := c.Load.Get() + ratio*c.SWeight
		if bestIdx == -1 || score < bestScore || (score == bestScore && c.Index < bestIdx) {
			bestIdx = c.Index
			bestScore = score
			bestCand = c
		}
	}
	if bestCand == nil {
		return -1, ErrNoCandidates
	}
	bestCand.Load.Add(ratio * bestCand.SWeight)
	return bestIdx, nil
}
