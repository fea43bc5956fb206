package zone

// roundUp rounds v up to the nearest multiple of mult.
func roundUp(v, mult uint64) uint64 {
	if mult == 0 {
		return v
	}
	rem := v % mult
	if rem == 0 {
		return v
	}
	return v + (mult - rem)
}

// ReservationPlan is the outcome of sizing a device's one-shot memory
// reservation (§4.E), before any driver allocation call is made.
type ReservationPlan struct {
	// Bytes is the exact byte count to request from the driver.
	Bytes uint64
	// Blocks is Bytes / EltSize.
	Blocks int
}

// Plan computes how_much per §4.E: min(freeBytes, usePercent% of
// freeBytes), or an explicit block count when numBlocks >= 0 overrides
// it, then rounds up to a whole number of eltSize blocks. Returns an
// error if the result would be smaller than one block.
func Plan(freeBytes uint64, eltSize uint64, usePercent int, numBlocks int) (ReservationPlan, error) {
	var howMuch uint64
	if numBlocks >= 0 {
		howMuch = uint64(numBlocks) * eltSize
	} else {
		pct := (freeBytes * uint64(usePercent)) / 100
		howMuch = freeBytes
		if pct < howMuch {
			howMuch = pct
		}
	}
	if howMuch < eltSize {
		return ReservationPlan{}, errInsufficientMemory
	}
	rounded := roundUp(howMuch, eltSize)
	return ReservationPlan{Bytes: rounded, Blocks: int(rounded / eltSize)}, nil
}

var errInsufficientMemory = reservationError{"reserved memory smaller than one block"}

type reservationError struct{ msg string }

func (e reservationError) Error() string { return e.msg }

// IsInsufficientMemory reports whether err is the "below one block"
// failure Plan returns, which per §8's boundary property must disable
// the device with a warning rather than crash.
func IsInsufficientMemory(err error) bool {
	_, ok := err.(reservationError)
	return ok
}
