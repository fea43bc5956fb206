// Package zone implements the fixed-slab suballocator (component 4.A)
// and the one-shot device memory reservation (component 4.E). A Zone
// carves one large device allocation into equal-size blocks and hands
// out contiguous runs of them first-fit. It is not safe for concurrent
// use: callers invoke it only while holding the owning device's lease.
package zone

import (
	"fmt"
)

// Zone is a fixed-slab suballocator over one contiguous device
// allocation of NumBlocks*EltSize bytes.
type Zone struct {
	base      uintptr
	eltSize   uint64
	numBlocks int
	used      []bool
}

// New wraps a driver-provided allocation of numBlocks*eltSize bytes
// starting at base.
func New(base uintptr, eltSize uint64, numBlocks int) *Zone {
	return &Zone{
		base:      base,
		eltSize:   eltSize,
		numBlocks: numBlocks,
		used:      make([]bool, numBlocks),
	}
}

// Base returns the allocation's starting address, for handing back to
// the driver at finalization.
func (z *Zone) Base() uintptr { return z.base }

// EltSize returns the fixed block size.
func (z *Zone) EltSize() uint64 { return z.eltSize }

// NumBlocks returns the total block count.
func (z *Zone) NumBlocks() int { return z.numBlocks }

// FreeBlocks returns the count of currently unused blocks.
func (z *Zone) FreeBlocks() int {
	n := 0
	for _, u := range z.used {
		if !u {
			n++
		}
	}
	return n
}

// blocksFor rounds size up to a whole number of blocks.
func (z *Zone) blocksFor(size uint64) int {
	return int((size + z.eltSize - 1) / z.eltSize)
}

// Alloc finds the first run of free contiguous blocks large enough for
// size (rounded up to EltSize) and marks them used. Returns the slot
// address and true, or 0, false if no run fits.
func (z *Zone) Alloc(size uint64) (uintptr, bool) {
	need := z.blocksFor(size)
	if need <= 0 || need > z.numBlocks {
		return 0, false
	}
	run := 0
	for i := 0; i <= z.numBlocks-need; {
		if z.used[i] {
			i++
			run = 0
			continue
		}
		run = 0
		j := i
		for j < z.numBlocks && !z.used[j] && run < need {
			run++
			j++
		}
		if run == need {
			for k := i; k < i+need; k++ {
				z.used[k] = true
			}
			return z.base + uintptr(i)*uintptr(z.eltSize), true
		}
		i = j + 1
	}
	return 0, false
}

// Free releases the blocks allocated at ptr. size must match the size
// passed to the corresponding Alloc call (the zone keeps no per-slot
// size record, matching the original's fixed-block bookkeeping).
func (z *Zone) Free(ptr uintptr, size uint64) error {
	if ptr < z.base {
		return fmt.Errorf("zone: free %#x out of range", ptr)
	}
	offset := ptr - z.base
	if offset%uintptr(z.eltSize) != 0 {
		return fmt.Errorf("zone: free %#x not block-aligned", ptr)
	}
	start := int(offset / uintptr(z.eltSize))
	need := z.blocksFor(size)
	if start+need > z.numBlocks {
		return fmt.Errorf("zone: free %#x out of range", ptr)
	}
	for k := start; k < start+need; k++ {
		z.used[k] = false
	}
	return nil
}
