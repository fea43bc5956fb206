package zone

import "testing"

func TestAllocFirstFit(t *testing.T) {
	z := New(0x1000, 64, 4)

	p1, ok := z.Alloc(64)
	if !ok {
		t.Fatal("Alloc(64) failed")
	}
	if p1 != 0x1000 {
		t.Errorf("Alloc(64) = %#x, want %#x", p1, 0x1000)
	}
	if z.FreeBlocks() != 3 {
		t.Errorf("FreeBlocks() = %d, want 3", z.FreeBlocks())
	}

	p2, ok := z.Alloc(128)
	if !ok {
		t.Fatal("Alloc(128) failed")
	}
	if p2 != 0x1000+64 {
		t.Errorf("Alloc(128) = %#x, want %#x", p2, 0x1000+64)
	}
	if z.FreeBlocks() != 1 {
		t.Errorf("FreeBlocks() = %d, want 1", z.FreeBlocks())
	}
}

func TestAllocExhausted(t *testing.T) {
	z := New(0, 64, 2)
	if _, ok := z.Alloc(128); !ok {
		t.Fatal("Alloc(128) should fit exactly 2 blocks")
	}
	if _, ok := z.Alloc(64); ok {
		t.Error("Alloc(64) on a full zone should fail")
	}
}

func TestAllocRoundsUpToBlockSize(t *testing.T) {
	z := New(0, 64, 4)
	if _, ok := z.Alloc(1); !ok {
		t.Fatal("Alloc(1) should round up to one block")
	}
	if z.FreeBlocks() != 3 {
		t.Errorf("FreeBlocks() = %d, want 3 (one whole block consumed for a 1-byte request)", z.FreeBlocks())
	}
}

func TestFreeReturnsBlocks(t *testing.T) {
	z := New(0, 64, 4)
	ptr, ok := z.Alloc(128)
	if !ok {
		t.Fatal("Alloc(128) failed")
	}
	if err := z.Free(ptr, 128); err != nil {
		t.Fatalf("Free() = %v", err)
	}
	if z.FreeBlocks() != 4 {
		t.Errorf("FreeBlocks() after Free = %d, want 4", z.FreeBlocks())
	}

	// the freed run should be reusable by a subsequent Alloc.
	if _, ok := z.Alloc(256); !ok {
		t.Error("Alloc(256) should succeed after freeing the whole zone")
	}
}

func TestFreeUnalignedRejected(t *testing.T) {
	z := New(0x2000, 64, 4)
	if err := z.Free(0x2000+1, 64); err == nil {
		t.Error("Free() on an unaligned pointer should fail")
	}
	if err := z.Free(0x1000, 64); err == nil {
		t.Error("Free() on an out-of-range pointer should fail")
	}
}

func TestAllocFindsGapBetweenUsedRuns(t *testing.T) {
	z := New(0, 64, 5)
	p1, _ := z.Alloc(64) // block 0
	_, _ = z.Alloc(64)   // block 1
	_ = z.Free(p1, 64)   // free block 0 again, leaving a 1-block gap at the front

	ptr, ok := z.Alloc(64)
	if !ok {
		t.Fatal("Alloc(64) should reuse the freed gap")
	}
	if ptr != p1 {
		t.Errorf("Alloc(64) = %#x, want first-fit to reuse %#x", ptr, p1)
	}
}
