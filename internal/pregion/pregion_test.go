package pregion

import "testing"

func newTestPool(size uint64) *Allocator {
	a := New()
	a.Init(0x400000, size)
	return a
}

func TestAllocateIsPageAligned(t *testing.T) {
	a := newTestPool(64 * 1024)
	ptr, err := a.Allocate(1)
	if err != nil {
		t.Fatal(err)
	}
	if ptr%PageSize != 0 {
		t.Fatalf("pointer %#x not page-aligned", ptr)
	}
	stats := a.GetStats()
	if stats.Used != PageSize {
		t.Fatalf("used = %d, want %d", stats.Used, PageSize)
	}
}

func TestFreeRoundTrip(t *testing.T) {
	a := newTestPool(64 * 1024)
	before := a.GetStats()
	ptr, _ := a.Allocate(10000)
	a.Free(ptr, 10000)
	after := a.GetStats()
	if after != before {
		t.Fatalf("round trip changed stats: before=%+v after=%+v", before, after)
	}
}

func TestOutOfMemory(t *testing.T) {
	a := newTestPool(PageSize)
	if _, err := a.Allocate(PageSize); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(1); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestCoalescesAfterFreeingAll(t *testing.T) {
	a := newTestPool(16 * PageSize)
	var ptrs []uintptr
	var sizes []uint64
	for i := 0; i < 4; i++ {
		p, err := a.Allocate(PageSize * 2)
		if err != nil {
			t.Fatal(err)
		}
		ptrs = append(ptrs, p)
		sizes = append(sizes, PageSize*2)
	}
	for i, p := range ptrs {
		a.Free(p, sizes[i])
	}
	stats := a.GetStats()
	if stats.Used != 0 {
		t.Fatalf("expected fully coalesced pool, got %+v", stats)
	}
}
