// Package pregion implements the 4 KiB-aligned first-fit program-region
// allocator (spec §4.4). Unlike kheap, allocated blocks carry no header —
// the loader keeps a separate per-task ledger (internal/loader) for
// attribution, since program-region allocations are few and attribution
// lookups rare (visualiser queries, task exit).
package pregion

import (
	"encoding/binary"
	"errors"
)

const PageSize = 4096

var ErrOutOfMemory = errors.New("pregion: out of memory")

// freeBlock is the same shape as kheap's: written in place inside free
// space, linked by address.
type freeBlock struct {
	size uint64
	next uint64
}

const freeBlockSize = 16

// Allocator is a first-fit, page-aligned pool over a fixed byte range.
type Allocator struct {
	start, end uintptr
	freeHead   uintptr
	mem        []byte
}

func New() *Allocator { return &Allocator{} }

func roundUpPage(n uint64) uint64 { return (n + PageSize - 1) &^ (PageSize - 1) }

// Init establishes the pool over [start, start+size). start and size must
// both be page-aligned.
func (a *Allocator) Init(start uintptr, size uint64) {
	if a.start != 0 || a.end != 0 {
		panic("pregion: Init called twice")
	}
	if start%PageSize != 0 || size%PageSize != 0 {
		panic("pregion: start/size must be page-aligned")
	}
	a.start = start
	a.end = start + uintptr(size)
	a.mem = make([]byte, size)
	a.writeFreeBlock(start, freeBlock{size: size, next: 0})
	a.freeHead = start
}

func (a *Allocator) off(addr uintptr) int { return int(addr - a.start) }

func (a *Allocator) readFreeBlock(addr uintptr) freeBlock {
	b := a.mem[a.off(addr):]
	return freeBlock{
		size: binary.LittleEndian.Uint64(b[0:8]),
		next: binary.LittleEndian.Uint64(b[8:16]),
	}
}

func (a *Allocator) writeFreeBlock(addr uintptr, blk freeBlock) {
	b := a.mem[a.off(addr):]
	binary.LittleEndian.PutUint64(b[0:8], blk.size)
	binary.LittleEndian.PutUint64(b[8:16], blk.next)
}

// Allocate rounds size up to a whole number of pages and returns the
// start of the first free block that fits.
func (a *Allocator) Allocate(size uint64) (uintptr, error) {
	if a.start == 0 {
		panic("pregion: Allocate before Init")
	}
	need := roundUpPage(size)
	if need == 0 {
		need = PageSize
	}

	var prev uintptr
	cur := a.freeHead
	for cur != 0 {
		blk := a.readFreeBlock(cur)
		if blk.size >= need {
			a.splitOrTake(prev, cur, blk, need)
			return cur, nil
		}
		prev = cur
		cur = uintptr(blk.next)
	}
	return 0, ErrOutOfMemory
}

func (a *Allocator) splitOrTake(prev, addr uintptr, blk freeBlock, need uint64) {
	remainder := blk.size - need
	var nextFree uintptr
	if remainder >= freeBlockSize {
		tail := addr + uintptr(need)
		a.writeFreeBlock(tail, freeBlock{size: remainder, next: blk.next})
		nextFree = tail
	} else {
		nextFree = uintptr(blk.next)
	}
	if prev == 0 {
		a.freeHead = nextFree
	} else {
		p := a.readFreeBlock(prev)
		p.next = uint64(nextFree)
		a.writeFreeBlock(prev, p)
	}
}

// Free returns [addr, addr+size) to the pool, sorted by address, then
// coalesces adjacent free blocks. size must be the value previously
// passed to/returned by a matching Allocate's rounded total — callers
// (the loader's ledger) are responsible for tracking it since pregion
// itself keeps no per-block record.
func (a *Allocator) Free(addr uintptr, size uint64) {
	need := roundUpPage(size)
	if need == 0 {
		need = PageSize
	}
	a.insertFreeSorted(addr, need)
	a.coalesce()
}

func (a *Allocator) insertFreeSorted(addr uintptr, size uint64) {
	var prev uintptr
	cur := a.freeHead
	for cur != 0 && cur < addr {
		prev = cur
		cur = uintptr(a.readFreeBlock(cur).next)
	}
	a.writeFreeBlock(addr, freeBlock{size: size, next: uint64(cur)})
	if prev == 0 {
		a.freeHead = addr
	} else {
		p := a.readFreeBlock(prev)
		p.next = uint64(addr)
		a.writeFreeBlock(prev, p)
	}
}

func (a *Allocator) coalesce() {
	cur := a.freeHead
	for cur != 0 {
		blk := a.readFreeBlock(cur)
		for blk.next != 0 && cur+uintptr(blk.size) == uintptr(blk.next) {
			next := a.readFreeBlock(uintptr(blk.next))
			blk.size += next.size
			blk.next = next.next
			a.writeFreeBlock(cur, blk)
		}
		cur = uintptr(blk.next)
	}
}

// Stats reports (used, free) byte totals.
type Stats struct {
	Used uint64
	Free uint64
}

func (a *Allocator) GetStats() Stats {
	var free uint64
	cur := a.freeHead
	for cur != 0 {
		blk := a.readFreeBlock(cur)
		free += blk.size
		cur = uintptr(blk.next)
	}
	total := uint64(a.end - a.start)
	return Stats{Used: total - free, Free: free}
}

// FindFreeRegion returns the free extent containing addr, if any — used
// by the visualiser the same way kheap.FindFreeRegion is.
func (a *Allocator) FindFreeRegion(addr uintptr) (start uintptr, size uint64, ok bool) {
	cur := a.freeHead
	for cur != 0 {
		blk := a.readFreeBlock(cur)
		if addr >= cur && addr < cur+uintptr(blk.size) {
			return cur, blk.size, true
		}
		cur = uintptr(blk.next)
	}
	return 0, 0, false
}

// Bytes returns the slice of pool memory backing [addr, addr+n), standing
// in for a raw pointer the way kheap.UserBytes does.
func (a *Allocator) Bytes(addr uintptr, n int) []byte {
	if addr < a.start || uintptr(n) > a.end-addr {
		panic("pregion: Bytes out of range")
	}
	return a.mem[a.off(addr) : a.off(addr)+n]
}

func (a *Allocator) Start() uintptr { return a.start }
func (a *Allocator) End() uintptr   { return a.end }
