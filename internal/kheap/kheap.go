// Package kheap implements the first-fit kernel heap allocator with
// per-block task attribution described in spec §4.3.
//
// Mirrors the shape of original_source/src/allocator.rs's
// LinkedListAllocator (header-prefixed blocks, address-sorted free list,
// forward-sweep coalescing) translated into the teacher's idiom: a single
// struct owning a byte-addressed free list, guarded from interrupt
// re-entrancy by an ioport.IrqLock, with invariant violations surfaced as
// panics the way biscuit panics on "wtf"-class conditions.
package kheap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/schani/ralph-os/internal/ioport"
)

const (
	headerMagic  = 0x48504c52 // "RLPH" as a little-endian u32 (bytes R,L,P,H)
	alignment    = 8
	// KernelTaskID is the attribution sentinel used before the scheduler
	// is initialized, or for allocations made by kernel code that has no
	// current task (spec §4.3 "Attribution rule").
	KernelTaskID uint32 = 0xffffffff
)

// allocHeader sits immediately before every user pointer returned by
// Allocate. Size is fixed and 8-byte aligned by construction.
type allocHeader struct {
	magic     uint32
	taskID    uint32
	blockSize uint64
}

const headerSize = 16 // 4 + 4 + 8, already 8-byte aligned

// freeBlock is written in place inside free memory; minBlockSize is sized
// to hold one.
type freeBlock struct {
	size uint64
	next uint64 // address of next free block, 0 if none (0 is never a valid heap address in this design)
}

const minBlockSize = 16

var ErrOutOfMemory = errors.New("kheap: out of memory")

// CurrentTaskFn returns the attribution target for the allocation about to
// happen: the running task's id, or KernelTaskID before the scheduler is
// up. Allocator does not import the scheduler (it would be a cycle); the
// caller wires this in.
type CurrentTaskFn func() uint32

// Listener is notified of every successful allocation, feeding the
// visualiser (spec §4.12) without the allocator needing to know about it.
type Listener func(blockStart uintptr, blockSize uint64)

// Allocator is the kernel heap: a first-fit free list over a fixed,
// pre-reserved byte range. All mutating operations must run with the
// associated IrqLock held; Allocator does not take the lock itself so
// that callers already inside a larger critical section are not forced to
// nest (nesting would panic per IrqLock's no-recursion rule).
type Allocator struct {
	lock *ioport.IrqLock

	start, end uintptr
	freeHead   uintptr // 0 means empty free list
	mem        []byte  // backing store for [start, end); addr maps to mem[addr-start]

	currentTask CurrentTaskFn
	onAlloc     Listener
}

func (a *Allocator) Start() uintptr { return a.start }
func (a *Allocator) End() uintptr   { return a.end }

func (a *Allocator) off(addr uintptr) int { return int(addr - a.start) }

func (a *Allocator) readHeader(addr uintptr) allocHeader {
	b := a.mem[a.off(addr):]
	return allocHeader{
		magic:     binary.LittleEndian.Uint32(b[0:4]),
		taskID:    binary.LittleEndian.Uint32(b[4:8]),
		blockSize: binary.LittleEndian.Uint64(b[8:16]),
	}
}

func (a *Allocator) writeHeader(addr uintptr, h allocHeader) {
	b := a.mem[a.off(addr):]
	binary.LittleEndian.PutUint32(b[0:4], h.magic)
	binary.LittleEndian.PutUint32(b[4:8], h.taskID)
	binary.LittleEndian.PutUint64(b[8:16], h.blockSize)
}

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

// UserBytes returns the slice of heap memory backing the n bytes at ptr,
// standing in for the raw pointer a real freestanding build would hand
// back from Allocate. Panics if [ptr,ptr+n) is not within the heap.
func (a *Allocator) UserBytes(ptr uintptr, n int) []byte {
	if ptr < a.start || uintptr(n) > a.end-ptr {
		panic("kheap: UserBytes out of range")
	}
	return a.mem[a.off(ptr) : a.off(ptr)+n]
}

// New creates an uninitialized allocator; call Init before use.
func New(lock *ioport.IrqLock, currentTask CurrentTaskFn, onAlloc Listener) *Allocator {
	return &Allocator{lock: lock, currentTask: currentTask, onAlloc: onAlloc}
}

// Init establishes the heap over [start, start+size). One-shot: calling
// it twice is an unrecoverable invariant violation (spec §7).
func (a *Allocator) Init(start uintptr, size uint64) {
	if a.start != 0 || a.end != 0 {
		panic("kheap: Init called twice")
	}
	if start%alignment != 0 {
		panic("kheap: Init start is not 8-byte aligned")
	}
	if size < minBlockSize {
		panic("kheap: Init size smaller than minBlockSize")
	}
	a.start = start
	a.end = start + uintptr(size)
	a.mem = make([]byte, size)
	a.writeFreeBlock(start, freeBlock{size: size, next: 0})
	a.freeHead = start
}

func roundUp8(n uint64) uint64 { return (n + 7) &^ 7 }

// blockTotal computes the full block size (header + user bytes, rounded
// to a multiple of 8, floored at minBlockSize) for a requested allocation.
func blockTotal(size uint64) uint64 {
	total := roundUp8(headerSize + size)
	if total < minBlockSize {
		total = minBlockSize
	}
	return total
}

// Allocate returns a pointer to size bytes, header-prefixed, from the
// first free block whose size accommodates the request. align must not
// exceed 8 (the allocator never aligns beyond its own header alignment).
// Returns 0 and ErrOutOfMemory if no block fits.
func (a *Allocator) Allocate(size uint64, align uint64) (uintptr, error) {
	if align > alignment {
		return 0, fmt.Errorf("kheap: alignment %d exceeds max %d", align, alignment)
	}
	if a.start == 0 {
		panic("kheap: Allocate before Init")
	}
	need := blockTotal(size)

	var prev uintptr
	cur := a.freeHead
	for cur != 0 {
		blk := a.readFreeBlock(cur)
		if blk.size >= need {
			a.splitOrTake(prev, cur, blk, need)
			userPtr := cur + headerSize
			taskID := KernelTaskID
			if a.currentTask != nil {
				taskID = a.currentTask()
			}
			a.writeHeader(cur, allocHeader{magic: headerMagic, taskID: taskID, blockSize: need})
			if a.onAlloc != nil {
				a.onAlloc(cur, need)
			}
			return userPtr, nil
		}
		prev = cur
		cur = uintptr(blk.next)
	}
	return 0, ErrOutOfMemory
}

// splitOrTake removes the free block at addr (size blk.size) from the
// free list threaded through prev, splitting off a trailing free
// remainder when it would still be at least minBlockSize.
func (a *Allocator) splitOrTake(prev, addr uintptr, blk freeBlock, need uint64) {
	remainder := blk.size - need
	var nextFree uintptr
	if remainder >= minBlockSize {
		tailAddr := addr + uintptr(need)
		a.writeFreeBlock(tailAddr, freeBlock{size: remainder, next: blk.next})
		nextFree = tailAddr
	} else {
		// absorb the remainder into this allocation
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

// Deallocate returns the block at ptr's header to the free list, sorted
// by address, then coalesces adjacent free blocks in one forward sweep.
// Panics on header magic mismatch — corruption is unrecoverable (spec §7).
func (a *Allocator) Deallocate(ptr uintptr) {
	headerAddr := ptr - headerSize
	h := a.readHeader(headerAddr)
	if h.magic != headerMagic {
		panic(fmt.Sprintf("kheap: corrupt allocation header at %#x (magic=%#x)", headerAddr, h.magic))
	}
	a.insertFreeSorted(headerAddr, h.blockSize)
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

// coalesce performs one forward sweep merging any free block with an
// immediately-following free block, repeating until no merge applies to
// the current node (needed because a single merge can make the new,
// larger block adjacent to what follows it next).
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

// Stats reports (used, free) byte totals, O(free-list length).
type Stats struct {
	Used uint64
	Free uint64
}

func (a *Allocator) GetHeapStats() Stats {
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

// Allocation describes a live, header-tagged block for introspection.
type Allocation struct {
	Start  uintptr
	Size   uint64
	TaskID uint32
}

// FindAllocation returns the allocated block containing addr, if any,
// found by walking the heap linearly and alternating free-block lookup
// with header inspection (spec §4.3).
func (a *Allocator) FindAllocation(addr uintptr) (Allocation, bool) {
	free := a.freeSet()
	cur := a.start
	for cur < a.end {
		if sz, isFree := free[cur]; isFree {
			cur += uintptr(sz)
			continue
		}
		h := a.readHeader(cur)
		if h.magic != headerMagic {
			return Allocation{}, false
		}
		blockEnd := cur + uintptr(h.blockSize)
		if addr >= cur && addr < blockEnd {
			return Allocation{Start: cur, Size: h.blockSize, TaskID: h.taskID}, true
		}
		cur = blockEnd
	}
	return Allocation{}, false
}

// FindFreeRegion returns the free extent containing addr, if any.
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

// FindAllocationOwner returns the task id that owns the block containing
// addr. Returns (0, false) if addr falls in a free region or out of
// range; the bool distinguishes "found, owned by KernelTaskID" from "not
// an allocation at all".
func (a *Allocator) FindAllocationOwner(addr uintptr) (taskID uint32, ok bool) {
	alloc, found := a.FindAllocation(addr)
	if !found {
		return 0, false
	}
	return alloc.TaskID, true
}

// FindMajorityOwner scans [start,end) and returns the task id owning the
// most bytes in that range, along with the byte count. Used by the
// visualiser to color a coarse map cell that straddles several
// allocations (spec §4.12).
func (a *Allocator) FindMajorityOwner(start, end uintptr) (taskID uint32, bytes uint64, any bool) {
	tally := make(map[uint32]uint64)
	cur := a.start
	free := a.freeSet()
	for cur < a.end {
		if sz, isFree := free[cur]; isFree {
			cur += uintptr(sz)
			continue
		}
		h := a.readHeader(cur)
		if h.magic != headerMagic {
			break
		}
		blockEnd := cur + uintptr(h.blockSize)
		ovStart := cur
		if ovStart < start {
			ovStart = start
		}
		ovEnd := blockEnd
		if ovEnd > end {
			ovEnd = end
		}
		if ovEnd > ovStart {
			tally[h.taskID] += uint64(ovEnd - ovStart)
		}
		cur = blockEnd
	}
	var best uint32
	var bestN uint64
	found := false
	// deterministic iteration over tally by sorting keys, so repeated
	// calls with identical heap state always return the same answer.
	keys := make([]uint32, 0, len(tally))
	for k := range tally {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if tally[k] > bestN {
			best, bestN, found = k, tally[k], true
		}
	}
	return best, bestN, found
}

// GetTaskHeapAllocations enumerates every live block owned by taskID.
func (a *Allocator) GetTaskHeapAllocations(taskID uint32) []Allocation {
	var out []Allocation
	free := a.freeSet()
	cur := a.start
	for cur < a.end {
		if sz, isFree := free[cur]; isFree {
			cur += uintptr(sz)
			continue
		}
		h := a.readHeader(cur)
		if h.magic != headerMagic {
			break
		}
		if h.taskID == taskID {
			out = append(out, Allocation{Start: cur, Size: h.blockSize, TaskID: h.taskID})
		}
		cur += uintptr(h.blockSize)
	}
	return out
}

func (a *Allocator) freeSet() map[uintptr]uint64 {
	m := make(map[uintptr]uint64)
	cur := a.freeHead
	for cur != 0 {
		blk := a.readFreeBlock(cur)
		m[cur] = blk.size
		cur = uintptr(blk.next)
	}
	return m
}
