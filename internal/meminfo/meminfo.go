// Package meminfo is the unified memory-introspection API of spec §4.12:
// one place to ask "what's at this address" and "what does each task
// own", joining internal/kheap, internal/pregion, internal/loader, and
// internal/sched instead of letting each visualiser query poke at them
// directly. Grounded on original_source/src/meminfo.rs.
package meminfo

import (
	"sort"

	"github.com/schani/ralph-os/internal/kheap"
	"github.com/schani/ralph-os/internal/loader"
	"github.com/schani/ralph-os/internal/pregion"
	"github.com/schani/ralph-os/internal/sched"
	"github.com/schani/ralph-os/internal/task"
)

// Region names mirror original_source's fixed four-region layout,
// generalized to whatever addresses the caller's allocators were Init'd
// with rather than hardcoded constants (the hosted build's kernel/heap/
// program regions are simulated byte slices, not fixed physical addresses).
type RegionInfo struct {
	Start       uintptr
	End         uintptr
	Name        string
	IsAllocated bool
}

// Info answers memory-introspection queries by holding references to the
// live allocators and scheduler rather than copying their state.
type Info struct {
	Heap    *kheap.Allocator
	Program *pregion.Allocator
	Loader  *loader.Loader
	Sched   *sched.Scheduler
}

func New(heap *kheap.Allocator, program *pregion.Allocator, ld *loader.Loader, s *sched.Scheduler) *Info {
	return &Info{Heap: heap, Program: program, Loader: ld, Sched: s}
}

// FindRegion finds the region containing addr (spec §4.12 find_region):
// kernel heap first, falling back to the program region, checking for a
// live allocation before a free extent in each.
func (m *Info) FindRegion(addr uintptr) RegionInfo {
	if m.Heap != nil && addr >= m.Heap.Start() && addr < m.Heap.End() {
		if a, ok := m.Heap.FindAllocation(addr); ok {
			return RegionInfo{Start: a.Start, End: a.Start + uintptr(a.Size), Name: "Heap", IsAllocated: true}
		}
		if start, size, ok := m.Heap.FindFreeRegion(addr); ok {
			return RegionInfo{Start: start, End: start + uintptr(size), Name: "Heap", IsAllocated: false}
		}
		return RegionInfo{Start: m.Heap.Start(), End: m.Heap.End(), Name: "Heap", IsAllocated: false}
	}
	if m.Program != nil && addr >= m.Program.Start() && addr < m.Program.End() {
		if name, start, size, ok := m.findProgramOwner(addr); ok {
			return RegionInfo{Start: start, End: start + uintptr(size), Name: name, IsAllocated: true}
		}
		if start, size, ok := m.Program.FindFreeRegion(addr); ok {
			return RegionInfo{Start: start, End: start + uintptr(size), Name: "Program", IsAllocated: false}
		}
		return RegionInfo{Start: m.Program.Start(), End: m.Program.End(), Name: "Program", IsAllocated: false}
	}
	return RegionInfo{Start: addr, End: addr + 256, Name: "Unknown", IsAllocated: false}
}

// findProgramOwner scans every task's ledger for the extent containing
// addr, distinguishing a named program image from an anonymous
// stack/heap-block allocation.
func (m *Info) findProgramOwner(addr uintptr) (name string, start uintptr, size uint64, ok bool) {
	if m.Loader == nil || m.Sched == nil {
		return "", 0, 0, false
	}
	for _, t := range m.Sched.Tasks() {
		snap, found := m.Loader.Snapshot(uint32(t.ID))
		if !found {
			continue
		}
		if snap.ProgramSize != 0 && addr >= snap.ProgramAddr && addr < snap.ProgramAddr+uintptr(snap.ProgramSize) {
			return snap.ProgramName, snap.ProgramAddr, snap.ProgramSize, true
		}
		if sa, sz := snap.Stack.Addr(), snap.Stack.Size(); sz != 0 && addr >= sa && addr < sa+uintptr(sz) {
			return "Stack", sa, sz, true
		}
		for _, e := range snap.HeapBlocks {
			if a, sz := e.Addr(), e.Size(); addr >= a && addr < a+uintptr(sz) {
				return "Heap", a, sz, true
			}
		}
	}
	return "", 0, 0, false
}

// RegionStats reports used/free totals per major region (spec §4.12
// get_region_stats), in a fixed, deterministic order.
type RegionStats struct {
	Name       string
	Start, End uintptr
	Used, Free uint64
}

func (m *Info) RegionStats() []RegionStats {
	var out []RegionStats
	if m.Heap != nil {
		st := m.Heap.GetHeapStats()
		out = append(out, RegionStats{Name: "Heap", Start: m.Heap.Start(), End: m.Heap.End(), Used: st.Used, Free: st.Free})
	}
	if m.Program != nil {
		st := m.Program.GetStats()
		out = append(out, RegionStats{Name: "Program", Start: m.Program.Start(), End: m.Program.End(), Used: st.Used, Free: st.Free})
	}
	return out
}

// TaskMemoryInfo is one task's full memory picture (spec §4.12
// get_task_memory_info): its stack extent, its loaded program image (if
// any), and every live kernel-heap block it owns.
type TaskMemoryInfo struct {
	ID         task.ID
	Name       string
	State      task.State
	Stack      *Extent
	Program    *ProgramExtent
	HeapBlocks []Extent
}

type Extent struct {
	Addr uintptr
	Size uint64
}

type ProgramExtent struct {
	Extent
	Name string
}

// TaskMemoryInfoAll joins scheduler task records with loader ledgers and
// kheap allocations for every task currently tracked.
func (m *Info) TaskMemoryInfoAll() []TaskMemoryInfo {
	if m.Sched == nil {
		return nil
	}
	tasks := m.Sched.Tasks()
	out := make([]TaskMemoryInfo, 0, len(tasks))
	for _, t := range tasks {
		info := TaskMemoryInfo{ID: t.ID, Name: t.Name, State: t.State}
		if m.Loader != nil {
			if snap, ok := m.Loader.Snapshot(uint32(t.ID)); ok {
				if sz := snap.Stack.Size(); sz != 0 {
					info.Stack = &Extent{Addr: snap.Stack.Addr(), Size: sz}
				}
				if snap.ProgramSize != 0 {
					info.Program = &ProgramExtent{
						Extent: Extent{Addr: snap.ProgramAddr, Size: snap.ProgramSize},
						Name:   snap.ProgramName,
					}
				}
			}
		}
		if m.Heap != nil {
			for _, a := range m.Heap.GetTaskHeapAllocations(uint32(t.ID)) {
				info.HeapBlocks = append(info.HeapBlocks, Extent{Addr: a.Start, Size: a.Size})
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
