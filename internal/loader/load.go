package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"

	"github.com/schani/ralph-os/internal/kapi"
	"github.com/schani/ralph-os/internal/pregion"
	"github.com/schani/ralph-os/internal/task"
)

// ElfErrorKind enumerates the loader's typed ELF failures (spec §4.7).
type ElfErrorKind int

const (
	ElfTooSmall ElfErrorKind = iota
	ElfInvalidMagic
	ElfNot64Bit
	ElfNotLittleEndian
	ElfNotExecutable
	ElfNotX86_64
	ElfInvalidProgramHeader
	ElfNoLoadableSegments
)

func (k ElfErrorKind) String() string {
	switch k {
	case ElfTooSmall:
		return "TooSmall"
	case ElfInvalidMagic:
		return "InvalidMagic"
	case ElfNot64Bit:
		return "Not64Bit"
	case ElfNotLittleEndian:
		return "NotLittleEndian"
	case ElfNotExecutable:
		return "NotExecutable"
	case ElfNotX86_64:
		return "NotX86_64"
	case ElfInvalidProgramHeader:
		return "InvalidProgramHeader"
	case ElfNoLoadableSegments:
		return "NoLoadableSegments"
	default:
		return "Unknown"
	}
}

// ElfError wraps one of the typed ELF loader failures.
type ElfError struct {
	Kind ElfErrorKind
	Err  error
}

func (e *ElfError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("loader: elf: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("loader: elf: %s", e.Kind)
}

func (e *ElfError) Unwrap() error { return e.Err }

func elfErr(kind ElfErrorKind, err error) error { return &ElfError{Kind: kind, Err: err} }

// LoadedProgram is the result of Loader.Load: the program image is mapped
// into the program region but not yet registered with a task.
type LoadedProgram struct {
	Name      string
	Base      uintptr
	TotalSize uint64
	Entry     uintptr
}

// Loader ties the exec table to the program-region allocator and keeps
// the per-task allocation ledger spec §4.7 describes.
type Loader struct {
	table  *Table
	region *pregion.Allocator
	ledger map[uint32]*taskLedger
}

// taskLedger is a task's record of every program-region extent it owns:
// stack, code image, and heap blocks allocated via task_alloc. Unload
// releases them in reverse: heap blocks, then code image, then stack
// (spec §4.7 "unload_task").
type taskLedger struct {
	stack      extent
	program    *programExtent
	heapBlocks []extent
}

type extent struct {
	addr uintptr
	size uint64
}

type programExtent struct {
	extent
	name string
}

func New(table *Table, region *pregion.Allocator) *Loader {
	return &Loader{table: table, region: region, ledger: make(map[uint32]*taskLedger)}
}

// Load parses and maps name's ELF64 image into the program region,
// without registering it to any task (spec §4.7 step 5: "Return
// {name, base, total_size, entry} without registering.").
func (l *Loader) Load(name string) (LoadedProgram, error) {
	raw, err := l.table.Read(name)
	if err != nil {
		return LoadedProgram{}, err
	}

	if len(raw) < 64 {
		return LoadedProgram{}, elfErr(ElfTooSmall, nil)
	}
	if !bytes.Equal(raw[0:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return LoadedProgram{}, elfErr(ElfInvalidMagic, nil)
	}
	if raw[4] != 2 { // ELFCLASS64
		return LoadedProgram{}, elfErr(ElfNot64Bit, nil)
	}
	if raw[5] != 1 { // ELFDATA2LSB
		return LoadedProgram{}, elfErr(ElfNotLittleEndian, nil)
	}

	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return LoadedProgram{}, elfErr(ElfInvalidProgramHeader, err)
	}
	defer f.Close()

	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return LoadedProgram{}, elfErr(ElfNotExecutable, nil)
	}
	if f.Machine != elf.EM_X86_64 {
		return LoadedProgram{}, elfErr(ElfNotX86_64, nil)
	}

	type loadSeg struct {
		vaddr          uint64
		filesz, memsz  uint64
		fileOff        uint64
	}
	var segs []loadSeg
	var lowest, highest uint64
	first := true
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		segs = append(segs, loadSeg{vaddr: p.Vaddr, filesz: p.Filesz, memsz: p.Memsz, fileOff: p.Off})
		end := p.Vaddr + p.Memsz
		if first {
			lowest, highest, first = p.Vaddr, end, false
			continue
		}
		if p.Vaddr < lowest {
			lowest = p.Vaddr
		}
		if end > highest {
			highest = end
		}
	}
	if len(segs) == 0 {
		return LoadedProgram{}, elfErr(ElfNoLoadableSegments, nil)
	}

	totalSize := highest - lowest
	base, err := l.region.Allocate(totalSize)
	if err != nil {
		return LoadedProgram{}, fmt.Errorf("%w: %v", ErrAllocFailed, err)
	}

	dst := l.region.Bytes(base, int(roundUpPage(totalSize)))
	for _, seg := range segs {
		if seg.fileOff+seg.filesz > uint64(len(raw)) {
			l.region.Free(base, totalSize)
			return LoadedProgram{}, elfErr(ElfInvalidProgramHeader, errors.New("segment file range out of bounds"))
		}
		segBase := seg.vaddr - lowest
		copy(dst[segBase:segBase+seg.filesz], raw[seg.fileOff:seg.fileOff+seg.filesz])
		for i := seg.filesz; i < seg.memsz; i++ {
			dst[segBase+i] = 0
		}
	}

	entryAddr := base + uintptr(f.Entry-lowest)
	return LoadedProgram{Name: name, Base: base, TotalSize: totalSize, Entry: entryAddr}, nil
}

func roundUpPage(n uint64) uint64 { return (n + pregion.PageSize - 1) &^ (pregion.PageSize - 1) }

// spawner is internal/sched's task-creation surface — the same narrow
// interface internal/telnet.Server.spawn uses, so SpawnProgram doesn't
// need to import internal/sched.
type spawner interface {
	Spawn(name string, stack []byte, stackAt uintptr, entry task.Entry) task.ID
}

// packArgv lays out args the way a C argv block would in the program
// region: each string NUL-terminated, back to back, with a trailing
// empty entry terminating the list — a stand-in for an actual char**
// array, since nothing in this hosted build reads it back as one.
func packArgv(args []string) []byte {
	var buf []byte
	for _, a := range args {
		buf = append(buf, a...)
		buf = append(buf, 0)
	}
	return append(buf, 0)
}

// SpawnProgram is spec §4.7's spawn_program(name, args): load, spawn a
// wrapper task, register the code region and an argv allocation in the
// per-task ledger, and return the new task's id. The wrapper task can't
// literally jump to LoadedProgram.Entry — there is no x86_64 execution
// engine in this hosted build (spec's Non-goals) — so, like
// programs/hello.Run standing in for a compiled guest program, it logs
// the call it would have made and exits immediately.
func (l *Loader) SpawnProgram(s spawner, bindings *kapi.Bindings, log *slog.Logger, name string, args []string) (task.ID, error) {
	prog, err := l.Load(name)
	if err != nil {
		return 0, err
	}

	stackAddr, err := l.region.Allocate(task.StackSize)
	if err != nil {
		l.region.Free(prog.Base, prog.TotalSize)
		return 0, fmt.Errorf("%w: %v", ErrAllocFailed, err)
	}
	stack := l.region.Bytes(stackAddr, task.StackSize)

	entry := func(t *task.Task) {
		api := bindings.For(t, uint32(t.ID))
		log.Info("spawned program reached entry point (stand-in: no x86_64 execution engine)",
			"program", name, "entry", prog.Entry, "args", args)
		api.Exit()
	}
	id := s.Spawn(name, stack, stackAddr, entry)

	l.RegisterStack(uint32(id), stackAddr, task.StackSize)
	l.RegisterProgram(uint32(id), name, prog.Base, prog.TotalSize)

	argv := packArgv(args)
	argvAddr, err := l.TaskAlloc(uint32(id), uint64(len(argv)))
	if err != nil {
		log.Warn("spawn_program: argv allocation failed", "program", name, "err", err)
	} else {
		copy(l.region.Bytes(argvAddr, len(argv)), argv)
	}

	return id, nil
}

// RegisterStack records a spawned task's stack extent in its ledger,
// creating the ledger entry if this is the task's first allocation.
func (l *Loader) RegisterStack(taskID uint32, addr uintptr, size uint64) {
	l.ledgerFor(taskID).stack = extent{addr: addr, size: size}
}

// RegisterProgram records a loaded program's code image extent.
func (l *Loader) RegisterProgram(taskID uint32, name string, addr uintptr, size uint64) {
	l.ledgerFor(taskID).program = &programExtent{extent: extent{addr: addr, size: size}, name: name}
}

func (l *Loader) ledgerFor(taskID uint32) *taskLedger {
	tl, ok := l.ledger[taskID]
	if !ok {
		tl = &taskLedger{}
		l.ledger[taskID] = tl
	}
	return tl
}

// TaskAlloc is the kernel API's alloc(): a 4 KiB-rounded program-region
// block recorded in taskID's ledger.
func (l *Loader) TaskAlloc(taskID uint32, size uint64) (uintptr, error) {
	addr, err := l.region.Allocate(size)
	if err != nil {
		return 0, err
	}
	tl := l.ledgerFor(taskID)
	tl.heapBlocks = append(tl.heapBlocks, extent{addr: addr, size: size})
	return addr, nil
}

// TaskFree is the kernel API's free(): a ledger-verified deallocate.
// Pointers not found in taskID's ledger are silently ignored — this is
// the ownership check that prevents a task from freeing another task's
// memory (spec §4.7).
func (l *Loader) TaskFree(taskID uint32, ptr uintptr) {
	tl, ok := l.ledger[taskID]
	if !ok {
		return
	}
	for i, e := range tl.heapBlocks {
		if e.addr == ptr {
			l.region.Free(e.addr, e.size)
			tl.heapBlocks = append(tl.heapBlocks[:i], tl.heapBlocks[i+1:]...)
			return
		}
	}
}

// Unload releases every extent a task owns — heap blocks, then code
// image, then stack, in that order — and removes its ledger entry (spec
// §4.7 "unload_task"). Safe to call on a task with no ledger entry (a
// worker that never called task_alloc or loaded a program).
func (l *Loader) Unload(taskID uint32) {
	tl, ok := l.ledger[taskID]
	if !ok {
		return
	}
	for _, e := range tl.heapBlocks {
		l.region.Free(e.addr, e.size)
	}
	if tl.program != nil {
		l.region.Free(tl.program.addr, tl.program.size)
	}
	if tl.stack.size != 0 {
		l.region.Free(tl.stack.addr, tl.stack.size)
	}
	delete(l.ledger, taskID)
}

// TaskLedgerSnapshot is meminfo's read-only view of a task's allocations.
type TaskLedgerSnapshot struct {
	Stack       extent
	ProgramName string
	ProgramAddr uintptr
	ProgramSize uint64
	HeapBlocks  []extent
}

func (l *Loader) Snapshot(taskID uint32) (TaskLedgerSnapshot, bool) {
	tl, ok := l.ledger[taskID]
	if !ok {
		return TaskLedgerSnapshot{}, false
	}
	snap := TaskLedgerSnapshot{Stack: tl.stack, HeapBlocks: append([]extent(nil), tl.heapBlocks...)}
	if tl.program != nil {
		snap.ProgramName = tl.program.name
		snap.ProgramAddr = tl.program.addr
		snap.ProgramSize = tl.program.size
	}
	return snap, true
}

func (e extent) Addr() uintptr { return e.addr }
func (e extent) Size() uint64  { return e.size }
