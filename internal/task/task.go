// Package task implements the Task record and context switch of spec §4.5.
//
// A Task owns its stack (carved out of the program region so it shows up
// in the visualiser alongside code, per spec §3) and a Context recording
// its saved registers. The hosted build drives the actual suspend/resume
// with a goroutine per task synchronized by an unbuffered channel
// handoff — exactly the substitution spec §9's design notes permit
// ("the target-language implementation may reuse language-provided
// stackful fibers/coroutines IF and only if they do not allocate on yield
// and do not preserve SIMD state implicitly"). Go's own goroutine stacks
// do grow, which is a deliberate, documented deviation (see DESIGN.md).
// The hosted build sets only Context.RSP, once in New, to the top of the
// stack buffer; no registers are saved into Context on suspend.
package task

import (
	"runtime"
	"sync"
)

const StackSize = 16 * 1024

type State int

const (
	Ready State = iota
	Running
	Sleeping
	Finished
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

type ID uint32

// Entry is a loaded task's body. It receives its own Task, hands the CPU
// back to the scheduler through t.Yield (directly or via the scheduler's
// YieldNow/SleepMs/ExitTask), and the task finishes when Entry returns.
type Entry func(t *Task)

// Task is the scheduler's unit of execution.
type Task struct {
	ID    ID
	Name  string
	State State

	Context Context
	Stack   []byte // backing bytes of the stack allocation, for introspection only
	StackAt uintptr
	WakeAt  uint64 // absolute tick at which a Sleeping task becomes Ready

	entry Entry

	// resume is handed a token by the scheduler every time this task is
	// chosen to run; run blocks on it until scheduled. yielded receives a
	// token each time the task calls Yield to hand control back to the
	// scheduler's driving goroutine; done is closed once, when it finishes.
	resume    chan struct{}
	yielded   chan struct{}
	done      chan struct{}
	finishOne sync.Once
}

// New constructs a task backed by the given stack bytes (allocated by the
// caller from the program region, per spec §4.5/§4.4) at address stackAt.
// The task does not start running until the scheduler first resumes it.
func New(id ID, name string, stack []byte, stackAt uintptr, entry Entry) *Task {
	t := &Task{
		ID:      id,
		Name:    name,
		State:   Ready,
		Stack:   stack,
		StackAt: stackAt,
		entry:   entry,
		resume:  make(chan struct{}),
		yielded: make(chan struct{}),
		done:    make(chan struct{}),
	}
	t.Context.RSP = uint64(stackAt) + uint64(len(stack))
	go t.run()
	return t
}

// run is the trampoline: it blocks until first resumed, then calls entry,
// and on return marks the task Finished and signals done — mirroring
// spec §4.5's trampoline stub that turns falling off the end of entry
// into exit_task().
func (t *Task) run() {
	<-t.resume
	t.entry(t)
	t.State = Finished
	t.finish()
}

// finish closes done exactly once, whether reached by entry returning
// naturally or by an explicit Exit call.
func (t *Task) finish() {
	t.finishOne.Do(func() { close(t.done) })
}

// Resume hands control to the task's goroutine and blocks until it yields
// back (by calling Yield, Sleep, Exit, or returning from entry). Only the
// scheduler calls this.
func (t *Task) Resume() {
	if t.State == Finished {
		panic("task: Resume on a finished task")
	}
	t.State = Running
	t.resume <- struct{}{}
	select {
	case <-t.yielded:
	case <-t.done:
	}
}

// Yield is called from inside entry to hand control back to the
// scheduler. It blocks until the scheduler resumes this task again.
func (t *Task) Yield() {
	t.yielded <- struct{}{}
	<-t.resume
}

// Exit marks the task finished and immediately terminates its goroutine
// via runtime.Goexit, so it never returns to its caller — matching
// spec §4.6's exit_task(): "never returns". Unlike Yield, Exit does not
// wait to be resumed again; there is nothing left to resume.
func (t *Task) Exit() {
	t.finish()
	runtime.Goexit()
}

// Wait blocks the calling goroutine (the scheduler's) until the task has
// finished, for tests that want to join a task's goroutine deterministically.
func (t *Task) Wait() { <-t.done }
