// Package sched implements the cooperative round-robin scheduler of spec
// §4.6: a single global scheduler owning a vector of tasks and an
// integer cursor, advancing by context switch on yield_now, sleep_ms, and
// exit_task.
package sched

import (
	"github.com/schani/ralph-os/internal/task"
	"github.com/schani/ralph-os/internal/timer"
)

// Unloader is called with a task's id right before it is reaped, so the
// loader (spec §4.7) can release the task's stack, code image, and
// program-heap blocks. Scheduler does not import internal/loader
// directly to avoid a cycle (the loader spawns tasks through Scheduler).
type Unloader func(id task.ID)

// Scheduler owns every task in the system and the "currently running"
// cursor. Only ever driven by one logical thread of control at a time
// (spec §5) — there is no internal locking, matching biscuit's
// single-CPU assumption for the scheduler's own bookkeeping.
type Scheduler struct {
	tasks   []*task.Task
	current int
	nextID  task.ID
	base    *timer.Base
	unload  Unloader

	ready bool // set once Run() begins; reported by Ready()
}

func New(base *timer.Base, unload Unloader) *Scheduler {
	return &Scheduler{base: base, unload: unload}
}

// Ready reports whether the scheduler has started its run loop.
func (s *Scheduler) Ready() bool { return s.ready }

// Spawn allocates a task id, constructs a Task over the given stack, and
// appends it to the ready vector. The caller (the loader, or kernel init
// for built-in workers) is responsible for allocating the stack from the
// program region.
func (s *Scheduler) Spawn(name string, stack []byte, stackAt uintptr, entry task.Entry) task.ID {
	id := s.nextID
	s.nextID++
	t := task.New(id, name, stack, stackAt, entry)
	s.tasks = append(s.tasks, t)
	return id
}

// CurrentTaskID returns the id of the task presently Running, or ok=false
// if none is — callers that need the kernel sentinel (kheap.KernelTaskID)
// substitute it themselves, to avoid sched depending on kheap.
func (s *Scheduler) CurrentTaskID() (task.ID, bool) {
	if s.current < 0 || s.current >= len(s.tasks) {
		return 0, false
	}
	t := s.tasks[s.current]
	if t.State != task.Running {
		return 0, false
	}
	return t.ID, true
}

// Run starts the first task and drives the scheduling loop until no
// runnable or sleeping task remains, then returns (the caller, per spec
// §4.6 step 5, halts forever afterward).
func (s *Scheduler) Run() {
	s.ready = true
	if len(s.tasks) == 0 {
		return
	}
	s.current = -1
	for s.step() {
	}
}

// step performs one scheduling decision (spec §4.6 algorithm) and returns
// false once there is nothing left to run, ever (no Ready and no
// Sleeping tasks).
func (s *Scheduler) step() bool {
	now := s.base.Ticks()

	// 2. promote sleepers whose wake time has arrived.
	for _, t := range s.tasks {
		if t.State == task.Sleeping && t.WakeAt <= now {
			t.State = task.Ready
		}
	}

	// 3. compact finished tasks out of the vector.
	s.reap()
	if len(s.tasks) == 0 {
		return false
	}

	// 4. find the next Ready task starting after current.
	n := len(s.tasks)
	for i := 1; i <= n; i++ {
		idx := (s.current + i) % n
		if s.tasks[idx].State == task.Ready {
			s.current = idx
			s.tasks[idx].Resume()
			return true
		}
	}

	// 5. nothing Ready; if something is still Sleeping, the caller's
	// loop will call step() again after time passes. Otherwise we're done.
	for _, t := range s.tasks {
		if t.State == task.Sleeping {
			return true
		}
	}
	return false
}

// reap removes Finished tasks, calling the Unloader for each first, and
// adjusts current so the next step() continues in the same order: current
// keeps pointing at the same task if it survives, otherwise at the nearest
// survivor before it (-1 if there is none, as before the first step).
func (s *Scheduler) reap() {
	if len(s.tasks) == 0 {
		return
	}
	newCurrent := -1
	out := s.tasks[:0]
	for i, t := range s.tasks {
		if t.State == task.Finished {
			if s.unload != nil {
				s.unload(t.ID)
			}
			continue
		}
		out = append(out, t)
		if i <= s.current {
			newCurrent = len(out) - 1
		}
	}
	s.tasks = out
	s.current = newCurrent
}

// YieldNow marks t Ready and returns control to the scheduler loop. Only
// ever called from inside a task's entry function, on itself.
func (s *Scheduler) YieldNow(t *task.Task) {
	t.State = task.Ready
	t.Yield()
}

// SleepTicks marks t Sleeping until now+n ticks and returns control to
// the scheduler loop.
func (s *Scheduler) SleepTicks(t *task.Task, n uint64) {
	t.WakeAt = s.base.Ticks() + n
	t.State = task.Sleeping
	t.Yield()
}

// SleepMs is SleepTicks expressed in milliseconds, rounded up (spec §4.2).
func (s *Scheduler) SleepMs(t *task.Task, ms uint64) {
	s.SleepTicks(t, timer.MsToTicks(ms))
}

// ExitTask marks t Finished and ends t's goroutine; it never returns to
// its caller. Returning from entry without calling ExitTask has the same
// effect on the task, since task.run() marks Finished on return. Exposed
// for the kernel API's exit() call.
func (s *Scheduler) ExitTask(t *task.Task) {
	t.State = task.Finished
	t.Exit()
}

// NumTasks reports the number of tasks still tracked (any state).
func (s *Scheduler) NumTasks() int { return len(s.tasks) }

// Tasks returns a snapshot slice of every task still tracked (any
// state), for internal/meminfo's task-memory query (spec §4.12).
func (s *Scheduler) Tasks() []*task.Task {
	out := make([]*task.Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}
