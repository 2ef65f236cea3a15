package telnet

import (
	"log/slog"

	"github.com/schani/ralph-os/internal/basic"
	"github.com/schani/ralph-os/internal/kapi"
	"github.com/schani/ralph-os/internal/task"
)

// stackAllocator is the program-region slice internal/pregion exposes,
// narrowed to what spawning a built-in task needs.
type stackAllocator interface {
	Allocate(size uint64) (uintptr, error)
	Bytes(addr uintptr, n int) []byte
}

// stackLedger is internal/loader's ledger-recording surface, so spawned
// sessions show up in internal/meminfo like any loaded program's tasks.
type stackLedger interface {
	RegisterStack(taskID uint32, addr uintptr, size uint64)
}

// taskSpawner is internal/sched's task-creation surface.
type taskSpawner interface {
	Spawn(name string, stack []byte, stackAt uintptr, entry task.Entry) task.ID
}

// NewInterpreter builds a fresh Interpreter for one session. Sessions
// never share interpreter state.
type NewInterpreter func() basic.Interpreter

// Server runs telnetd: it owns a listening socket and spawns one session
// task per accepted connection, matching original_source's
// telnetd_task/telnet_session_task pair. Built-in kernel tasks are bound
// to the same kapi vtable loaded guest programs use, so the plumbing
// (spawn, ledger, API) is exercised identically either way.
type Server struct {
	Bindings *kapi.Bindings
	Sched    taskSpawner
	Region   stackAllocator
	Ledger   stackLedger
	NewInterp NewInterpreter
	Log      *slog.Logger
}

// Run spawns telnetd as a kernel task. It returns the new task's id, or
// false if its stack could not be allocated from the program region.
func (s *Server) Run() (task.ID, bool) {
	entry := func(t *task.Task) {
		api := s.Bindings.For(t, uint32(t.ID))
		s.telnetd(api)
	}
	return s.spawn("telnetd", entry)
}

func (s *Server) spawn(name string, entry task.Entry) (task.ID, bool) {
	stackAddr, err := s.Region.Allocate(task.StackSize)
	if err != nil {
		if s.Log != nil {
			s.Log.Error("telnet: failed to allocate task stack", "task", name, "err", err)
		}
		return 0, false
	}
	stack := s.Region.Bytes(stackAddr, task.StackSize)
	id := s.Sched.Spawn(name, stack, stackAddr, entry)
	s.Ledger.RegisterStack(uint32(id), stackAddr, task.StackSize)
	return id, true
}

func (s *Server) telnetd(api *kapi.API) {
	s.logInfo("telnetd started")

	listener := api.NetSocket()
	if listener < 0 {
		s.logInfo("telnetd: failed to allocate listener socket")
		return
	}
	if api.NetListen(listener, Port) < 0 {
		s.logInfo("telnetd: failed to listen")
		return
	}

	sessions := make(map[int32]bool) // accepted sockets that have a session task
	for {
		sock := api.NetAccept(listener)
		if sock <= 0 || sessions[sock] {
			// 0: nothing pending yet; -1: listener became invalid; a socket
			// already in sessions is the same connection returned again.
			api.SleepMs(25)
			continue
		}
		entry := func(t *task.Task) {
			sessionAPI := s.Bindings.For(t, uint32(t.ID))
			s.session(sessionAPI, sock)
			delete(sessions, sock)
		}
		if _, ok := s.spawn("telnet", entry); !ok {
			s.logInfo("telnetd: failed to spawn session task")
			api.NetClose(sock)
		} else {
			sessions[sock] = true
		}
	}
}

func (s *Server) session(api *kapi.API, sock int32) {
	s.logInfo("telnet: session started")

	term := NewTerminal(api, sock)
	term.Negotiate()

	var interp basic.Interpreter = basic.StubInterpreter{}
	if s.NewInterp != nil {
		interp = s.NewInterp()
	}
	basic.RunREPL(term, interp, api.YieldNow)

	api.NetClose(sock)
	s.logInfo("telnet: session ended")
}

func (s *Server) logInfo(msg string) {
	if s.Log != nil {
		s.Log.Info(msg)
	}
}
