// Package kapi builds the per-task kernel-API vtable (spec §4.8): the
// single record of function pointers a loaded program receives as its
// first entry argument. Version is the vtable's first field so a program
// built against an older revision can detect it's running against a
// newer kernel before touching fields it doesn't know about.
package kapi

import (
	"github.com/schani/ralph-os/internal/task"
)

const Version uint32 = 4

// Printer writes raw bytes to the console (serial in the real machine,
// whatever cmd/kernel wires in the hosted build).
type Printer interface {
	Print(p []byte)
}

// Scheduler is the subset of internal/sched.Scheduler a running program
// can call into.
type Scheduler interface {
	YieldNow(t *task.Task)
	SleepMs(t *task.Task, ms uint64)
	ExitTask(t *task.Task)
}

// Allocator is the subset of internal/loader.Loader a running program
// can call into for its own heap.
type Allocator interface {
	TaskAlloc(taskID uint32, size uint64) (uintptr, error)
	TaskFree(taskID uint32, ptr uintptr)
}

// Socket status codes returned by net_status (spec §4.8).
const (
	StatusConnecting = 0
	StatusConnected  = 1
	StatusClosed     = 2
	StatusInvalid    = -1
)

// Sockets is the TCP engine's surface exposed to the kernel API. A −1
// return from Socket/Connect/Listen/Send/Recv means "invalid" or
// "error" per the call's own contract; internal/tcp implements this.
// Accept is the one exception: it returns 0 for "listener valid, nothing
// pending yet" and reserves −1 for an invalid listener socket.
type Sockets interface {
	Socket(taskID uint32) int32
	Connect(sock int32, ipBE uint32, port uint16) int32
	Status(sock int32) int32
	Send(sock int32, p []byte) int32
	Recv(sock int32, buf []byte) int32
	Available(sock int32) int32
	Close(sock int32)
	Listen(sock int32, port uint16) int32
	Accept(sock int32) int32
}

// Bindings are the kernel-wide collaborators the vtable is built from.
// cmd/kernel constructs one Bindings at boot and calls For once per
// spawned task.
type Bindings struct {
	Printer Printer
	Sched   Scheduler
	Alloc   Allocator
	Net     Sockets
}

// API is the vtable bound to one running task. Every field-shaped call
// in spec §4.8 is a method here rather than a literal function pointer
// field, since this is a hosted Go program rather than a C ABI — the
// binding is still fixed at construction and does not change out from
// under the task mid-run.
type API struct {
	Version uint32

	b        *Bindings
	self     *task.Task
	taskID   uint32
}

// For binds a vtable to the given task. taskID is the allocator/ledger
// identity (spec §4.7); self is the scheduler's handle used by
// yield_now/sleep_ms/exit.
func (bnd *Bindings) For(self *task.Task, taskID uint32) *API {
	return &API{Version: Version, b: bnd, self: self, taskID: taskID}
}

// Print writes p to the console. A nil or empty p is a no-op (spec
// §4.8's print(p,n) contract).
func (a *API) Print(p []byte) {
	if len(p) == 0 {
		return
	}
	a.b.Printer.Print(p)
}

func (a *API) YieldNow() { a.b.Sched.YieldNow(a.self) }

func (a *API) SleepMs(n uint64) { a.b.Sched.SleepMs(a.self, n) }

// Exit finalises the caller; like spec's exit() → !, it never returns.
func (a *API) Exit() { a.b.Sched.ExitTask(a.self) }

// Alloc returns a 4 KiB-round-up program-region block, or ok=false on
// OOM (stands in for the null return of spec's alloc(n) → p).
func (a *API) Alloc(n uint64) (ptr uintptr, ok bool) {
	p, err := a.b.Alloc.TaskAlloc(a.taskID, n)
	if err != nil {
		return 0, false
	}
	return p, true
}

// Free is a ledger-verified deallocate; silent on an unknown pointer.
func (a *API) Free(p uintptr) { a.b.Alloc.TaskFree(a.taskID, p) }

func (a *API) NetSocket() int32 { return a.b.Net.Socket(a.taskID) }

func (a *API) NetConnect(sock int32, ipBE uint32, port uint16) int32 {
	return a.b.Net.Connect(sock, ipBE, port)
}

func (a *API) NetStatus(sock int32) int32 { return a.b.Net.Status(sock) }

func (a *API) NetSend(sock int32, p []byte) int32 { return a.b.Net.Send(sock, p) }

func (a *API) NetRecv(sock int32, buf []byte) int32 { return a.b.Net.Recv(sock, buf) }

func (a *API) NetAvailable(sock int32) int32 { return a.b.Net.Available(sock) }

func (a *API) NetClose(sock int32) { a.b.Net.Close(sock) }

func (a *API) NetListen(sock int32, port uint16) int32 { return a.b.Net.Listen(sock, port) }

func (a *API) NetAccept(sock int32) int32 { return a.b.Net.Accept(sock) }
