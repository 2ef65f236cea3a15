package kapi

import (
	"errors"
	"testing"

	"github.com/schani/ralph-os/internal/task"
)

type fakePrinter struct{ got [][]byte }

func (f *fakePrinter) Print(p []byte) { f.got = append(f.got, append([]byte(nil), p...)) }

type fakeSched struct {
	yielded, slept, exited int
	lastSleepMs            uint64
}

func (f *fakeSched) YieldNow(*task.Task)          { f.yielded++ }
func (f *fakeSched) SleepMs(_ *task.Task, n uint64) { f.slept++; f.lastSleepMs = n }
func (f *fakeSched) ExitTask(*task.Task)          { f.exited++ }

type fakeAlloc struct {
	fail     bool
	allocs   map[uintptr]uint64
	nextAddr uintptr
	freed    []uintptr
}

func newFakeAlloc() *fakeAlloc { return &fakeAlloc{allocs: map[uintptr]uint64{}, nextAddr: 0x1000} }

func (f *fakeAlloc) TaskAlloc(taskID uint32, size uint64) (uintptr, error) {
	if f.fail {
		return 0, errors.New("out of memory")
	}
	addr := f.nextAddr
	f.nextAddr += 0x1000
	f.allocs[addr] = size
	return addr, nil
}

func (f *fakeAlloc) TaskFree(taskID uint32, ptr uintptr) {
	f.freed = append(f.freed, ptr)
	delete(f.allocs, ptr)
}

type fakeSockets struct{ lastPort uint16 }

func (f *fakeSockets) Socket(uint32) int32                   { return 3 }
func (f *fakeSockets) Connect(int32, uint32, uint16) int32    { return 0 }
func (f *fakeSockets) Status(int32) int32                     { return StatusConnected }
func (f *fakeSockets) Send(int32, []byte) int32               { return 0 }
func (f *fakeSockets) Recv(int32, []byte) int32               { return 0 }
func (f *fakeSockets) Available(int32) int32                  { return 0 }
func (f *fakeSockets) Close(int32)                            {}
func (f *fakeSockets) Listen(sock int32, port uint16) int32   { f.lastPort = port; return 0 }
func (f *fakeSockets) Accept(int32) int32                     { return -1 }

func newAPI(t *testing.T) (*API, *fakePrinter, *fakeSched, *fakeAlloc, *fakeSockets) {
	t.Helper()
	p := &fakePrinter{}
	s := &fakeSched{}
	a := newFakeAlloc()
	n := &fakeSockets{}
	bnd := &Bindings{Printer: p, Sched: s, Alloc: a, Net: n}
	tk := task.New(1, "prog", make([]byte, task.StackSize), 0x500000, func(*task.Task) {})
	return bnd.For(tk, 7), p, s, a, n
}

func TestVersionIsFour(t *testing.T) {
	api, _, _, _, _ := newAPI(t)
	if api.Version != 4 {
		t.Fatalf("Version = %d, want 4", api.Version)
	}
}

func TestPrintEmptyIsNoop(t *testing.T) {
	api, p, _, _, _ := newAPI(t)
	api.Print(nil)
	api.Print([]byte{})
	if len(p.got) != 0 {
		t.Fatalf("expected no prints, got %v", p.got)
	}
	api.Print([]byte("hi"))
	if len(p.got) != 1 || string(p.got[0]) != "hi" {
		t.Fatalf("got %v", p.got)
	}
}

func TestYieldSleepExitDelegate(t *testing.T) {
	api, _, s, _, _ := newAPI(t)
	api.YieldNow()
	api.SleepMs(250)
	api.Exit()
	if s.yielded != 1 || s.slept != 1 || s.lastSleepMs != 250 || s.exited != 1 {
		t.Fatalf("sched = %+v", s)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	api, _, _, a, _ := newAPI(t)
	ptr, ok := api.Alloc(4096)
	if !ok {
		t.Fatal("Alloc failed unexpectedly")
	}
	if _, present := a.allocs[ptr]; !present {
		t.Fatal("allocation not recorded")
	}
	api.Free(ptr)
	if len(a.freed) != 1 || a.freed[0] != ptr {
		t.Fatalf("freed = %v", a.freed)
	}
}

func TestAllocFailureReturnsFalse(t *testing.T) {
	p := &fakePrinter{}
	s := &fakeSched{}
	a := newFakeAlloc()
	a.fail = true
	n := &fakeSockets{}
	bnd := &Bindings{Printer: p, Sched: s, Alloc: a, Net: n}
	tk := task.New(1, "prog", make([]byte, task.StackSize), 0x500000, func(*task.Task) {})
	api := bnd.For(tk, 7)

	if _, ok := api.Alloc(16); ok {
		t.Fatal("expected Alloc to fail")
	}
}

func TestNetCallsDelegate(t *testing.T) {
	api, _, _, _, n := newAPI(t)
	if api.NetSocket() != 3 {
		t.Fatal("NetSocket did not delegate")
	}
	if api.NetStatus(3) != StatusConnected {
		t.Fatal("NetStatus did not delegate")
	}
	api.NetListen(3, 23)
	if n.lastPort != 23 {
		t.Fatalf("lastPort = %d, want 23", n.lastPort)
	}
	if api.NetAccept(3) != -1 {
		t.Fatal("NetAccept did not delegate")
	}
}
