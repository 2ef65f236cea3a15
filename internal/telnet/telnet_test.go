package telnet

import (
	"testing"

	"github.com/schani/ralph-os/internal/basic"
	"github.com/schani/ralph-os/internal/kapi"
	"github.com/schani/ralph-os/internal/task"
)

// fakeSockets is a single-socket queue: Send appends to sent, Recv drains
// a pre-loaded inbox. Good enough to drive Terminal's NVT state machine
// without a real internal/tcp.Engine.
type fakeSockets struct {
	sent  []byte
	inbox []byte
}

func (f *fakeSockets) Socket(uint32) int32                { return 1 }
func (f *fakeSockets) Connect(int32, uint32, uint16) int32 { return 0 }
func (f *fakeSockets) Status(int32) int32                  { return kapi.StatusConnected }
func (f *fakeSockets) Send(_ int32, p []byte) int32 {
	f.sent = append(f.sent, p...)
	return int32(len(p))
}
func (f *fakeSockets) Recv(_ int32, buf []byte) int32 {
	n := copy(buf, f.inbox)
	f.inbox = f.inbox[n:]
	return int32(n)
}
func (f *fakeSockets) Available(int32) int32      { return int32(len(f.inbox)) }
func (f *fakeSockets) Close(int32)                {}
func (f *fakeSockets) Listen(int32, uint16) int32 { return 0 }
func (f *fakeSockets) Accept(int32) int32         { return -1 }

type noopSched struct{ yields int }

func (s *noopSched) YieldNow(*task.Task)        { s.yields++ }
func (s *noopSched) SleepMs(*task.Task, uint64) {}
func (s *noopSched) ExitTask(*task.Task)        {}

type noopPrinter struct{}

func (noopPrinter) Print([]byte) {}

// newTestTerminal builds a Terminal bound to a fresh fakeSockets whose
// Recv inbox is preloaded with inbox.
func newTestTerminal(t *testing.T, inbox []byte) (*Terminal, *fakeSockets) {
	t.Helper()
	n := &fakeSockets{inbox: inbox}
	bnd := &kapi.Bindings{Printer: noopPrinter{}, Sched: &noopSched{}, Net: n}
	tk := task.New(1, "session", make([]byte, task.StackSize), 0x500000, func(*task.Task) {})
	return NewTerminal(bnd.For(tk, 1), 1), n
}

func TestNegotiateSendsFixedOptionStance(t *testing.T) {
	term, n := newTestTerminal(t, nil)
	term.Negotiate()

	want := []byte{
		iac, will, optEcho,
		iac, will, optSuppressGoAhead,
		iac, do, optSuppressGoAhead,
		iac, wont, optLinemode,
	}
	if string(n.sent) != string(want) {
		t.Fatalf("sent = %v, want %v", n.sent, want)
	}
}

func TestWriteStringEscapesNewlinesCRAndIAC(t *testing.T) {
	term, n := newTestTerminal(t, nil)

	if err := term.WriteString("ab\ncd\r" + string([]byte{iac})); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	want := []byte{'a', 'b', '\r', '\n', 'c', 'd', '\r', 0, iac, iac}
	if string(n.sent) != string(want) {
		t.Fatalf("sent = %v, want %v", n.sent, want)
	}
}

func TestPollByteCollapsesCRLFToLF(t *testing.T) {
	term, _ := newTestTerminal(t, []byte("hi\r\nthere"))

	var got []byte
	for i := 0; i < len("hi\nthere"); i++ {
		b, status := term.PollByte()
		if status != basic.HasByte {
			t.Fatalf("unexpected status %v at byte %d", status, i)
		}
		got = append(got, b)
	}
	if string(got) != "hi\nthere" {
		t.Fatalf("got %q, want %q", got, "hi\nthere")
	}
}

func TestPollByteNoDataWhenInboxEmpty(t *testing.T) {
	term, _ := newTestTerminal(t, nil)
	_, status := term.PollByte()
	if status != basic.NoData {
		t.Fatalf("status = %v, want NoData", status)
	}
}

func TestPollByteNegotiatesIacDoOptions(t *testing.T) {
	// Client proposes WILL SUPPRESS_GO_AHEAD, which the server should
	// answer with DO SUPPRESS_GO_AHEAD, and never surface as data.
	term, n := newTestTerminal(t, []byte{iac, will, optSuppressGoAhead, 'x'})

	b, status := term.PollByte()
	if status != basic.HasByte || b != 'x' {
		t.Fatalf("PollByte = (%q, %v), want ('x', HasByte) after swallowing IAC", b, status)
	}
	want := []byte{iac, do, optSuppressGoAhead}
	if string(n.sent) != string(want) {
		t.Fatalf("sent = %v, want %v", n.sent, want)
	}
}

func TestPollByteEscapedIacIsLiteral(t *testing.T) {
	term, _ := newTestTerminal(t, []byte{iac, iac, 'y'})

	b, status := term.PollByte()
	if status != basic.HasByte || b != iac {
		t.Fatalf("PollByte = (%v, %v), want (IAC, HasByte)", b, status)
	}
	b, status = term.PollByte()
	if status != basic.HasByte || b != 'y' {
		t.Fatalf("PollByte = (%q, %v), want ('y', HasByte)", b, status)
	}
}
