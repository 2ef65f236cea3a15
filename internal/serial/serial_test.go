package serial

import (
	"testing"

	"github.com/schani/ralph-os/internal/basic"
	"github.com/schani/ralph-os/internal/ioport"
)

// recordingBus wraps a SimBus and records every OutB to port in order,
// so write-sequence tests don't need to reconstruct state from the final
// register value alone.
type recordingBus struct {
	*ioport.SimBus
	port uint16
	sent []byte
}

func (b *recordingBus) OutB(port uint16, v uint8) {
	if port == b.port {
		b.sent = append(b.sent, v)
	}
	b.SimBus.OutB(port, v)
}

func TestInitProgramsStandardConfig(t *testing.T) {
	bus := ioport.NewSimBus()
	p := New(bus, COM1)
	p.Init()

	if got := bus.InB(COM1 + regLineCtrl); got != 0x03 {
		t.Fatalf("line control = %#x, want 0x03 (DLAB cleared, 8N1)", got)
	}
	if got := bus.InB(COM1 + regFifoCtrl); got != 0xC7 {
		t.Fatalf("fifo control = %#x, want 0xC7", got)
	}
	if got := bus.InB(COM1 + regModemCtrl); got != 0x0F {
		t.Fatalf("modem control = %#x, want 0x0F", got)
	}
}

func TestWriteByteWaitsForTxEmpty(t *testing.T) {
	bus := ioport.NewSimBus()
	p := New(bus, COM1)
	bus.OutB(COM1+regLineStat, lsrTxEmpty)

	p.WriteByte('A')
	if got := bus.InB(COM1 + regData); got != 'A' {
		t.Fatalf("data register = %q, want 'A'", got)
	}
}

func TestWriteStringTranslatesNewlines(t *testing.T) {
	bus := &recordingBus{SimBus: ioport.NewSimBus(), port: COM1 + regData}
	bus.OutB(COM1+regLineStat, lsrTxEmpty)
	p := New(bus, COM1)

	if err := p.WriteString("ok\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if string(bus.sent) != "ok\r\n" {
		t.Fatalf("sent = %q, want %q", bus.sent, "ok\r\n")
	}
}

func TestHasDataAndReadByte(t *testing.T) {
	bus := ioport.NewSimBus()
	p := New(bus, COM1)
	if p.HasData() {
		t.Fatal("HasData true before any byte arrived")
	}
	bus.OutB(COM1+regLineStat, lsrDataReady)
	bus.OutB(COM1+regData, 'z')
	if !p.HasData() {
		t.Fatal("HasData false after LSR_DATA_READY set")
	}
	if b := p.ReadByte(); b != 'z' {
		t.Fatalf("ReadByte = %q, want 'z'", b)
	}
}

func TestReadByteClearsDataReady(t *testing.T) {
	bus := ioport.NewSimBus()
	p := New(bus, COM1)
	bus.OutB(COM1+regLineStat, lsrDataReady)
	bus.OutB(COM1+regData, 'q')

	if b := p.ReadByte(); b != 'q' {
		t.Fatalf("ReadByte = %q, want 'q'", b)
	}
	if p.HasData() {
		t.Fatal("HasData still true after ReadByte; ready bit should clear")
	}
}

func TestInjectSetsDataReady(t *testing.T) {
	bus := ioport.NewSimBus()
	p := New(bus, COM1)
	if p.HasData() {
		t.Fatal("HasData true before Inject")
	}
	p.Inject('m')
	if !p.HasData() {
		t.Fatal("HasData false after Inject")
	}
	if b := p.ReadByte(); b != 'm' {
		t.Fatalf("ReadByte = %q, want 'm'", b)
	}
}

type captureWriter struct{ got []byte }

func (c *captureWriter) Write(p []byte) (int, error) {
	c.got = append(c.got, p...)
	return len(p), nil
}

func TestWriteByteMirrorsToOutput(t *testing.T) {
	bus := ioport.NewSimBus()
	bus.OutB(COM1+regLineStat, lsrTxEmpty)
	p := New(bus, COM1)
	out := &captureWriter{}
	p.Output = out

	p.WriteByte('k')
	if string(out.got) != "k" {
		t.Fatalf("Output captured %q, want %q", out.got, "k")
	}
}

func TestTerminalPollByteNonBlocking(t *testing.T) {
	bus := ioport.NewSimBus()
	p := New(bus, COM1)
	term := NewTerminal(p)

	if _, status := term.PollByte(); status != basic.NoData {
		t.Fatal("PollByte should report NoData before any byte arrives")
	}
	bus.OutB(COM1+regLineStat, lsrDataReady)
	bus.OutB(COM1+regData, 'x')
	b, status := term.PollByte()
	if b != 'x' || status != basic.HasByte {
		t.Fatalf("PollByte = (%q, %v), want ('x', HasByte)", b, status)
	}
}
