// Package serial implements the COM1 UART driver (spec §6.5): 115200
// baud, 8 data bits, no parity, one stop bit, with FIFOs enabled.
// Grounded on original_source/src/serial.rs, ported onto the port-bus
// abstraction internal/ioport already provides rather than inline asm.
package serial

import (
	"io"

	"github.com/schani/ralph-os/internal/ioport"
)

// COM1 is the standard first serial port's base I/O address.
const COM1 uint16 = 0x3F8

// Register offsets from the port base.
const (
	regData      = 0 // data register (read/write)
	regIntEnable = 1 // interrupt enable
	regFifoCtrl  = 2 // FIFO control
	regLineCtrl  = 3 // line control
	regModemCtrl = 4 // modem control
	regLineStat  = 5 // line status
)

// Line status bits.
const (
	lsrDataReady uint8 = 0x01
	lsrTxEmpty   uint8 = 0x20
)

// Port drives one UART over a Bus. Safe for use from a single task at a
// time, matching spec §5's single-logical-thread concurrency model — no
// internal locking.
type Port struct {
	bus  ioport.Bus
	base uint16

	// Output optionally mirrors every byte WriteByte transmits — used to
	// bridge the virtual UART onto a real host console (e.g. os.Stdout).
	// Left nil, only the register file observes writes, as on hardware
	// with nothing wired to the other end of the wire.
	Output io.Writer
}

// New constructs a driver for the UART at base, uninitialized; call
// Init before use.
func New(bus ioport.Bus, base uint16) *Port {
	return &Port{bus: bus, base: base}
}

// Init programs the standard 115200 8N1 configuration with FIFOs enabled.
func (p *Port) Init() {
	p.out(regIntEnable, 0x00)
	p.out(regLineCtrl, 0x80) // enable DLAB to set the baud-rate divisor
	p.out(regData, 0x01)     // divisor low byte — 115200 baud
	p.out(regIntEnable, 0x00) // divisor high byte
	p.out(regLineCtrl, 0x03) // 8 bits, no parity, 1 stop bit; clears DLAB
	p.out(regFifoCtrl, 0xC7) // enable FIFO, clear buffers, 14-byte threshold
	p.out(regModemCtrl, 0x0B)
	p.out(regModemCtrl, 0x0F) // normal operation (loopback off)
	p.out(regLineStat, lsrTxEmpty) // transmitter idle: nothing queued yet
}

func (p *Port) out(offset uint16, v uint8) { p.bus.OutB(p.base+offset, v) }
func (p *Port) in(offset uint16) uint8     { return p.bus.InB(p.base + offset) }

func (p *Port) txEmpty() bool { return p.in(regLineStat)&lsrTxEmpty != 0 }

// HasData reports whether a byte is waiting to be read, without blocking.
func (p *Port) HasData() bool { return p.in(regLineStat)&lsrDataReady != 0 }

// WriteByte blocks until the transmit buffer is empty, then sends byte.
// On the simulated bus this never actually blocks once Init has run (Init
// marks the transmitter empty and nothing clears the bit); kept
// blocking-shaped so the real
// port-mapped backend behaves identically.
func (p *Port) WriteByte(b byte) {
	for !p.txEmpty() {
	}
	p.out(regData, b)
	if p.Output != nil {
		p.Output.Write([]byte{b})
	}
}

// ReadByte reads one byte and clears LSR_DATA_READY, so a caller polling
// HasData in a loop doesn't spin forever on the same stale byte. Only
// call this after HasData reports true — unlike the original's
// read_byte, this does not spin, since a blocking busy-wait here would
// hold the task hostage outside the scheduler's suspension points (spec
// §5: serial reads poll+yield, they don't spin).
func (p *Port) ReadByte() byte {
	b := p.in(regData)
	p.out(regLineStat, p.in(regLineStat)&^lsrDataReady)
	return b
}

// Inject simulates the UART latching one byte received over the wire:
// it stores the byte and raises LSR_DATA_READY, exactly as real hardware
// would on an incoming bit stream. A host console bridge (or a simulated
// peer in tests) is the only caller — the task side only ever reads via
// HasData/ReadByte.
func (p *Port) Inject(b byte) {
	p.out(regData, b)
	p.out(regLineStat, p.in(regLineStat)|lsrDataReady)
}

// WriteString writes s, translating each '\n' to CRLF (spec §6.5).
func (p *Port) WriteString(s string) error {
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b == '\n' {
			p.WriteByte('\r')
		}
		p.WriteByte(b)
	}
	return nil
}
