// Package ne2000 drives the NE2000 ISA/PCI NIC (spec §4.10) over an
// internal/ioport.Bus, moving frames through an internal/netbuf.Pool.
// QEMU usage: `-device ne2k_isa,netdev=net0,irq=10,iobase=0x300`.
package ne2000

import (
	"fmt"

	"github.com/schani/ralph-os/internal/ioport"
	"github.com/schani/ralph-os/internal/netbuf"
)

// Page-0 register offsets from the card's I/O base.
const (
	regCR    = 0x00 // command register, all pages
	regPSTART = 0x01 // page start (write)
	regPSTOP  = 0x02 // page stop (write)
	regBNRY   = 0x03 // boundary pointer
	regTPSR   = 0x04 // TX page start (write)
	regTBCR0  = 0x05 // TX byte count low (write)
	regTBCR1  = 0x06 // TX byte count high (write)
	regISR    = 0x07 // interrupt status
	regRSAR0  = 0x08 // remote start address low
	regRSAR1  = 0x09 // remote start address high
	regRBCR0  = 0x0A // remote byte count low
	regRBCR1  = 0x0B // remote byte count high
	regRCR    = 0x0C // receive config (write)
	regTCR    = 0x0D // transmit config (write)
	regDCR    = 0x0E // data config (write)
	regIMR    = 0x0F // interrupt mask (write)
	regCURR   = 0x07 // current page (page 1)
	regPAR0   = 0x01 // physical address 0..5 (page 1)
	regData   = 0x10 // remote DMA data port
	regReset  = 0x1F
)

// Command register bits.
const (
	crSTOP  = 0x01
	crSTART = 0x02
	crTXP   = 0x04 // transmit packet
	crRDMA_READ  = 0x08
	crRDMA_WRITE = 0x10
	crRDMA_ABORT = 0x20
	crPAGE0 = 0x00
	crPAGE1 = 0x40
)

// Interrupt-status bits.
const (
	isrPRX = 0x01 // packet received
	isrPTX = 0x02 // packet transmitted
	isrRXE = 0x04 // RX error
	isrTXE = 0x08 // TX error
	isrOVW = 0x10 // overwrite warning (RX ring overrun)
	isrALL = 0xFF
)

// On-chip RAM layout: TX gets 6 pages (1.5 KiB) at page 0x40, RX ring
// spans the rest.
const (
	pageSize  = 256
	txStart   = 0x40
	txPages   = 6
	rxStart   = txStart + txPages // 0x46
	rxStop    = 0x80
)

// Driver owns one NE2000 card's register bus and the packet pool its
// interrupt handler and Send feed.
type Driver struct {
	bus  ioport.Bus
	base uint16
	pool *netbuf.Pool
	mac  [6]byte

	rxNext uint8 // next page boundary we expect CURR to reach
}

// New does not touch hardware; call Reset to bring the card up.
func New(bus ioport.Bus, ioBase uint16, pool *netbuf.Pool) *Driver {
	return &Driver{bus: bus, base: ioBase, pool: pool}
}

func (d *Driver) reg(offset uint16) uint16 { return d.base + offset }

// Reset performs the card bring-up sequence (spec §4.10): soft reset,
// program DCR/RCR/TCR, lay out on-chip RAM, read the burned-in MAC via
// remote DMA, install it into PAR0-5, unmask interrupts, start the card.
func (d *Driver) Reset() error {
	// a read of the reset register triggers a soft reset; ISR bit 7
	// (RST) sets when it completes.
	d.bus.InB(d.reg(regReset))
	for i := 0; i < 10000; i++ {
		if d.bus.InB(d.reg(regISR))&0x80 != 0 {
			break
		}
	}
	d.bus.OutB(d.reg(regCR), crPAGE0|crRDMA_ABORT|crSTOP)
	d.bus.OutB(d.reg(regDCR), 0x49) // word-wide, normal operation, FIFO 8 words
	d.bus.OutB(d.reg(regRBCR0), 0)
	d.bus.OutB(d.reg(regRBCR1), 0)
	d.bus.OutB(d.reg(regRCR), 0x20) // monitor mode during init
	d.bus.OutB(d.reg(regTCR), 0x02) // internal loopback during init
	d.bus.OutB(d.reg(regPSTART), rxStart)
	d.bus.OutB(d.reg(regBNRY), rxStart)
	d.bus.OutB(d.reg(regPSTOP), rxStop)
	d.bus.OutB(d.reg(regISR), isrALL)
	d.bus.OutB(d.reg(regIMR), isrPRX|isrPTX|isrRXE|isrTXE|isrOVW)

	if err := d.readMAC(); err != nil {
		return err
	}
	d.installMAC()

	d.bus.OutB(d.reg(regTCR), 0x00) // normal transmit mode
	d.bus.OutB(d.reg(regRCR), 0x04) // accept broadcast
	d.bus.OutB(d.reg(regCR), crPAGE0|crSTART)
	d.rxNext = rxStart
	return nil
}

// readMAC pulls the 6-byte station address out of the card's PROM via
// remote DMA (the first 6 words of on-chip page 0, doubled in the PROM
// layout QEMU emulates).
func (d *Driver) readMAC() error {
	d.bus.OutB(d.reg(regRBCR0), 32)
	d.bus.OutB(d.reg(regRBCR1), 0)
	d.bus.OutB(d.reg(regRSAR0), 0)
	d.bus.OutB(d.reg(regRSAR1), 0)
	d.bus.OutB(d.reg(regCR), crPAGE0|crRDMA_READ|crSTART)
	var prom [32]byte
	for i := 0; i < len(prom); i += 2 {
		w := d.bus.InW(d.reg(regData))
		prom[i] = byte(w)
		prom[i+1] = byte(w >> 8)
	}
	// the PROM doubles each byte on real NE2000 clones' 16-bit bus.
	for i := range d.mac {
		d.mac[i] = prom[i*2]
	}
	return nil
}

func (d *Driver) installMAC() {
	d.bus.OutB(d.reg(regCR), crPAGE1|crSTOP)
	for i, b := range d.mac {
		d.bus.OutB(d.reg(regPAR0+uint16(i)), b)
	}
	d.bus.OutB(d.reg(regCR), crPAGE0|crSTART)
}

// MAC returns the card's station address, valid after Reset.
func (d *Driver) MAC() [6]byte { return d.mac }

// Send pads frame to the Ethernet minimum, copies it into the TX page
// via remote DMA, and triggers transmission. Returns false if frame
// exceeds the on-chip TX buffer.
func (d *Driver) Send(frame []byte) bool {
	const maxTxLen = txPages * pageSize
	if len(frame) > maxTxLen {
		return false
	}
	sendLen := len(frame)
	if sendLen < 60 {
		sendLen = 60
	}
	var padded [maxTxLen]byte
	copy(padded[:], frame)

	d.bus.OutB(d.reg(regRBCR0), uint8(sendLen&0xFF))
	d.bus.OutB(d.reg(regRBCR1), uint8(sendLen>>8))
	d.bus.OutB(d.reg(regRSAR0), 0)
	d.bus.OutB(d.reg(regRSAR1), txStart)
	d.bus.OutB(d.reg(regCR), crPAGE0|crRDMA_WRITE|crSTART)
	for i := 0; i < sendLen; i += 2 {
		w := uint16(padded[i])
		if i+1 < sendLen {
			w |= uint16(padded[i+1]) << 8
		}
		d.bus.OutW(d.reg(regData), w)
	}

	d.bus.OutB(d.reg(regTPSR), txStart)
	d.bus.OutB(d.reg(regTBCR0), uint8(sendLen&0xFF))
	d.bus.OutB(d.reg(regTBCR1), uint8(sendLen>>8))
	d.bus.OutB(d.reg(regCR), crPAGE0|crSTART|crTXP)
	return true
}

// nicHeader is the 4-byte per-packet prefix the NE2000's RX ring
// prepends to every frame: status, next-page pointer, length (LE).
type nicHeader struct {
	status   uint8
	nextPage uint8
	length   uint16
}

func parseNicHeader(b []byte) nicHeader {
	return nicHeader{status: b[0], nextPage: b[1], length: uint16(b[2]) | uint16(b[3])<<8}
}

// HandleInterrupt loops while ISR is non-zero, servicing PRX (walk the
// RX ring and publish each packet to the pool), PTX (acknowledge TX
// completion), and OVW (reset the ring on overrun) — spec §4.10.
func (d *Driver) HandleInterrupt() {
	for {
		isr := d.bus.InB(d.reg(regISR))
		if isr == 0 {
			return
		}
		if isr&isrPRX != 0 {
			d.drainRxRing()
			d.bus.OutB(d.reg(regISR), isrPRX)
		}
		if isr&isrPTX != 0 {
			d.completeTx()
			d.bus.OutB(d.reg(regISR), isrPTX)
		}
		if isr&isrOVW != 0 {
			d.resetRxRing()
			d.bus.OutB(d.reg(regISR), isrOVW)
		}
		if isr&(isrRXE|isrTXE) != 0 {
			d.bus.OutB(d.reg(regISR), isr&(isrRXE|isrTXE))
		}
	}
}

func (d *Driver) drainRxRing() {
	curr := d.readCurr()
	for d.rxNext != curr {
		hdrBytes := d.remoteRead(pageOffset(d.rxNext), 4)
		hdr := parseNicHeader(hdrBytes)
		if hdr.length < 4 || int(hdr.length) > netbuf.BufferSize+4 {
			d.resetRxRing()
			return
		}
		payloadLen := int(hdr.length) - 4
		slot, ok := d.pool.GetRxBufferForWrite()
		if !ok {
			d.pool.RxDropped.Add(1)
		} else {
			body := d.remoteRead(pageOffset(d.rxNext)+4, payloadLen)
			copy(d.pool.RxBuffer(slot), body)
			d.pool.RxBufferReady(slot, payloadLen)
		}
		next := hdr.nextPage
		d.bus.OutB(d.reg(regBNRY), wrapRxPage(next-1))
		d.rxNext = next
		curr = d.readCurr()
	}
}

func pageOffset(page uint8) uint16 { return uint16(page) * pageSize }

func wrapRxPage(p uint8) uint8 {
	if p < rxStart {
		return rxStop - 1
	}
	return p
}

func (d *Driver) readCurr() uint8 {
	d.bus.OutB(d.reg(regCR), crPAGE1|crSTART)
	v := d.bus.InB(d.reg(regCURR))
	d.bus.OutB(d.reg(regCR), crPAGE0|crSTART)
	return v
}

func (d *Driver) remoteRead(offset uint16, n int) []byte {
	d.bus.OutB(d.reg(regRBCR0), uint8(n&0xFF))
	d.bus.OutB(d.reg(regRBCR1), uint8(n>>8))
	d.bus.OutB(d.reg(regRSAR0), uint8(offset&0xFF))
	d.bus.OutB(d.reg(regRSAR1), uint8(offset>>8))
	d.bus.OutB(d.reg(regCR), crPAGE0|crRDMA_READ|crSTART)
	out := make([]byte, n)
	for i := 0; i < n; i += 2 {
		w := d.bus.InW(d.reg(regData))
		out[i] = byte(w)
		if i+1 < n {
			out[i+1] = byte(w >> 8)
		}
	}
	return out
}

func (d *Driver) resetRxRing() {
	d.bus.OutB(d.reg(regCR), crPAGE0|crRDMA_ABORT|crSTOP)
	d.bus.OutB(d.reg(regBNRY), rxStart)
	d.bus.OutB(d.reg(regCR), crPAGE0|crSTART)
	d.rxNext = rxStart
}

func (d *Driver) completeTx() {
	slot, _, ok := d.pool.NextTxPacket()
	if ok {
		d.pool.TxComplete(slot)
	}
}

// PumpTx drains at most one queued TX packet (internal/net.NicSender's
// producer half) and hands it to the card via Send, completing the
// slot itself rather than waiting on a PTX interrupt — Send's remote
// DMA write already blocks until the card has the frame. Reports false
// when the queue was empty, so the caller's drain loop knows to back off.
func (d *Driver) PumpTx() bool {
	slot, data, ok := d.pool.NextTxPacket()
	if !ok {
		return false
	}
	d.Send(data)
	d.pool.TxComplete(slot)
	return true
}

func (d *Driver) String() string { return fmt.Sprintf("ne2000@%#x mac=%x", d.base, d.mac) }
