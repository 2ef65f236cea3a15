// Package netbuf implements the pre-allocated SPSC packet-buffer pool
// (spec §4.9): fixed RX/TX rings the ISR and the network task hand
// packets through without ever touching an allocator from interrupt
// context.
package netbuf

import "sync/atomic"

// BufferSize is the fixed per-buffer capacity; large enough for a full
// Ethernet frame plus the 4-byte FCS QEMU's NE2000 model leaves attached.
const BufferSize = 1536

const (
	rxSlots = 16
	txSlots = 8
)

// buffer is one fixed-size slot. flags is defensive paranoia only — the
// ring head/tail indices are what's authoritative (spec §4.9).
type buffer struct {
	data [BufferSize]byte
	len  int
	flags uint32
}

const (
	flagFree uint32 = iota
	flagFilled
)

// Pool owns both rings. RX is written by the ISR (get_rx_buffer_for_write
// / rx_buffer_ready) and drained by the network task (get_rx_packet /
// release_rx_buffer); TX is the mirror image (get_tx_buffer /
// tx_buffer_ready from the task, tx_complete from the ISR).
type Pool struct {
	rx [rxSlots]buffer
	tx [txSlots]buffer

	rxHead atomic.Uint32 // next slot the ISR will write
	rxTail atomic.Uint32 // next slot the task will read

	txHead atomic.Uint32 // next slot the task will fill
	txTail atomic.Uint32 // next slot the ISR will drain/complete

	RxDropped atomic.Uint64
}

func New() *Pool { return &Pool{} }

func rxFull(head, tail uint32) bool { return (head+1)%rxSlots == tail }
func rxEmpty(head, tail uint32) bool { return head == tail }
func txFull(head, tail uint32) bool  { return (head+1)%txSlots == tail }
func txEmpty(head, tail uint32) bool { return head == tail }

// GetRxBufferForWrite returns the next RX slot for the ISR to fill, or
// ok=false if the ring is full — the ISR must then increment RxDropped
// and discard the incoming packet itself (spec §4.9's drop policy).
func (p *Pool) GetRxBufferForWrite() (slot int, ok bool) {
	head := p.rxHead.Load()
	tail := p.rxTail.Load()
	if rxFull(head, tail) {
		return 0, false
	}
	return int(head), true
}

// RxBufferReady publishes slot's length and advances the RX head with
// release ordering so the task-side acquire load in GetRxPacket sees a
// fully-written buffer.
func (p *Pool) RxBufferReady(slot int, n int) {
	p.rx[slot].len = n
	p.rx[slot].flags = flagFilled
	head := p.rxHead.Load()
	p.rxHead.Store((head + 1) % rxSlots)
}

// RxBuffer exposes the raw backing bytes of slot for the ISR to copy
// the incoming frame into via remote DMA before calling RxBufferReady.
func (p *Pool) RxBuffer(slot int) []byte { return p.rx[slot].data[:] }

// GetRxPacket returns the next filled RX packet for the network task,
// or ok=false if the ring is empty.
func (p *Pool) GetRxPacket() (slot int, data []byte, ok bool) {
	tail := p.rxTail.Load()
	head := p.rxHead.Load()
	if rxEmpty(head, tail) {
		return 0, nil, false
	}
	b := &p.rx[tail]
	return int(tail), b.data[:b.len], true
}

// ReleaseRxBuffer returns slot to the ISR once the task has finished
// reading it.
func (p *Pool) ReleaseRxBuffer(slot int) {
	p.rx[slot].flags = flagFree
	tail := p.rxTail.Load()
	p.rxTail.Store((tail + 1) % rxSlots)
}

// GetTxBuffer returns the next TX slot for the network task to fill, or
// ok=false if the TX ring is full — callers translate this into
// send_frame returning false (spec §4.9).
func (p *Pool) GetTxBuffer() (slot int, ok bool) {
	head := p.txHead.Load()
	tail := p.txTail.Load()
	if txFull(head, tail) {
		return 0, false
	}
	return int(head), true
}

func (p *Pool) TxBuffer(slot int) []byte { return p.tx[slot].data[:] }

// TxBufferReady publishes slot's length and advances the TX head,
// handing the frame to the driver for transmission.
func (p *Pool) TxBufferReady(slot int, n int) {
	p.tx[slot].len = n
	p.tx[slot].flags = flagFilled
	head := p.txHead.Load()
	p.txHead.Store((head + 1) % txSlots)
}

// NextTxPacket returns the oldest filled TX slot for the driver to send,
// or ok=false if nothing is pending.
func (p *Pool) NextTxPacket() (slot int, data []byte, ok bool) {
	tail := p.txTail.Load()
	head := p.txHead.Load()
	if txEmpty(head, tail) {
		return 0, nil, false
	}
	b := &p.tx[tail]
	return int(tail), b.data[:b.len], true
}

// TxComplete is the ISR's acknowledgement that slot has been put on the
// wire; it advances the TX tail, freeing the slot for reuse.
func (p *Pool) TxComplete(slot int) {
	p.tx[slot].flags = flagFree
	tail := p.txTail.Load()
	p.txTail.Store((tail + 1) % txSlots)
}
