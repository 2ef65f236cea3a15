package net

import "github.com/schani/ralph-os/internal/netbuf"

// txQueue is the subset of *netbuf.Pool's task-side TX API NicSender
// needs — the same producer half internal/ne2000's PumpTx drains.
type txQueue interface {
	GetTxBuffer() (slot int, ok bool)
	TxBuffer(slot int) []byte
	TxBufferReady(slot int, n int)
}

// NicSender adapts a netbuf.Pool's TX ring into a FrameSender by
// prepending the Ethernet II header Stack itself doesn't build and
// enqueueing the result, so Stack never calls the NIC driver directly
// and never runs from the same goroutine that pumps the TX ring.
type NicSender struct {
	Queue  txQueue
	SrcMAC [6]byte
}

func (s NicSender) SendFrame(dstMAC [6]byte, etherType uint16, payload []byte) bool {
	var frame [EthMaxFrameSize]byte
	n := BuildEthernetFrame(frame[:], dstMAC, s.SrcMAC, etherType)
	if n == 0 || n+len(payload) > len(frame) {
		return false
	}
	total := n + len(payload)
	copy(frame[n:], payload)

	slot, ok := s.Queue.GetTxBuffer()
	if !ok {
		return false
	}
	if total > len(s.Queue.TxBuffer(slot)) {
		return false
	}
	copy(s.Queue.TxBuffer(slot), frame[:total])
	s.Queue.TxBufferReady(slot, total)
	return true
}

var _ txQueue = (*netbuf.Pool)(nil)
