// Package tcp implements the TCP engine (spec §4.11): TCB state machine
// per RFC 793, RTO estimation per RFC 6298, and Reno-style congestion
// control and fast retransmit per RFC 5681. Grounded throughout on
// original_source/src/net/tcp.rs, translated into a table of
// *connection slots owned by one Engine instead of a global mutable array.
package tcp

import (
	"encoding/binary"
)

const (
	HeaderSize = 20
	MSS        = 1460

	maxConnections = 4
	rxBufferSize   = 2048
	txBufferSize   = 2048
	oooBufferSize  = 4
	oooDataSize    = 512

	initialRTO     = 20   // 200ms at 100Hz
	minRTO         = 20   // 200ms
	maxRTO         = 6000 // 60s
	timeWaitTicks  = 3000 // 30s — shortened from 2*MSL, see design notes
)

// TCP flag bits.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
)

// State is a TCP connection's RFC 793 state.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Listen:
		return "Listen"
	case SynSent:
		return "SynSent"
	case SynReceived:
		return "SynReceived"
	case Established:
		return "Established"
	case FinWait1:
		return "FinWait1"
	case FinWait2:
		return "FinWait2"
	case CloseWait:
		return "CloseWait"
	case Closing:
		return "Closing"
	case LastAck:
		return "LastAck"
	case TimeWait:
		return "TimeWait"
	default:
		return "Unknown"
	}
}

// Header is a parsed TCP segment header (no options support).
type Header struct {
	SrcPort, DstPort uint16
	SeqNum, AckNum   uint32
	DataOffset       uint8
	Flags            uint8
	Window           uint16
	Checksum         uint16
	UrgentPtr        uint16
}

func ParseHeader(data []byte) (Header, bool) {
	if len(data) < HeaderSize {
		return Header{}, false
	}
	dataOffset := (data[12] >> 4) & 0x0F
	if dataOffset < 5 {
		return Header{}, false
	}
	return Header{
		SrcPort:    binary.BigEndian.Uint16(data[0:2]),
		DstPort:    binary.BigEndian.Uint16(data[2:4]),
		SeqNum:     binary.BigEndian.Uint32(data[4:8]),
		AckNum:     binary.BigEndian.Uint32(data[8:12]),
		DataOffset: dataOffset,
		Flags:      data[13] & 0x3F,
		Window:     binary.BigEndian.Uint16(data[14:16]),
		Checksum:   binary.BigEndian.Uint16(data[16:18]),
		UrgentPtr:  binary.BigEndian.Uint16(data[18:20]),
	}, true
}

func (h Header) HeaderLength() int { return int(h.DataOffset) * 4 }

func (h Header) Payload(data []byte) []byte {
	hl := h.HeaderLength()
	if len(data) > hl {
		return data[hl:]
	}
	return nil
}

func (h Header) IsSyn() bool { return h.Flags&FlagSYN != 0 }
func (h Header) IsAck() bool { return h.Flags&FlagACK != 0 }
func (h Header) IsFin() bool { return h.Flags&FlagFIN != 0 }
func (h Header) IsRst() bool { return h.Flags&FlagRST != 0 }

// BuildHeader writes a no-options TCP header plus payload into buffer
// and returns the total segment length. The checksum field is left
// zero; callers fill it in after computing it over the full segment.
func BuildHeader(buffer []byte, srcPort, dstPort uint16, seq, ack uint32, flags uint8, window uint16, payload []byte) int {
	total := HeaderSize + len(payload)
	if len(buffer) < total {
		return 0
	}
	binary.BigEndian.PutUint16(buffer[0:2], srcPort)
	binary.BigEndian.PutUint16(buffer[2:4], dstPort)
	binary.BigEndian.PutUint32(buffer[4:8], seq)
	binary.BigEndian.PutUint32(buffer[8:12], ack)
	buffer[12] = 0x50
	buffer[13] = flags
	binary.BigEndian.PutUint16(buffer[14:16], window)
	buffer[16], buffer[17] = 0, 0
	buffer[18], buffer[19] = 0, 0
	copy(buffer[HeaderSize:total], payload)
	return total
}

// seqAfter reports whether a is strictly after b in TCP's wrap-around
// sequence space.
func seqAfter(a, b uint32) bool { return int32(a-b) > 0 }

// ringBuffer is a fixed-capacity byte ring, identical in shape to the
// original's RingBuffer (write/read/peek/consume).
type ringBuffer struct {
	data       []byte
	head, tail int
	len        int
}

func newRingBuffer(size int) *ringBuffer { return &ringBuffer{data: make([]byte, size)} }

func (r *ringBuffer) available() int  { return r.len }
func (r *ringBuffer) freeSpace() int  { return len(r.data) - r.len }

func (r *ringBuffer) write(p []byte) int {
	n := min(len(p), r.freeSpace())
	for i := 0; i < n; i++ {
		r.data[r.head] = p[i]
		r.head = (r.head + 1) % len(r.data)
	}
	r.len += n
	return n
}

func (r *ringBuffer) read(buf []byte) int {
	n := min(len(buf), r.len)
	for i := 0; i < n; i++ {
		buf[i] = r.data[r.tail]
		r.tail = (r.tail + 1) % len(r.data)
	}
	r.len -= n
	return n
}

func (r *ringBuffer) peek(buf []byte) int {
	n := min(len(buf), r.len)
	pos := r.tail
	for i := 0; i < n; i++ {
		buf[i] = r.data[pos]
		pos = (pos + 1) % len(r.data)
	}
	return n
}

func (r *ringBuffer) consume(count int) {
	n := min(count, r.len)
	r.tail = (r.tail + n) % len(r.data)
	r.len -= n
}

func (r *ringBuffer) clear() { r.head, r.tail, r.len = 0, 0, 0 }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// oooSegment is one buffered out-of-order arrival, held until rcv_nxt
// catches up to it.
type oooSegment struct {
	seq   uint32
	data  []byte
	valid bool
}
