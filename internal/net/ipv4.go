package net

import "encoding/binary"

const (
	Ipv4HeaderSize  = 20
	Ipv4MaxPacketSize = 1500

	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// Ipv4Header is a parsed IPv4 header (no options support, matching the
// original kernel's scope).
type Ipv4Header struct {
	Version, IHL      uint8
	TOS                uint8
	TotalLength        uint16
	Identification     uint16
	FlagsFragment      uint16
	TTL                uint8
	Protocol           uint8
	Checksum           uint16
	SrcIP, DstIP       [4]byte
}

func ParseIpv4Header(data []byte) (Ipv4Header, bool) {
	if len(data) < Ipv4HeaderSize {
		return Ipv4Header{}, false
	}
	version := (data[0] >> 4) & 0x0F
	ihl := data[0] & 0x0F
	if version != 4 || ihl < 5 {
		return Ipv4Header{}, false
	}
	headerLen := int(ihl) * 4
	if len(data) < headerLen {
		return Ipv4Header{}, false
	}
	h := Ipv4Header{
		Version:        version,
		IHL:            ihl,
		TOS:            data[1],
		TotalLength:    binary.BigEndian.Uint16(data[2:4]),
		Identification: binary.BigEndian.Uint16(data[4:6]),
		FlagsFragment:  binary.BigEndian.Uint16(data[6:8]),
		TTL:            data[8],
		Protocol:       data[9],
		Checksum:       binary.BigEndian.Uint16(data[10:12]),
	}
	copy(h.SrcIP[:], data[12:16])
	copy(h.DstIP[:], data[16:20])
	return h, true
}

func (h Ipv4Header) HeaderLength() int { return int(h.IHL) * 4 }

func (h Ipv4Header) Payload(data []byte) []byte {
	headerLen := h.HeaderLength()
	total := int(h.TotalLength)
	switch {
	case len(data) >= total && total > headerLen:
		return data[headerLen:total]
	case len(data) > headerLen:
		return data[headerLen:]
	default:
		return nil
	}
}

func (h Ipv4Header) IsForUs(ourIP [4]byte) bool { return h.DstIP == ourIP }

func (h Ipv4Header) VerifyChecksum(data []byte) bool {
	headerLen := h.HeaderLength()
	if len(data) < headerLen {
		return false
	}
	return VerifyChecksum(data[:headerLen])
}

// IsFragmented reports the More-Fragments flag or a non-zero fragment
// offset; the stack does not reassemble fragments (spec §7: "fragmented
// IP... silently dropped").
func (h Ipv4Header) IsFragmented() bool {
	mf := h.FlagsFragment&0x2000 != 0
	offset := h.FlagsFragment & 0x1FFF
	return mf || offset != 0
}

var ipID uint16

func nextIdentification() uint16 {
	ipID++
	return ipID
}

// BuildIpv4Header writes a 20-byte (no-options) header for payloadLen
// bytes of protocol data into buffer and returns the header length.
func BuildIpv4Header(buffer []byte, srcIP, dstIP [4]byte, protocol uint8, payloadLen int) int {
	if len(buffer) < Ipv4HeaderSize {
		return 0
	}
	totalLength := uint16(Ipv4HeaderSize + payloadLen)
	buffer[0] = 0x45
	buffer[1] = 0x00
	binary.BigEndian.PutUint16(buffer[2:4], totalLength)
	binary.BigEndian.PutUint16(buffer[4:6], nextIdentification())
	binary.BigEndian.PutUint16(buffer[6:8], 0x4000) // DF, no fragment offset
	buffer[8] = 64
	buffer[9] = protocol
	buffer[10], buffer[11] = 0, 0
	copy(buffer[12:16], srcIP[:])
	copy(buffer[16:20], dstIP[:])
	cksum := InternetChecksum(buffer[:Ipv4HeaderSize])
	binary.BigEndian.PutUint16(buffer[10:12], cksum)
	return Ipv4HeaderSize
}
