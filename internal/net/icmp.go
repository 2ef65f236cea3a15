package net

import "encoding/binary"

const (
	IcmpHeaderSize = 8

	IcmpEchoReply   uint8 = 0
	IcmpEchoRequest uint8 = 8
)

type IcmpHeader struct {
	Type, Code       uint8
	Checksum         uint16
	Identifier, Seq  uint16
}

func ParseIcmpHeader(data []byte) (IcmpHeader, bool) {
	if len(data) < IcmpHeaderSize {
		return IcmpHeader{}, false
	}
	return IcmpHeader{
		Type:       data[0],
		Code:       data[1],
		Checksum:   binary.BigEndian.Uint16(data[2:4]),
		Identifier: binary.BigEndian.Uint16(data[4:6]),
		Seq:        binary.BigEndian.Uint16(data[6:8]),
	}, true
}

func IcmpPayload(data []byte) []byte {
	if len(data) > IcmpHeaderSize {
		return data[IcmpHeaderSize:]
	}
	return nil
}

// BuildIcmpEchoReply writes an echo reply (type 0) into buffer, echoing
// identifier/sequence/payload from the originating request, and returns
// the total message length.
func BuildIcmpEchoReply(buffer []byte, identifier, sequence uint16, payload []byte) int {
	total := IcmpHeaderSize + len(payload)
	if len(buffer) < total {
		return 0
	}
	buffer[0] = IcmpEchoReply
	buffer[1] = 0
	buffer[2], buffer[3] = 0, 0
	binary.BigEndian.PutUint16(buffer[4:6], identifier)
	binary.BigEndian.PutUint16(buffer[6:8], sequence)
	copy(buffer[IcmpHeaderSize:total], payload)
	cksum := InternetChecksum(buffer[:total])
	binary.BigEndian.PutUint16(buffer[2:4], cksum)
	return total
}
