package net

import (
	"bytes"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// buildArpRequestFrame uses gopacket's layers package to serialize a real
// Ethernet+ARP request the same shape tcpdump would produce, exercising
// the stack's parser against gopacket-constructed wire bytes rather than
// hand-rolled byte arrays.
func buildArpRequestFrame(t *testing.T, srcMAC, dstMAC [6]byte, srcIP, dstIP [4]byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC[:],
		DstMAC:       dstMAC[:],
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   srcMAC[:],
		SourceProtAddress: srcIP[:],
		DstHwAddress:      dstMAC[:],
		DstProtAddress:    dstIP[:],
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func TestParseEthernetHeaderFromGopacketFrame(t *testing.T) {
	src := [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	dst := BroadcastMAC
	frame := buildArpRequestFrame(t, src, dst, [4]byte{10, 0, 2, 15}, [4]byte{10, 0, 2, 2})

	hdr, ok := ParseEthernetHeader(frame)
	if !ok {
		t.Fatal("expected a parseable header")
	}
	if hdr.SrcMAC != src || hdr.DstMAC != dst || hdr.EtherType != EtherTypeARP {
		t.Fatalf("hdr = %+v", hdr)
	}
}

func TestParseArpRequestFromGopacketFrame(t *testing.T) {
	src := [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	srcIP := [4]byte{10, 0, 2, 15}
	dstIP := [4]byte{10, 0, 2, 2}
	frame := buildArpRequestFrame(t, src, BroadcastMAC, srcIP, dstIP)

	payload := EthernetPayload(frame)
	pkt, ok := ParseArpPacket(payload)
	if !ok {
		t.Fatal("expected a parseable ARP packet")
	}
	if pkt.Operation != ArpRequest || pkt.SHA != src || pkt.SPA != srcIP || pkt.TPA != dstIP {
		t.Fatalf("pkt = %+v", pkt)
	}
	if !pkt.IsForOurIP(dstIP) {
		t.Fatal("expected IsForOurIP(dstIP) to be true")
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	cksum := InternetChecksum(data)
	withChecksum := append(append([]byte(nil), data...), byte(cksum>>8), byte(cksum))
	if !VerifyChecksum(withChecksum) {
		t.Fatal("checksum did not verify")
	}
}

func TestChecksumOddLengthDoesNotPanic(t *testing.T) {
	InternetChecksum([]byte{0x45, 0x00, 0x00, 0x73, 0x00})
}

func TestIpv4HeaderRoundTrip(t *testing.T) {
	var buf [Ipv4HeaderSize]byte
	src := [4]byte{10, 0, 2, 15}
	dst := [4]byte{10, 0, 2, 2}
	BuildIpv4Header(buf[:], src, dst, ProtoICMP, 0)

	hdr, ok := ParseIpv4Header(buf[:])
	if !ok {
		t.Fatal("expected a parseable header")
	}
	if hdr.SrcIP != src || hdr.DstIP != dst || hdr.Protocol != ProtoICMP {
		t.Fatalf("hdr = %+v", hdr)
	}
	if !hdr.VerifyChecksum(buf[:]) {
		t.Fatal("checksum did not verify")
	}
}

type fakeSender struct {
	frames [][]byte
	types  []uint16
	dst    [][6]byte
}

func (f *fakeSender) SendFrame(dstMAC [6]byte, etherType uint16, payload []byte) bool {
	f.frames = append(f.frames, append([]byte(nil), payload...))
	f.types = append(f.types, etherType)
	f.dst = append(f.dst, dstMAC)
	return true
}

func TestStackAnswersArpRequestForOurIP(t *testing.T) {
	cfg := Config{
		MAC: [6]byte{0x52, 0x54, 0x00, 0x01, 0x02, 0x03},
		IP:  [4]byte{10, 0, 2, 15},
	}
	sender := &fakeSender{}
	s := NewStack(cfg, sender, nil, func() uint64 { return 0 }, nil)

	requesterMAC := [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	requesterIP := [4]byte{10, 0, 2, 2}
	frame := buildArpRequestFrame(t, requesterMAC, cfg.MAC, requesterIP, cfg.IP)

	s.ProcessFrame(frame)

	if len(sender.frames) != 1 || sender.types[0] != EtherTypeARP {
		t.Fatalf("expected one ARP reply, got %d frames", len(sender.frames))
	}
	reply, ok := ParseArpPacket(sender.frames[0])
	if !ok || reply.Operation != ArpReply || reply.SPA != cfg.IP || reply.TPA != requesterIP {
		t.Fatalf("reply = %+v ok=%v", reply, ok)
	}
}

func TestStackAnswersIcmpEchoRequest(t *testing.T) {
	cfg := Config{MAC: [6]byte{1, 2, 3, 4, 5, 6}, IP: [4]byte{10, 0, 2, 15}}
	sender := &fakeSender{}
	s := NewStack(cfg, sender, nil, func() uint64 { return 0 }, nil)
	// pre-seed the ARP cache so SendPacket doesn't need a resolve round trip.
	s.arp.Update([4]byte{10, 0, 2, 2}, [6]byte{9, 9, 9, 9, 9, 9}, 0)

	payload := []byte("abcdefgh")
	var icmpBuf [64]byte
	n := BuildIcmpEchoReply(icmpBuf[:], 0, 0, payload) // reuse builder to get a valid-shaped echo *request* by overwriting type below
	icmpBuf[0] = IcmpEchoRequest
	icmpBuf[2], icmpBuf[3] = 0, 0
	cksum := InternetChecksum(icmpBuf[:n])
	icmpBuf[2] = byte(cksum >> 8)
	icmpBuf[3] = byte(cksum)

	var ipBuf [Ipv4HeaderSize + 64]byte
	hlen := BuildIpv4Header(ipBuf[:], [4]byte{10, 0, 2, 2}, cfg.IP, ProtoICMP, n)
	copy(ipBuf[hlen:hlen+n], icmpBuf[:n])

	eth := &layers.Ethernet{SrcMAC: []byte{9, 9, 9, 9, 9, 9}, DstMAC: cfg.MAC[:], EthernetType: layers.EthernetTypeIPv4}
	buf := gopacket.NewSerializeBuffer()
	gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(ipBuf[:hlen+n]))

	s.ProcessFrame(buf.Bytes())

	if len(sender.frames) != 1 {
		t.Fatalf("expected one reply frame, got %d", len(sender.frames))
	}
	replyIP, ok := ParseIpv4Header(sender.frames[0])
	if !ok || replyIP.Protocol != ProtoICMP {
		t.Fatalf("replyIP = %+v ok=%v", replyIP, ok)
	}
	replyIcmp, ok := ParseIcmpHeader(replyIP.Payload(sender.frames[0]))
	if !ok || replyIcmp.Type != IcmpEchoReply {
		t.Fatalf("replyIcmp = %+v ok=%v", replyIcmp, ok)
	}
	if !bytes.Equal(IcmpPayload(replyIP.Payload(sender.frames[0])), payload) {
		t.Fatal("echoed payload did not match request payload")
	}
}
