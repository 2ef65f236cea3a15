package net

import (
	"testing"

	"github.com/schani/ralph-os/internal/netbuf"
)

func TestNicSenderPrependsEthernetHeader(t *testing.T) {
	pool := netbuf.New()
	src := [6]byte{1, 2, 3, 4, 5, 6}
	dst := [6]byte{9, 8, 7, 6, 5, 4}
	s := NicSender{Queue: pool, SrcMAC: src}

	if !s.SendFrame(dst, EtherTypeIPv4, []byte("payload")) {
		t.Fatal("SendFrame reported failure")
	}

	_, data, ok := pool.NextTxPacket()
	if !ok {
		t.Fatal("expected a queued TX packet")
	}
	hdr, ok := ParseEthernetHeader(data)
	if !ok {
		t.Fatal("queued frame too short to parse")
	}
	if hdr.DstMAC != dst || hdr.SrcMAC != src || hdr.EtherType != EtherTypeIPv4 {
		t.Fatalf("header = %+v", hdr)
	}
	if string(EthernetPayload(data)) != "payload" {
		t.Fatalf("payload = %q", EthernetPayload(data))
	}
}

func TestNicSenderReportsFailureWhenRingFull(t *testing.T) {
	pool := netbuf.New()
	s := NicSender{Queue: pool}
	filled := 0
	for s.SendFrame([6]byte{}, EtherTypeARP, nil) {
		filled++
		if filled > 64 {
			t.Fatal("TX ring never reported full")
		}
	}
}
