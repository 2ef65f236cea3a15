package net

import "log/slog"

// Config is the stack's fixed network identity (spec §6.4's default
// QEMU user-net identity: 10.0.2.15/24, gateway 10.0.2.2).
type Config struct {
	MAC     [6]byte
	IP      [4]byte
	Netmask [4]byte
	Gateway [4]byte
}

// FrameSender is the driver-facing half of the stack: build an Ethernet
// frame and hand it to the NE2000 TX path (spec §4.9/§4.10). Returns
// false if the TX ring has no free slot.
type FrameSender interface {
	SendFrame(dstMAC [6]byte, etherType uint16, payload []byte) bool
}

// TCPHandler is the TCP engine's entry point for inbound segments; the
// stack hands it the already-validated IPv4 header and TCP payload
// without inspecting TCP itself (kept in internal/tcp, spec §4.11).
type TCPHandler interface {
	HandleSegment(srcIP, dstIP [4]byte, segment []byte)
}

// Stack ties ARP, IPv4, and ICMP together and dispatches TCP segments
// to a TCPHandler, mirroring original_source's free-function module
// design as a single injectable object instead of global mutable state.
type Stack struct {
	Config Config
	Sender FrameSender
	TCP    TCPHandler
	Log    *slog.Logger

	arp  *ArpCache
	ticks func() uint64
}

// NewStack wires a stack given its identity, frame sender, TCP handler,
// and a tick source for ARP-cache aging.
func NewStack(cfg Config, sender FrameSender, tcp TCPHandler, ticks func() uint64, log *slog.Logger) *Stack {
	if log == nil {
		log = slog.Default()
	}
	return &Stack{Config: cfg, Sender: sender, TCP: tcp, Log: log, arp: NewArpCache(), ticks: ticks}
}

// ProcessFrame dispatches a received Ethernet frame (called from the
// network task after draining internal/netbuf's RX ring).
func (s *Stack) ProcessFrame(data []byte) {
	hdr, ok := ParseEthernetHeader(data)
	if !ok || !hdr.IsForUs(s.Config.MAC) {
		return
	}
	payload := EthernetPayload(data)
	switch hdr.EtherType {
	case EtherTypeARP:
		s.processArp(payload)
	case EtherTypeIPv4:
		s.processIpv4(payload)
	default:
		// unknown EtherType: silently dropped (spec §7).
	}
}

func (s *Stack) processArp(data []byte) {
	pkt, ok := ParseArpPacket(data)
	if !ok {
		return
	}
	s.arp.Update(pkt.SPA, pkt.SHA, s.ticks())

	switch pkt.Operation {
	case ArpRequest:
		if pkt.IsForOurIP(s.Config.IP) {
			s.sendArpReply(pkt.SHA, pkt.SPA)
		}
	case ArpReply:
		s.Log.Debug("arp reply", "ip", pkt.SPA, "mac", pkt.SHA)
	}
}

func (s *Stack) sendArpReply(dstMAC [6]byte, dstIP [4]byte) {
	var buf [ArpHeaderSize]byte
	BuildArpPacket(buf[:], ArpReply, s.Config.MAC, s.Config.IP, dstMAC, dstIP)
	s.Sender.SendFrame(dstMAC, EtherTypeARP, buf[:])
}

// SendArpRequest broadcasts a request for targetIP; the caller should
// retry Resolve after a short delay.
func (s *Stack) SendArpRequest(targetIP [4]byte) {
	var buf [ArpHeaderSize]byte
	BuildArpPacket(buf[:], ArpRequest, s.Config.MAC, s.Config.IP, [6]byte{}, targetIP)
	s.Sender.SendFrame(BroadcastMAC, EtherTypeARP, buf[:])
}

// Resolve looks up targetIP's MAC, resolving the gateway instead when
// targetIP is off-link. Returns ok=false and fires an ARP request if
// the address isn't cached yet.
func (s *Stack) Resolve(ip [4]byte) (mac [6]byte, ok bool) {
	target := ip
	if !s.onLocalNetwork(ip) {
		target = s.Config.Gateway
	}
	if mac, ok := s.arp.Lookup(target, s.ticks()); ok {
		return mac, true
	}
	s.SendArpRequest(target)
	return [6]byte{}, false
}

func (s *Stack) onLocalNetwork(ip [4]byte) bool {
	for i := 0; i < 4; i++ {
		if ip[i]&s.Config.Netmask[i] != s.Config.IP[i]&s.Config.Netmask[i] {
			return false
		}
	}
	return true
}

func (s *Stack) processIpv4(data []byte) {
	hdr, ok := ParseIpv4Header(data)
	if !ok || !hdr.IsForUs(s.Config.IP) {
		return
	}
	if !hdr.VerifyChecksum(data) {
		s.Log.Debug("ipv4 bad checksum, dropping")
		return
	}
	if hdr.IsFragmented() {
		s.Log.Debug("ipv4 fragmented packet, dropping")
		return
	}
	payload := hdr.Payload(data)
	switch hdr.Protocol {
	case ProtoICMP:
		s.processIcmp(hdr, payload)
	case ProtoTCP:
		if s.TCP != nil {
			s.TCP.HandleSegment(hdr.SrcIP, hdr.DstIP, payload)
		}
	}
}

func (s *Stack) processIcmp(ipHdr Ipv4Header, data []byte) {
	icmpHdr, ok := ParseIcmpHeader(data)
	if !ok || !VerifyChecksum(data) {
		return
	}
	if icmpHdr.Type == IcmpEchoRequest {
		s.sendIcmpEchoReply(ipHdr.SrcIP, icmpHdr.Identifier, icmpHdr.Seq, IcmpPayload(data))
	}
}

func (s *Stack) sendIcmpEchoReply(dstIP [4]byte, identifier, sequence uint16, payload []byte) {
	var icmpBuf [Ipv4MaxPacketSize]byte
	n := BuildIcmpEchoReply(icmpBuf[:], identifier, sequence, payload)
	if n == 0 {
		return
	}
	s.SendPacket(dstIP, ProtoICMP, icmpBuf[:n])
}

// SendPacket resolves dstIP's MAC, builds an IPv4 header, and sends the
// whole datagram via Ethernet. Returns false if ARP resolution is
// pending (caller should retry) or the frame couldn't be queued.
func (s *Stack) SendPacket(dstIP [4]byte, protocol uint8, payload []byte) bool {
	dstMAC, ok := s.Resolve(dstIP)
	if !ok {
		return false
	}
	var packet [Ipv4MaxPacketSize]byte
	headerLen := BuildIpv4Header(packet[:], s.Config.IP, dstIP, protocol, len(payload))
	if headerLen == 0 || headerLen+len(payload) > len(packet) {
		return false
	}
	copy(packet[headerLen:headerLen+len(payload)], payload)
	return s.Sender.SendFrame(dstMAC, EtherTypeIPv4, packet[:headerLen+len(payload)])
}
