package tcp

import (
	"github.com/schani/ralph-os/internal/net"
)

// HandleSegment implements internal/net.TCPHandler: the stack hands us an
// already-checksum-agnostic IPv4 payload, and we verify the TCP checksum
// ourselves since it spans the pseudo-header the IP layer doesn't know
// about.
func (e *Engine) HandleSegment(srcIP, dstIP [4]byte, segment []byte) {
	hdr, ok := ParseHeader(segment)
	if !ok {
		return
	}
	if net.TCPUDPChecksum(srcIP, dstIP, net.ProtoTCP, segment) != 0 {
		e.log.Debug("tcp bad checksum, dropping")
		return
	}
	payload := hdr.Payload(segment)

	e.mu.Lock()
	defer e.mu.Unlock()

	if c := e.findConnection(srcIP, hdr.SrcPort, hdr.DstPort); c != nil {
		e.processSegment(c, hdr, payload)
		return
	}
	if listener := e.findListener(hdr.DstPort); listener != nil {
		if hdr.IsSyn() && !hdr.IsAck() {
			e.acceptSyn(listener, srcIP, hdr)
			return
		}
	}
	if !hdr.IsRst() {
		e.sendRst(srcIP, hdr, len(payload))
	}
}

func (e *Engine) findConnection(remoteIP [4]byte, remotePort, localPort uint16) *connection {
	for _, c := range e.conns {
		if c.inUse && !c.listening && c.remoteIP == remoteIP && c.remotePort == remotePort && c.localPort == localPort {
			return c
		}
	}
	return nil
}

func (e *Engine) findListener(port uint16) *connection {
	for _, c := range e.conns {
		if c.inUse && c.listening && c.localPort == port {
			return c
		}
	}
	return nil
}

func (e *Engine) acceptSyn(listener *connection, srcIP [4]byte, hdr Header) {
	var slot *connection
	for _, c := range e.conns {
		if !c.inUse {
			slot = c
			break
		}
	}
	if slot == nil {
		return
	}
	slot.reset()
	slot.inUse = true
	slot.ownerTask = listener.ownerTask
	slot.remoteIP = srcIP
	slot.remotePort = hdr.SrcPort
	slot.localPort = listener.localPort
	slot.irs = hdr.SeqNum
	slot.rcvNxt = hdr.SeqNum + 1
	slot.rcvWnd = uint16(rxBufferSize)
	slot.iss = uint32(e.now())*4099 + uint32(hdr.SrcPort)
	slot.sndUna = slot.iss
	slot.sndNxt = slot.iss + 1
	slot.cwnd = MSS
	slot.ssthresh = 65535
	slot.state = SynReceived
	e.sendFlags(slot, slot.iss, slot.rcvNxt, FlagSYN|FlagACK, nil)
	slot.unackedSeq = slot.sndUna
	slot.retransmitDeadline = e.now() + uint64(slot.rto)
}

func (e *Engine) sendRst(dstIP [4]byte, hdr Header, payloadLen int) {
	seq := hdr.AckNum
	ackFlag := uint8(FlagRST | FlagACK)
	if !hdr.IsAck() {
		seq = 0
		ackFlag = FlagRST
	}
	segLen := uint32(payloadLen)
	if hdr.IsSyn() {
		segLen++
	}
	var buf [HeaderSize]byte
	n := BuildHeader(buf[:], hdr.DstPort, hdr.SrcPort, seq, hdr.SeqNum+segLen, ackFlag, 0, nil)
	e.transmit(dstIP, buf[:n])
}

// sendFlags builds and transmits one segment with no payload deduction
// beyond what's passed; seq/ack are absolute sequence numbers.
func (e *Engine) sendFlags(c *connection, seq, ack uint32, flags uint8, data []byte) {
	var buf [HeaderSize + MSS]byte
	n := BuildHeader(buf[:], c.localPort, c.remotePort, seq, ack, flags, c.rcvWnd, data)
	e.transmit(c.remoteIP, buf[:n])
}

func (e *Engine) transmit(dstIP [4]byte, segment []byte) {
	cksum := net.TCPUDPChecksum(e.ip, dstIP, net.ProtoTCP, segment)
	segment[16] = byte(cksum >> 8)
	segment[17] = byte(cksum)
	e.sender.SendPacket(dstIP, net.ProtoTCP, segment)
}

// processSegment is the per-state switch from original_source's
// process_segment, kept as one function since the states share so much
// ACK/data handling.
func (e *Engine) processSegment(c *connection, hdr Header, payload []byte) {
	if hdr.IsRst() {
		c.reset()
		return
	}

	switch c.state {
	case SynSent:
		if hdr.IsSyn() && hdr.IsAck() && hdr.AckNum == c.sndNxt {
			c.irs = hdr.SeqNum
			c.rcvNxt = hdr.SeqNum + 1
			c.sndUna = hdr.AckNum
			c.sndWnd = hdr.Window
			c.state = Established
			e.sendFlags(c, c.sndNxt, c.rcvNxt, FlagACK, nil)
		}
		return
	case SynReceived:
		if hdr.IsAck() && hdr.AckNum == c.sndNxt {
			c.sndUna = hdr.AckNum
			c.sndWnd = hdr.Window
			c.state = Established
		}
		return
	}

	if hdr.IsAck() {
		e.processAck(c, hdr)
	}

	if len(payload) > 0 {
		e.processData(c, hdr.SeqNum, payload)
	}

	if hdr.IsFin() {
		e.processFin(c, hdr, len(payload))
	}
}

func (e *Engine) processFin(c *connection, hdr Header, payloadLen int) {
	finSeq := hdr.SeqNum + uint32(payloadLen)
	if finSeq != c.rcvNxt {
		return // FIN past an out-of-order gap; wait for the gap to close.
	}
	c.rcvNxt++
	c.remoteClosed = true
	switch c.state {
	case Established:
		c.state = CloseWait
	case FinWait1:
		c.state = Closing
	case FinWait2:
		c.state = TimeWait
		c.timeWaitUntil = e.now() + timeWaitTicks
	}
	e.sendFlags(c, c.sndNxt, c.rcvNxt, FlagACK, nil)
}

// processData delivers in-order bytes to rxBuf and stages out-of-order
// arrivals, mirroring original_source's process_data/buffer_ooo_segment.
func (e *Engine) processData(c *connection, seq uint32, data []byte) {
	if seq == c.rcvNxt {
		n := c.rxBuf.write(data)
		c.rcvNxt += uint32(n)
		e.deliverOooSegments(c)
		e.sendFlags(c, c.sndNxt, c.rcvNxt, FlagACK, nil)
	} else if seqAfter(seq, c.rcvNxt) {
		e.bufferOooSegment(c, seq, data)
		e.sendFlags(c, c.sndNxt, c.rcvNxt, FlagACK, nil)
	} else {
		// old/duplicate data already in rcvNxt's window: re-ack.
		e.sendFlags(c, c.sndNxt, c.rcvNxt, FlagACK, nil)
	}
}

func (e *Engine) bufferOooSegment(c *connection, seq uint32, data []byte) {
	if len(data) > oooDataSize {
		data = data[:oooDataSize]
	}
	for i := range c.ooo {
		if !c.ooo[i].valid {
			c.ooo[i] = oooSegment{seq: seq, data: append([]byte(nil), data...), valid: true}
			return
		}
	}
	// table full: drop the segment, the sender will retransmit.
}

func (e *Engine) deliverOooSegments(c *connection) {
	for {
		delivered := false
		for i := range c.ooo {
			seg := &c.ooo[i]
			if seg.valid && seg.seq == c.rcvNxt {
				n := c.rxBuf.write(seg.data)
				c.rcvNxt += uint32(n)
				seg.valid = false
				delivered = true
			}
		}
		if !delivered {
			return
		}
	}
}

// processAck is original_source's process_ack: validates the ACK is in
// window, advances sndUna, updates Reno's cwnd/ssthresh, and detects
// duplicate ACKs for fast retransmit.
func (e *Engine) processAck(c *connection, hdr Header) {
	if hdr.AckNum == c.sndUna {
		if c.flightSize() > 0 {
			c.dupAcks++
			if c.dupAcks == 3 {
				c.ssthresh = max32(c.flightSize()/2, 2*MSS)
				c.cwnd = c.ssthresh + 3*MSS
				e.retransmit(c)
			} else if c.dupAcks > 3 {
				c.cwnd += MSS
			}
		}
		return
	}
	if !seqAfter(hdr.AckNum, c.sndUna) {
		return // old ACK, already handled above for the == case
	}
	if seqAfter(hdr.AckNum, c.sndNxt) {
		return // acknowledges data never sent
	}
	acked := hdr.AckNum - c.sndUna
	c.sndUna = hdr.AckNum
	c.sndWnd = hdr.Window
	c.dupAcks = 0

	if int(acked) > c.sentLen {
		acked = uint32(c.sentLen)
	}
	c.txBuf.consume(int(acked))
	c.sentLen -= int(acked)
	if c.sentLen < 0 {
		c.sentLen = 0
	}

	if c.cwnd < c.ssthresh {
		c.cwnd += MSS
	} else {
		c.cwnd += max32(MSS*MSS/c.cwnd, 1)
	}

	if c.rttPending && (seqAfter(hdr.AckNum, c.rttSeq) || hdr.AckNum == c.rttSeq+1) {
		e.updateRTT(c, e.now()-c.rttStart)
		c.rttPending = false
	}

	switch c.state {
	case FinWait1:
		if hdr.AckNum == c.sndNxt {
			c.state = FinWait2
		}
	case Closing, LastAck:
		if hdr.AckNum == c.sndNxt {
			if c.state == LastAck {
				c.reset()
				return
			}
			c.state = TimeWait
			c.timeWaitUntil = e.now() + timeWaitTicks
		}
	}

	if c.sndUna == c.sndNxt {
		c.retries = 0
	} else {
		c.unackedSeq = c.sndUna
		c.retransmitDeadline = e.now() + uint64(c.rto)
	}

	e.sendPendingData(c)
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// updateRTT applies the RFC 6298 SRTT/RTTVAR/RTO smoothing formulas.
func (e *Engine) updateRTT(c *connection, measured uint64) {
	m := float64(measured)
	if m <= 0 {
		m = 1
	}
	if c.srtt == 0 {
		c.srtt = m
		c.rttvar = m / 2
	} else {
		diff := c.srtt - m
		if diff < 0 {
			diff = -diff
		}
		c.rttvar = 0.75*c.rttvar + 0.25*diff
		c.srtt = 0.875*c.srtt + 0.125*m
	}
	rto := c.srtt + maxFloat(1, 4*c.rttvar)
	if rto < minRTO {
		rto = minRTO
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	c.rto = uint32(rto)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// retransmit resends the oldest unacknowledged segment. It does not
// touch cwnd/ssthresh itself: the fast-retransmit caller (processAck's
// dupAcks==3 branch) has already set them to the fast-recovery values
// per RFC 5681, and the RTO-timeout caller (ProcessTimers) collapses
// them to slow-start-restart before calling this.
func (e *Engine) retransmit(c *connection) {
	unacked := c.sentLen
	if unacked <= 0 {
		return
	}
	if unacked > MSS {
		unacked = MSS
	}
	buf := make([]byte, unacked)
	c.txBuf.peek(buf)
	e.sendFlags(c, c.sndUna, c.rcvNxt, FlagACK, buf)
	c.rttPending = false // Karn's algorithm: don't time a retransmitted segment
}

// sendPendingData pushes bytes queued in txBuf onto the wire up to the
// current send window, tracking how much is already in flight via
// sentLen.
func (e *Engine) sendPendingData(c *connection) {
	if c.state != Established && c.state != CloseWait && c.state != FinWait1 {
		return
	}
	unsent := c.txBuf.available() - c.sentLen
	if unsent <= 0 {
		return
	}
	room := int(c.sendWindow()) - c.sentLen
	if room <= 0 {
		return
	}
	n := unsent
	if n > room {
		n = room
	}
	if n > MSS {
		n = MSS
	}
	buf := make([]byte, c.sentLen+n)
	c.txBuf.peek(buf)
	data := buf[c.sentLen:]
	if !c.rttPending {
		c.rttPending = true
		c.rttSeq = c.sndNxt + uint32(n)
		c.rttStart = e.now()
	}
	e.sendFlags(c, c.sndNxt, c.rcvNxt, FlagACK|FlagPSH, data)
	c.sndNxt += uint32(n)
	c.sentLen += n
	if c.unackedSeq == c.sndUna && c.retransmitDeadline == 0 {
		c.retransmitDeadline = e.now() + uint64(c.rto)
	}
}

// ProcessTimers drives retransmission backoff and Time-Wait expiry;
// cmd/kernel's tcp-timers task calls this every 100 ms.
func (e *Engine) ProcessTimers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for _, c := range e.conns {
		if !c.inUse {
			continue
		}
		if c.state == TimeWait && now >= c.timeWaitUntil {
			c.reset()
			continue
		}
		if c.retransmitDeadline != 0 && now >= c.retransmitDeadline && c.sndUna != c.sndNxt {
			c.retries++
			if c.retries > 5 {
				e.sendFlags(c, c.sndNxt, c.rcvNxt, FlagRST, nil)
				c.reset()
				continue
			}
			c.ssthresh = max32(c.flightSize()/2, 2*MSS)
			c.cwnd = MSS
			e.retransmit(c)
			c.rto *= 2
			if c.rto > maxRTO {
				c.rto = maxRTO
			}
			c.retransmitDeadline = now + uint64(c.rto)
		}
	}
}
