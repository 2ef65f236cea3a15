package tcp

// connection is one TCB: RFC 793 state plus RFC 6298 RTO estimator state
// and Reno congestion-control state. Grounded on original_source's
// TcpControlBlock. Engine allocates its fixed set of slots, ring buffers
// included, at construction and reuses them; per-segment scratch buffers
// and out-of-order copies are still allocated as segments come and go.
type connection struct {
	inUse bool
	state State

	localPort  uint16
	remotePort uint16
	remoteIP   [4]byte
	ownerTask  uint32
	listening  bool // true for a passive-open slot still in Listen

	// send sequence space (RFC 793 §3.2)
	sndUna uint32
	sndNxt uint32
	sndWnd uint16
	iss    uint32

	// receive sequence space
	rcvNxt uint32
	rcvWnd uint16
	irs    uint32

	rxBuf   *ringBuffer
	txBuf   *ringBuffer
	sentLen int // bytes at the front of txBuf already transmitted, awaiting ACK

	ooo [oooBufferSize]oooSegment

	// RFC 6298 RTO estimator
	srtt       float64
	rttvar     float64
	rto        uint32
	rttPending bool
	rttSeq     uint32
	rttStart   uint64

	// Reno congestion control
	cwnd         uint32
	ssthresh     uint32
	dupAcks      int
	lastAckedSeq uint32

	// retransmission
	retransmitDeadline uint64
	retries            int
	unackedSeq         uint32 // sndUna snapshot the current timer covers

	remoteClosed bool
	timeWaitUntil uint64
}

func newConnection() *connection {
	return &connection{
		rxBuf: newRingBuffer(rxBufferSize),
		txBuf: newRingBuffer(txBufferSize),
	}
}

func (c *connection) reset() {
	c.inUse = false
	c.state = Closed
	c.localPort, c.remotePort = 0, 0
	c.remoteIP = [4]byte{}
	c.ownerTask = 0
	c.listening = false
	c.sndUna, c.sndNxt, c.sndWnd, c.iss = 0, 0, 0, 0
	c.rcvNxt, c.rcvWnd, c.irs = 0, 0, 0
	c.rxBuf.clear()
	c.txBuf.clear()
	c.sentLen = 0
	for i := range c.ooo {
		c.ooo[i] = oooSegment{}
	}
	c.srtt, c.rttvar = 0, 0
	c.rto = initialRTO
	c.rttPending = false
	c.cwnd = MSS
	c.ssthresh = 65535
	c.dupAcks = 0
	c.lastAckedSeq = 0
	c.retries = 0
	c.remoteClosed = false
	c.timeWaitUntil = 0
}

// flightSize is how many send-sequence-space bytes are outstanding,
// unacknowledged.
func (c *connection) flightSize() uint32 { return c.sndNxt - c.sndUna }

// sendWindow is the lesser of the peer's advertised window and our own
// congestion window, the amount we're currently allowed to have in
// flight.
func (c *connection) sendWindow() uint32 {
	w := uint32(c.sndWnd)
	if c.cwnd < w {
		w = c.cwnd
	}
	return w
}
