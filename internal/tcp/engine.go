package tcp

import (
	"log/slog"
	"sync"
)

// PacketSender is the IPv4 send path the engine transmits segments
// through; *net.Stack satisfies it.
type PacketSender interface {
	SendPacket(dstIP [4]byte, protocol uint8, payload []byte) bool
}

// Engine owns the fixed connection table and satisfies both
// internal/net.TCPHandler (inbound dispatch) and internal/kapi.Sockets
// (the guest-facing socket calls), grounded on original_source's global
// CONNECTIONS array and process_packet/process_segment functions.
type Engine struct {
	mu    sync.Mutex
	conns [maxConnections]*connection
	ip    [4]byte

	sender PacketSender
	ticks  func() uint64
	log    *slog.Logger

	nextPort uint16
}

func NewEngine(localIP [4]byte, sender PacketSender, ticks func() uint64, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{ip: localIP, sender: sender, ticks: ticks, log: log, nextPort: 49152}
	for i := range e.conns {
		e.conns[i] = newConnection()
	}
	return e
}

func (e *Engine) now() uint64 {
	if e.ticks == nil {
		return 0
	}
	return e.ticks()
}

func (e *Engine) allocPort() uint16 {
	p := e.nextPort
	if e.nextPort == 65535 {
		e.nextPort = 49152
	} else {
		e.nextPort++
	}
	return p
}

// --- internal/kapi.Sockets ---

func (e *Engine) Socket(taskID uint32) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, c := range e.conns {
		if !c.inUse {
			c.reset()
			c.inUse = true
			c.ownerTask = taskID
			return int32(i)
		}
	}
	return -1
}

func (e *Engine) conn(sock int32) *connection {
	if sock < 0 || int(sock) >= maxConnections {
		return nil
	}
	c := e.conns[sock]
	if !c.inUse {
		return nil
	}
	return c
}

func (e *Engine) Listen(sock int32, port uint16) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.conn(sock)
	if c == nil {
		return -1
	}
	c.listening = true
	c.localPort = port
	c.state = Listen
	return 0
}

func (e *Engine) Connect(sock int32, ipBE uint32, port uint16) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.conn(sock)
	if c == nil || c.state != Closed {
		return -1
	}
	c.remoteIP = [4]byte{byte(ipBE >> 24), byte(ipBE >> 16), byte(ipBE >> 8), byte(ipBE)}
	c.remotePort = port
	c.localPort = e.allocPort()
	c.iss = uint32(e.now()) * 4099
	c.sndUna = c.iss
	c.sndNxt = c.iss + 1
	c.cwnd = MSS
	c.ssthresh = 65535
	c.rcvWnd = uint16(rxBufferSize)
	c.state = SynSent
	e.sendFlags(c, c.iss, 0, FlagSYN, nil)
	c.unackedSeq = c.sndUna
	c.retransmitDeadline = e.now() + uint64(c.rto)
	return 0
}

func (e *Engine) Status(sock int32) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.conn(sock)
	if c == nil {
		return -1
	}
	switch c.state {
	case Listen, SynSent, SynReceived:
		return 0
	case Established, FinWait1, FinWait2, CloseWait, Closing, LastAck:
		return 1
	default:
		return 2
	}
}

func (e *Engine) Send(sock int32, p []byte) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.conn(sock)
	if c == nil || (c.state != Established && c.state != CloseWait) {
		return -1
	}
	n := c.txBuf.write(p)
	e.sendPendingData(c)
	return int32(n)
}

func (e *Engine) Recv(sock int32, buf []byte) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.conn(sock)
	if c == nil {
		return -1
	}
	n := c.rxBuf.read(buf)
	return int32(n)
}

func (e *Engine) Available(sock int32) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.conn(sock)
	if c == nil {
		return -1
	}
	return int32(c.rxBuf.available())
}

func (e *Engine) Close(sock int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.conn(sock)
	if c == nil {
		return
	}
	switch c.state {
	case Listen, SynSent:
		c.reset()
	case Established:
		e.sendFlags(c, c.sndNxt, c.rcvNxt, FlagFIN|FlagACK, nil)
		c.sndNxt++
		c.state = FinWait1
	case CloseWait:
		e.sendFlags(c, c.sndNxt, c.rcvNxt, FlagFIN|FlagACK, nil)
		c.sndNxt++
		c.state = LastAck
	default:
		// already closing; nothing to do.
	}
}

// Accept returns the first Established TCB on the listener's port. It
// does not detach the TCB from the listener (spec's documented
// limitation, §9): repeated calls return the same slot until that
// connection closes, since there is no child-TCB list to pop from.
// Returns 0 when the listener is valid but nothing is pending yet, -1
// only when sock itself is not a valid listening socket.
func (e *Engine) Accept(sock int32) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	listener := e.conn(sock)
	if listener == nil || !listener.listening {
		return -1
	}
	for i, c := range e.conns {
		if int32(i) == sock {
			continue
		}
		if c.inUse && !c.listening && c.remotePort != 0 && c.localPort == listener.localPort &&
			c.state == Established {
			return int32(i)
		}
	}
	return 0
}
