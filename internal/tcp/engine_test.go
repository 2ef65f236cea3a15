package tcp

import (
	"testing"
)

// loopback queues whatever one engine sends instead of calling the peer
// back in-line — a direct call would recurse into the peer's Engine
// methods while this engine's own lock is still held. pump drains both
// queues until quiescent, the way a test would poll a real NIC.
type loopback struct {
	peer  *Engine
	srcIP [4]byte
	queue [][]byte
	dsts  [][4]byte
}

func (l *loopback) SendPacket(dstIP [4]byte, protocol uint8, payload []byte) bool {
	l.queue = append(l.queue, append([]byte(nil), payload...))
	l.dsts = append(l.dsts, dstIP)
	return true
}

func (l *loopback) drain() {
	q, d := l.queue, l.dsts
	l.queue, l.dsts = nil, nil
	for i, data := range q {
		l.peer.HandleSegment(l.srcIP, d[i], data)
	}
}

func pump(a, b *loopback) {
	for len(a.queue) > 0 || len(b.queue) > 0 {
		a.drain()
		b.drain()
	}
}

func newPair(t *testing.T) (server, client *Engine, toClient, toServer *loopback, tick *uint64) {
	t.Helper()
	tick = new(uint64)
	tickFn := func() uint64 { return *tick }

	serverIP := [4]byte{10, 0, 2, 2}
	clientIP := [4]byte{10, 0, 2, 15}

	server = NewEngine(serverIP, nil, tickFn, nil)
	client = NewEngine(clientIP, nil, tickFn, nil)
	toClient = &loopback{srcIP: serverIP}
	toServer = &loopback{srcIP: clientIP}
	toClient.peer = client
	toServer.peer = server
	server.sender = toClient
	client.sender = toServer
	return server, client, toClient, toServer, tick
}

func ipToBE(ip [4]byte) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func TestHandshakeConnectAccept(t *testing.T) {
	server, client, toClient, toServer, _ := newPair(t)

	listenSock := server.Socket(1)
	if listenSock < 0 {
		t.Fatal("Socket failed")
	}
	if server.Listen(listenSock, 80) != 0 {
		t.Fatal("Listen failed")
	}

	clientSock := client.Socket(2)
	if clientSock < 0 {
		t.Fatal("Socket failed")
	}
	if client.Connect(clientSock, ipToBE([4]byte{10, 0, 2, 2}), 80) != 0 {
		t.Fatal("Connect failed")
	}
	pump(toClient, toServer)

	if client.Status(clientSock) != 1 {
		t.Fatalf("client status = %d, want Connected", client.Status(clientSock))
	}

	acceptedSock := server.Accept(listenSock)
	if acceptedSock < 0 {
		t.Fatal("Accept returned no connection")
	}
	if server.Status(acceptedSock) != 1 {
		t.Fatalf("server accepted status = %d, want Connected", server.Status(acceptedSock))
	}
	// Accept does not detach the TCB from the listener (spec's documented
	// limitation): a second call with no new SYN pending returns the same slot.
	if again := server.Accept(listenSock); again != acceptedSock {
		t.Fatalf("second Accept = %d, want the same slot %d", again, acceptedSock)
	}
}

func TestAcceptReturnsZeroWhenNothingPending(t *testing.T) {
	server, _, _, _, _ := newPair(t)
	listenSock := server.Socket(1)
	if server.Listen(listenSock, 81) != 0 {
		t.Fatal("Listen failed")
	}
	if got := server.Accept(listenSock); got != 0 {
		t.Fatalf("Accept on empty listen queue = %d, want 0", got)
	}
	if got := server.Accept(99); got != -1 {
		t.Fatalf("Accept on invalid socket = %d, want -1", got)
	}
}

func TestDataTransferBothDirections(t *testing.T) {
	server, client, toClient, toServer, _ := newPair(t)
	listenSock := server.Socket(1)
	server.Listen(listenSock, 7)
	clientSock := client.Socket(2)
	client.Connect(clientSock, ipToBE([4]byte{10, 0, 2, 2}), 7)
	pump(toClient, toServer)
	serverSock := server.Accept(listenSock)
	if serverSock < 0 {
		t.Fatal("Accept failed")
	}

	msg := []byte("hello server")
	if n := client.Send(clientSock, msg); n != int32(len(msg)) {
		t.Fatalf("Send = %d, want %d", n, len(msg))
	}
	pump(toClient, toServer)

	var buf [64]byte
	n := server.Recv(serverSock, buf[:])
	if n <= 0 || string(buf[:n]) != string(msg) {
		t.Fatalf("server Recv = %q (n=%d), want %q", buf[:n], n, msg)
	}

	reply := []byte("hi client")
	if n := server.Send(serverSock, reply); n != int32(len(reply)) {
		t.Fatalf("Send = %d, want %d", n, len(reply))
	}
	pump(toClient, toServer)
	n = client.Recv(clientSock, buf[:])
	if n <= 0 || string(buf[:n]) != string(reply) {
		t.Fatalf("client Recv = %q (n=%d), want %q", buf[:n], n, reply)
	}
}

func TestGracefulClose(t *testing.T) {
	server, client, toClient, toServer, _ := newPair(t)
	listenSock := server.Socket(1)
	server.Listen(listenSock, 23)
	clientSock := client.Socket(2)
	client.Connect(clientSock, ipToBE([4]byte{10, 0, 2, 2}), 23)
	pump(toClient, toServer)
	serverSock := server.Accept(listenSock)

	client.Close(clientSock)
	pump(toClient, toServer)

	if server.conn(serverSock) == nil || server.conn(serverSock).state != CloseWait {
		state := Closed
		if c := server.conn(serverSock); c != nil {
			state = c.state
		}
		t.Fatalf("server state = %v, want CloseWait", state)
	}
	server.Close(serverSock)
	pump(toClient, toServer)
	if c := server.conn(serverSock); c != nil && c.state != LastAck {
		t.Fatalf("server state after close = %v", c.state)
	}
}

func TestInvalidSocketOperationsReturnError(t *testing.T) {
	e := NewEngine([4]byte{10, 0, 2, 2}, nil, func() uint64 { return 0 }, nil)
	if e.Status(5) != -1 {
		t.Fatal("expected -1 status for an unopened socket")
	}
	if e.Send(5, []byte("x")) != -1 {
		t.Fatal("expected -1 Send on an unopened socket")
	}
}

type dropSender struct{}

func (dropSender) SendPacket(dstIP [4]byte, protocol uint8, payload []byte) bool { return true }

// TestFastRetransmitSetsFastRecoveryCwnd pins RFC 5681's fast-recovery
// cwnd (ssthresh + 3*MSS) surviving the retransmit() call the third
// duplicate ACK triggers — retransmit must not collapse cwnd back to
// one segment the way an RTO timeout does.
func TestFastRetransmitSetsFastRecoveryCwnd(t *testing.T) {
	e := NewEngine([4]byte{10, 0, 2, 2}, dropSender{}, func() uint64 { return 0 }, nil)
	c := newConnection()
	c.inUse = true
	c.state = Established
	c.sndUna = 100
	c.sndNxt = 200
	c.sentLen = 100
	c.txBuf.write(make([]byte, 100))
	c.cwnd = 10 * MSS
	c.ssthresh = 20 * MSS

	hdr := Header{AckNum: c.sndUna}
	for i := 0; i < 3; i++ {
		e.processAck(c, hdr)
	}

	wantSsthresh := max32(c.flightSize()/2, 2*MSS)
	wantCwnd := wantSsthresh + 3*MSS
	if c.ssthresh != wantSsthresh {
		t.Fatalf("ssthresh = %d, want %d", c.ssthresh, wantSsthresh)
	}
	if c.cwnd != wantCwnd {
		t.Fatalf("cwnd after 3 dup acks = %d, want %d (retransmit must not reset it)", c.cwnd, wantCwnd)
	}
}

func TestRetransmitTimerBacksOffAndAborts(t *testing.T) {
	server, client, toClient, toServer, tick := newPair(t)
	listenSock := server.Socket(1)
	server.Listen(listenSock, 9)
	clientSock := client.Socket(2)
	client.Connect(clientSock, ipToBE([4]byte{10, 0, 2, 2}), 9)
	pump(toClient, toServer)
	server.Accept(listenSock)

	// break the link so retransmits go nowhere, then send data that will
	// never be acked.
	client.sender = dropSender{}
	client.Send(clientSock, []byte("stuck"))

	c := client.conn(clientSock)
	if c == nil {
		t.Fatal("connection vanished")
	}
	for i := 0; i < 7; i++ {
		*tick += uint64(c.rto) + 1
		client.ProcessTimers()
	}
	if c.inUse {
		t.Fatal("expected connection to be aborted after repeated retransmit failures")
	}
}
