// Package telnet implements the NVT front-end on top of internal/tcp
// (spec §6.5): option negotiation, CRLF collapsing on input, CRLF/IAC
// escaping on output, and the session-spawning telnetd loop. Grounded on
// original_source/src/telnet.rs, translated onto this repo's kernel-API
// vtable (internal/kapi) instead of calling crate::tcp/crate::scheduler
// free functions directly.
package telnet

import (
	"github.com/schani/ralph-os/internal/basic"
	"github.com/schani/ralph-os/internal/kapi"
)

// Port is the well-known telnet listener port.
const Port uint16 = 23

// Telnet command/option bytes (RFC 854 / RFC 857 / RFC 1184).
const (
	iac  byte = 255
	dont byte = 254
	do   byte = 253
	wont byte = 252
	will byte = 251
	sb   byte = 250
	se   byte = 240
)

const (
	optEcho            byte = 1
	optSuppressGoAhead byte = 3
	optLinemode        byte = 34
)

type rxState int

const (
	rxData rxState = iota
	rxIac
	rxIacCommand
	rxSub
	rxSubIac
)

// Terminal adapts one accepted TCP socket into a basic.Terminal: NVT
// option negotiation plus CR-LF collapsing on input and CRLF/IAC
// escaping on output.
type Terminal struct {
	api  *kapi.API
	sock int32

	rxBuf      [128]byte
	rxPos      int
	rxLen      int
	state      rxState
	iacCmd     byte
	swallowLF  bool
	closed     bool
}

func NewTerminal(api *kapi.API, sock int32) *Terminal {
	return &Terminal{api: api, sock: sock}
}

// Negotiate announces the server's fixed option stance: WILL ECHO,
// WILL SUPPRESS-GO-AHEAD, DO SUPPRESS-GO-AHEAD, WONT LINEMODE.
func (t *Terminal) Negotiate() {
	t.sendBytes([]byte{iac, will, optEcho})
	t.sendBytes([]byte{iac, will, optSuppressGoAhead})
	t.sendBytes([]byte{iac, do, optSuppressGoAhead})
	t.sendBytes([]byte{iac, wont, optLinemode})
}

// sendBytes writes every byte of p, yielding whenever Send reports the
// socket's TX buffer is full (spec §5: suspension only at yield points).
// Marks the terminal closed on any send error.
func (t *Terminal) sendBytes(p []byte) {
	for len(p) > 0 {
		if t.closed {
			return
		}
		n := t.api.NetSend(t.sock, p)
		if n < 0 {
			t.closed = true
			return
		}
		if n == 0 {
			t.api.YieldNow()
			continue
		}
		p = p[n:]
	}
}

// replyToCommand answers one DO/DONT/WILL/WONT negotiation with the
// minimal, mostly-refuse stance original_source uses: only ECHO and
// SUPPRESS-GO-AHEAD are ever agreed to.
func (t *Terminal) replyToCommand(cmd, opt byte) {
	var respCmd, respOpt byte
	switch {
	case cmd == do && opt == optEcho:
		respCmd, respOpt = will, optEcho
	case cmd == do && opt == optSuppressGoAhead:
		respCmd, respOpt = will, optSuppressGoAhead
	case cmd == will && opt == optSuppressGoAhead:
		respCmd, respOpt = do, optSuppressGoAhead
	case cmd == do:
		respCmd, respOpt = wont, opt
	case cmd == dont:
		respCmd, respOpt = wont, opt
	case cmd == will:
		respCmd, respOpt = dont, opt
	case cmd == wont:
		respCmd, respOpt = dont, opt
	default:
		return
	}
	t.sendBytes([]byte{iac, respCmd, respOpt})
}

// WriteString implements basic.Terminal: '\n' becomes CRLF, a bare '\r'
// becomes CR NUL (so the client never mistakes it for a line end), and a
// literal IAC byte is doubled.
func (t *Terminal) WriteString(s string) error {
	if t.closed {
		return errClosed
	}
	var out []byte
	for i := 0; i < len(s); i++ {
		switch b := s[i]; b {
		case '\n':
			out = append(out, '\r', '\n')
		case '\r':
			out = append(out, '\r', 0)
		case iac:
			out = append(out, iac, iac)
		default:
			out = append(out, b)
		}
	}
	if len(out) > 0 {
		t.sendBytes(out)
	}
	if t.closed {
		return errClosed
	}
	return nil
}

// PollByte implements basic.Terminal: reads and NVT-decodes one byte at
// a time, filling rxBuf from the socket as it empties. IAC sequences are
// consumed and negotiated here, never handed to the caller; a bare CR is
// turned into LF and the following LF (if any) is swallowed.
func (t *Terminal) PollByte() (byte, basic.ReadStatus) {
	if t.closed {
		return 0, basic.Eof
	}
	for {
		if t.rxPos >= t.rxLen {
			t.rxPos, t.rxLen = 0, 0
			n := t.api.NetRecv(t.sock, t.rxBuf[:])
			if n < 0 {
				t.closed = true
				return 0, basic.Eof
			}
			if n == 0 {
				return 0, basic.NoData
			}
			t.rxLen = int(n)
		}

		b := t.rxBuf[t.rxPos]
		t.rxPos++

		if t.swallowLF {
			t.swallowLF = false
			if b == '\n' {
				continue
			}
		}

		switch t.state {
		case rxData:
			if b == iac {
				t.state = rxIac
				continue
			}
			if b == '\r' {
				t.swallowLF = true
				return '\n', basic.HasByte
			}
			return b, basic.HasByte

		case rxIac:
			switch b {
			case iac:
				t.state = rxData
				return iac, basic.HasByte
			case do, dont, will, wont:
				t.iacCmd = b
				t.state = rxIacCommand
			case sb:
				t.state = rxSub
			case se:
				t.state = rxData
			default:
				t.state = rxData
			}

		case rxIacCommand:
			t.replyToCommand(t.iacCmd, b)
			t.state = rxData

		case rxSub:
			if b == iac {
				t.state = rxSubIac
			}

		case rxSubIac:
			if b == se {
				t.state = rxData
			} else if b != iac {
				t.state = rxSub
			}
		}
	}
}

type telnetError string

func (e telnetError) Error() string { return string(e) }

const errClosed telnetError = "telnet: connection closed"
