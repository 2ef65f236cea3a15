package serial

import "github.com/schani/ralph-os/internal/basic"

// Terminal adapts a Port to internal/basic.Terminal: a non-blocking
// PollByte built from HasData/ReadByte, matching original_source's
// SerialTerminal exactly (no NVT framing — that's telnet's job).
type Terminal struct {
	port *Port
}

func NewTerminal(p *Port) *Terminal { return &Terminal{port: p} }

func (t *Terminal) WriteString(s string) error { return t.port.WriteString(s) }

func (t *Terminal) PollByte() (byte, basic.ReadStatus) {
	if !t.port.HasData() {
		return 0, basic.NoData
	}
	return t.port.ReadByte(), basic.HasByte
}
