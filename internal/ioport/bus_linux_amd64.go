//go:build linux && amd64

package ioport

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// RawBus backs Bus with real port I/O via /dev/port on a Linux host that
// has granted CAP_SYS_RAWIO (e.g. under QEMU's -enable-kvm with a
// privileged container). It exists for running the NE2000/PIT drivers
// against real hardware ports during bring-up; the hosted build and all
// tests use SimBus instead. Grounded on tinyrange-cc's direct use of
// golang.org/x/sys for low-level Linux access in internal/linux/defs_amd64.go.
type RawBus struct {
	mu sync.Mutex
	f  *os.File
}

// NewRawBus requests port-I/O privilege via iopl(2), ignoring the result,
// and opens /dev/port; every In/Out call on the returned bus goes through
// /dev/port whether or not iopl succeeded. Returns an error rather than panicking: lack of raw I/O privilege is an
// environment condition, not a kernel invariant violation.
func NewRawBus() (*RawBus, error) {
	_ = unix.Iopl(3)
	f, err := os.OpenFile("/dev/port", os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &RawBus{f: f}, nil
}

func (b *RawBus) Close() error { return b.f.Close() }

func (b *RawBus) InB(port uint16) uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var buf [1]byte
	if _, err := b.f.ReadAt(buf[:], int64(port)); err != nil {
		return 0xff
	}
	return buf[0]
}

func (b *RawBus) OutB(port uint16, v uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = b.f.WriteAt([]byte{v}, int64(port))
}

func (b *RawBus) InW(port uint16) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var buf [2]byte
	if _, err := b.f.ReadAt(buf[:], int64(port)); err != nil {
		return 0xffff
	}
	return uint16(buf[0]) | uint16(buf[1])<<8
}

func (b *RawBus) OutW(port uint16, v uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := [2]byte{byte(v), byte(v >> 8)}
	_, _ = b.f.WriteAt(buf[:], int64(port))
}

func (b *RawBus) InL(port uint16) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var buf [4]byte
	if _, err := b.f.ReadAt(buf[:], int64(port)); err != nil {
		return 0xffffffff
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func (b *RawBus) OutL(port uint16, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	_, _ = b.f.WriteAt(buf[:], int64(port))
}
