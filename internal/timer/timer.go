// Package timer implements the PIT-driven tick counter (spec §4.2).
//
// Biscuit models IRQ delivery as a dedicated goroutine per source
// (trap_disk, trap_cons in main.go) that loops on runtime.IRQsched and
// pushes events to a channel consumed by ordinary kernel code. This
// package's Source follows the same shape: a goroutine stands in for the
// PIT IRQ line and calls Tick() at a fixed cadence, so the rest of the
// kernel never touches real wall-clock time directly.
package timer

import (
	"sync/atomic"
	"time"
)

// TicksPerSecond is the PIT programmed rate: 100 Hz, 10ms per tick.
const TicksPerSecond = 100

const nsPerTick = int64(time.Second) / TicksPerSecond

// Base is the free-running tick counter. It is safe for concurrent use:
// Tick is called from the simulated IRQ goroutine, Ticks/MsToTicks from
// any task.
type Base struct {
	ticks atomic.Uint64
}

func New() *Base { return &Base{} }

// Tick advances the counter by one. Called only by the PIT IRQ source
// (real hardware: the trap handler; hosted build: the Source goroutine
// below). Never called concurrently with itself.
func (b *Base) Tick() { b.ticks.Add(1) }

// Ticks returns the current tick count. Monotonically non-decreasing
// across every call (spec invariant 5).
func (b *Base) Ticks() uint64 { return b.ticks.Load() }

// MsToTicks rounds a millisecond duration up to whole ticks, so that
// sleeping for n ms never wakes a task early.
func MsToTicks(ms uint64) uint64 {
	const msPerTick = 1000 / TicksPerSecond
	return (ms + msPerTick - 1) / msPerTick
}

// TicksToMs converts a tick count to milliseconds.
func TicksToMs(ticks uint64) uint64 {
	const msPerTick = 1000 / TicksPerSecond
	return ticks * msPerTick
}

// Source drives a Base at the programmed rate using the host's
// wall-clock, standing in for the real PIT IRQ. Start spawns the driving
// goroutine; Stop halts it. This is the "host lacking an IDT during
// bring-up" poll mode spec §4.2 describes as the fallback — here it is
// the only mode, since the hosted build has no real IDT to deliver to.
type Source struct {
	base   *Base
	ticker *time.Ticker
	done   chan struct{}
}

func NewSource(base *Base) *Source {
	return &Source{base: base, done: make(chan struct{})}
}

// Start begins delivering ticks at TicksPerSecond. Idempotent only once;
// calling Start twice without an intervening Stop panics, mirroring the
// "exec table registered twice" class of unrecoverable invariant in
// spec §7.
func (s *Source) Start() {
	if s.ticker != nil {
		panic("timer: Source started twice")
	}
	s.ticker = time.NewTicker(time.Duration(nsPerTick))
	go func() {
		for {
			select {
			case <-s.ticker.C:
				s.base.Tick()
			case <-s.done:
				return
			}
		}
	}()
}

func (s *Source) Stop() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.done)
	s.ticker = nil
}
