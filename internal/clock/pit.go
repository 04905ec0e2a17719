// Package clock implements timers and clocks: the PIT scheduling
// tick, TSC calibration, optional HPET, CMOS RTC, and the kernel's
// wall clock.
package clock

import "sync/atomic"

const (
	pitInputFrequency = 1193182 // Hz, the 8254's crystal frequency
	// TickHz is the scheduling tick rate.
	TickHz = 1000
)

// PIT models the 8254 programmable interval timer's channel 0,
// programmed in mode 2 (rate generator) to fire at TickHz.
type PIT struct {
	reload      uint16
	ticks       uint64
	onTick      []func()
}

// NewPIT programs channel 0's reload value for a 1000 Hz tick.
func NewPIT() *PIT {
	return &PIT{reload: uint16(pitInputFrequency / TickHz)}
}

func (p *PIT) ReloadValue() uint16 { return p.reload }

// OnTick registers a callback invoked from Tick, e.g. the scheduler's
// thread-level preemption path.
func (p *PIT) OnTick(fn func()) { p.onTick = append(p.onTick, fn) }

// Tick is called from the IRQ0 handler once per 1000 Hz period. It
// increments the monotonic tick counter and invokes every registered
// callback in registration order.
func (p *PIT) Tick() {
	atomic.AddUint64(&p.ticks, 1)
	for _, fn := range p.onTick {
		fn()
	}
}

// Ticks returns the monotonic tick counter.
func (p *PIT) Ticks() uint64 { return atomic.LoadUint64(&p.ticks) }

// UptimeUs derives microsecond uptime from the tick counter — at
// TickHz=1000 each tick is exactly 1ms, so this never drifts from
// TSC-derived time by more than a tick.
func (p *PIT) UptimeUs() uint64 { return p.Ticks() * 1000 }
