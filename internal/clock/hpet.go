package clock

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const clockPeriodFemtoseconds = 10_000_000 // 10ns main-counter period

// HPET is the kernel-side driver for the High Precision Event Timer,
// initialized only when ACPI reports one present. The main counter
// free-runs at a fixed femtosecond period; the kernel reads it for a
// higher-resolution uptime source than the PIT alone provides.
type HPET struct {
	mu      sync.Mutex
	enabled bool
	counter uint64
	started time.Time

	log          *slog.Logger
	watchdogWarn *rate.Sometimes
}

func NewHPET(log *slog.Logger) *HPET {
	return &HPET{log: log, watchdogWarn: &rate.Sometimes{Interval: 5 * time.Second}}
}

// Enable starts the main counter free-running from now.
func (h *HPET) Enable() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = true
	h.started = time.Now()
}

func (h *HPET) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

// Counter returns the main counter's current tick value.
func (h *HPET) Counter() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.enabled {
		return 0
	}
	elapsedFs := uint64(time.Since(h.started)) * 1_000_000
	return elapsedFs / clockPeriodFemtoseconds
}

// KickWatchdog records a watchdog kick. Repeated kicks under a second
// apart are extremely common and not worth logging every time, so a
// rate.Sometimes limiter only logs at most once per interval. Nothing
// in this tree registers it as a PIT tick callback.
func (h *HPET) KickWatchdog() {
	if h.log == nil {
		return
	}
	h.watchdogWarn.Do(func() {
		h.log.Debug("watchdog kicked", "counter", h.Counter())
	})
}
