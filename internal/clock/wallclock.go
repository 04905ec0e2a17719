package clock

import (
	"sync"
	"time"
)

// WallClock is the sole authority for kernel wall-clock time. It is
// seeded once from CMOS at boot and advanced by a monotonic uptime
// source; NTP synchronization is modeled as a caller of
// AdjustWallClock, not a second authority.
type WallClock struct {
	mu        sync.Mutex
	bootUTC   time.Time
	uptimeAt  func() uint64 // microsecond uptime source, e.g. TSC.GetUptimeUs
	uptimeBase uint64
	adjust    time.Duration
}

// Seed records the CMOS-derived UTC time and the uptime counter value
// at that instant.
func Seed(bootUTC time.Time, uptimeAt func() uint64) *WallClock {
	return &WallClock{bootUTC: bootUTC, uptimeAt: uptimeAt, uptimeBase: uptimeAt()}
}

// Now returns the current wall-clock estimate: the seeded boot time
// plus elapsed uptime plus any NTP adjustment applied since.
func (w *WallClock) Now() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	elapsedUs := w.uptimeAt() - w.uptimeBase
	return w.bootUTC.Add(time.Duration(elapsedUs) * time.Microsecond).Add(w.adjust)
}

// AdjustWallClock applies a delta, the single entry point an NTP-like
// syscall (set_wall_clock) uses to correct drift — the kernel owns
// the clock; NTP logic is just a caller of this method.
func (w *WallClock) AdjustWallClock(delta time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.adjust += delta
}

// Set hard-sets the wall clock to t, re-seeding the base so future
// Now() calls are relative to it.
func (w *WallClock) Set(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bootUTC = t
	w.uptimeBase = w.uptimeAt()
	w.adjust = 0
}
