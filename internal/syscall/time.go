package syscall

import (
	"time"

	"github.com/tinyrange/jsos/internal/sched"
)

// sysUptime returns microsecond uptime derived from the PIT tick
// counter, the same source internal/clock.PIT.UptimeUs exposes.
func (t *Table) sysUptime(pid sched.PID) Result {
	if t.pit == nil {
		return ok(0)
	}
	return ok(int64(t.pit.UptimeUs()))
}

// sysGetTimeNs returns the current wall-clock time as nanoseconds
// since the Unix epoch.
func (t *Table) sysGetTimeNs(pid sched.PID) Result {
	if t.wall == nil {
		return ok(0)
	}
	return ok(t.wall.Now().UnixNano())
}

// sysSetWallClock applies an NTP-style correction of A0 nanoseconds to
// the kernel's wall clock — the only entry point permitted to adjust
// it; the clock otherwise only ever advances with uptime.
func (t *Table) sysSetWallClock(pid sched.PID, args Args) Result {
	if t.wall == nil {
		return ok(0)
	}
	t.wall.AdjustWallClock(time.Duration(args.A0))
	return ok(0)
}
