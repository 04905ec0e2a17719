package syscall

import (
	"github.com/tinyrange/jsos/internal/kerr"
	"github.com/tinyrange/jsos/internal/sched"
)

// sysReboot invokes the caller-supplied reboot hook, if any, and never
// returns on real hardware; in a hosted build with no hook it reports
// invalid-argument rather than silently doing nothing.
func (t *Table) sysReboot(pid sched.PID) Result {
	if t.onReboot == nil {
		return fail(kerr.New(kerr.InvalidArgument, "syscall.reboot", nil))
	}
	t.log.Info("reboot requested", "pid", pid)
	t.onReboot()
	return ok(0)
}

// sysHalt invokes the caller-supplied halt hook.
func (t *Table) sysHalt(pid sched.PID) Result {
	if t.onHalt == nil {
		return fail(kerr.New(kerr.InvalidArgument, "syscall.halt", nil))
	}
	t.log.Info("halt requested", "pid", pid)
	t.onHalt()
	return ok(0)
}

// sysPanic raises a fatal kernel panic carrying args.Str as the
// reason, the hosted-runtime escape hatch for "this condition must
// stop the machine" that isn't expressible as an ordinary error
// return.
func (t *Table) sysPanic(pid sched.PID, args Args) Result {
	t.log.Error("panic requested by hosted code", "pid", pid, "reason", args.Str)
	panic(kerr.Panic{Reason: args.Str})
}
