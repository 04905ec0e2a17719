package syscall

import (
	"time"

	"github.com/tinyrange/jsos/internal/kerr"
	"github.com/tinyrange/jsos/internal/sched"
)

func (t *Table) sysGetpid(pid sched.PID) Result {
	return ok(int64(pid))
}

func (t *Table) sysGetppid(pid sched.PID) Result {
	ps, err := t.state(pid)
	if err != nil {
		return fail(err)
	}
	return ok(int64(ps.ppid))
}

// sysKill delivers a signal to A0, raised as sched.Signal(A1). A
// handler-free SIGKILL/SIGTERM/SIGINT/SIGPIPE terminates the target at
// its next upper tick; a handler installed with
// sched.Scheduler.SetSignalHandler runs instead.
func (t *Table) sysKill(pid sched.PID, args Args) Result {
	target := sched.PID(args.A0)
	sig := sched.Signal(args.A1)
	if err := t.sched.Signal(target, sig); err != nil {
		return fail(err)
	}
	return ok(0)
}

// sysWait blocks the calling process until A0 exits, returning its
// exit code. Waiting is itself a blocking syscall, bounded by the same
// semaphore as recv/connect.
func (t *Table) sysWait(pid sched.PID, args Args) Result {
	target := sched.PID(args.A0)
	if !t.blocking.TryAcquire(1) {
		return fail(kerr.New(kerr.ResourceExhausted, "syscall.wait", nil))
	}
	defer t.blocking.Release(1)

	exitCode, ok2, err := t.sched.Wait(target)
	if err != nil {
		return fail(err)
	}
	if !ok2 {
		return fail(kerr.New(kerr.InvalidArgument, "syscall.wait", nil))
	}
	return ok(int64(exitCode))
}

// sysExec creates a new process as a child of the caller at the
// default priority. It registers no descriptor table or address space
// for the child, so the child's syscalls fail until RegisterProcess is
// called for it. There is no image loader here — args.Str names the program
// for logging only; the hosted runtime supplies the actual code to
// run once the new PID is scheduled.
func (t *Table) sysExec(pid sched.PID, args Args) Result {
	newPID := t.sched.Create(0)
	t.log.Info("process exec", "parent", pid, "pid", newPID, "program", args.Str)
	return ok(int64(newPID))
}

// sysSleep blocks the caller for A0 milliseconds of host time
// (time.Sleep); the kernel wall clock is not consulted.
func (t *Table) sysSleep(pid sched.PID, args Args) Result {
	if !t.blocking.TryAcquire(1) {
		return fail(kerr.New(kerr.ResourceExhausted, "syscall.sleep", nil))
	}
	defer t.blocking.Release(1)

	if err := t.sched.Block(pid); err != nil {
		return fail(err)
	}
	time.Sleep(time.Duration(args.A0) * time.Millisecond)
	if err := t.sched.Unblock(pid); err != nil {
		return fail(err)
	}
	return ok(0)
}
