// Package syscall implements the numbered dispatch table that is the
// only surface hosted code sees: process, file, socket, memory, time,
// and system operations, each translated to a core component call and
// back down to a small integer result or a negative errno.
package syscall

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tinyrange/jsos/internal/clock"
	"github.com/tinyrange/jsos/internal/kerr"
	"github.com/tinyrange/jsos/internal/netstack"
	"github.com/tinyrange/jsos/internal/pmm"
	"github.com/tinyrange/jsos/internal/sched"
	"github.com/tinyrange/jsos/internal/vfs"
	"github.com/tinyrange/jsos/internal/vmm"
)

// Number identifies one entry in the syscall table. Ordering is part
// of the ABI: once assigned, a number is never reused or reordered,
// even if the syscall it names is later removed.
type Number int32

const (
	SysGetpid Number = iota + 1
	SysGetppid
	SysKill
	SysWait
	SysExec
	SysSleep

	SysOpen
	SysRead
	SysWrite
	SysClose
	SysPipe
	SysDup
	SysIoctl
	SysStat

	SysSocket
	SysBind
	SysListen
	SysConnect
	SysSend
	SysRecv

	SysSbrk
	SysMmap
	SysMunmap

	SysUptime
	SysGetTimeNs
	SysSetWallClock

	SysReboot
	SysHalt
	SysPanic
)

// Result is the sum type every syscall returns: either a non-negative
// integer value or a negative kerr.Errno, mirroring the ABI contract
// that hosted code only ever sees a single machine word back.
type Result int64

// Err extracts the negative errno a Result carries, if any.
func (r Result) Err() (kerr.Errno, bool) {
	if r < 0 {
		return kerr.Errno(r), true
	}
	return 0, false
}

func ok(v int64) Result   { return Result(v) }
func fail(err error) Result { return Result(kerr.ToErrno(err)) }

// processState is the per-process context the table maintains beyond
// what internal/sched itself tracks: its parent, its descriptor table,
// its open sockets, and its memory-management bookkeeping.
type processState struct {
	ppid sched.PID
	fds  *vfs.FDTable
	as   *vmm.AddressSpace

	mu        sync.Mutex
	sockets   map[vfs.FD]socket
	brk       uint64
	brkBase   uint64
}

// Table is the syscall dispatch table: it binds every core component
// the syscall surface fronts and routes numbered calls to them. One
// Table instance backs the whole running kernel; process-specific
// state lives in the processState map, keyed by PID.
type Table struct {
	log   *slog.Logger
	sched *sched.Scheduler
	mounts *vfs.MountTable
	net   *netstack.Stack
	wall  *clock.WallClock
	pit   *clock.PIT
	frames *pmm.Allocator
	pages  *vmm.PageTable

	// blocking bounds the number of syscalls concurrently parked in a
	// blocking wait (wait/sleep/recv with a deadline), so a runaway
	// burst of hosted-code calls cannot starve the scheduler's own
	// goroutine pool. Sized generously; acquiring it is only ever a
	// backstop, not a scheduling policy.
	blocking *semaphore.Weighted

	onReboot func()
	onHalt   func()

	mu        sync.Mutex
	processes map[sched.PID]*processState
}

// New builds a syscall table over the given already-initialized core
// components. onReboot/onHalt are invoked by the matching system
// calls; either may be nil in a test harness that doesn't model power
// state.
func New(log *slog.Logger, s *sched.Scheduler, mounts *vfs.MountTable, net *netstack.Stack, wall *clock.WallClock, pit *clock.PIT, frames *pmm.Allocator, pages *vmm.PageTable, onReboot, onHalt func()) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{
		log:       log,
		sched:     s,
		mounts:    mounts,
		net:       net,
		wall:      wall,
		pit:       pit,
		frames:    frames,
		pages:     pages,
		blocking:  semaphore.NewWeighted(64),
		onReboot:  onReboot,
		onHalt:    onHalt,
		processes: map[sched.PID]*processState{},
	}
}

// RegisterProcess installs bookkeeping for a process the scheduler
// already knows about (e.g. just created via sched.Create or adopted
// via sched.RegisterExternal), installing the given FD table and
// address space and starting its heap break at brkBase.
func (t *Table) RegisterProcess(pid, ppid sched.PID, fds *vfs.FDTable, as *vmm.AddressSpace, brkBase uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processes[pid] = &processState{
		ppid:    ppid,
		fds:     fds,
		as:      as,
		sockets: map[vfs.FD]socket{},
		brk:     brkBase,
		brkBase: brkBase,
	}
}

// RemoveProcess drops a process's syscall-level bookkeeping, called
// once the scheduler has finished terminating it.
func (t *Table) RemoveProcess(pid sched.PID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.processes, pid)
}

func (t *Table) state(pid sched.PID) (*processState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.processes[pid]
	if !ok {
		return nil, kerr.New(kerr.InvalidArgument, "syscall.state", nil)
	}
	return ps, nil
}

// Dispatch routes one syscall invocation for the calling process pid.
// args is positional and interpreted per Number; a syscall that needs
// more structure than fits in int64 args (e.g. write's byte payload)
// takes it via the typed argument fields below instead.
func (t *Table) Dispatch(pid sched.PID, num Number, args Args) Result {
	switch num {
	case SysGetpid:
		return t.sysGetpid(pid)
	case SysGetppid:
		return t.sysGetppid(pid)
	case SysKill:
		return t.sysKill(pid, args)
	case SysWait:
		return t.sysWait(pid, args)
	case SysExec:
		return t.sysExec(pid, args)
	case SysSleep:
		return t.sysSleep(pid, args)

	case SysOpen:
		return t.sysOpen(pid, args)
	case SysRead:
		return t.sysRead(pid, args)
	case SysWrite:
		return t.sysWrite(pid, args)
	case SysClose:
		return t.sysClose(pid, args)
	case SysPipe:
		return t.sysPipe(pid, args)
	case SysDup:
		return t.sysDup(pid, args)
	case SysIoctl:
		return t.sysIoctl(pid, args)
	case SysStat:
		return t.sysStat(pid, args)

	case SysSocket:
		return t.sysSocket(pid, args)
	case SysBind:
		return t.sysBind(pid, args)
	case SysListen:
		return t.sysListen(pid, args)
	case SysConnect:
		return t.sysConnect(pid, args)
	case SysSend:
		return t.sysSend(pid, args)
	case SysRecv:
		return t.sysRecv(pid, args)

	case SysSbrk:
		return t.sysSbrk(pid, args)
	case SysMmap:
		return t.sysMmap(pid, args)
	case SysMunmap:
		return t.sysMunmap(pid, args)

	case SysUptime:
		return t.sysUptime(pid)
	case SysGetTimeNs:
		return t.sysGetTimeNs(pid)
	case SysSetWallClock:
		return t.sysSetWallClock(pid, args)

	case SysReboot:
		return t.sysReboot(pid)
	case SysHalt:
		return t.sysHalt(pid)
	case SysPanic:
		return t.sysPanic(pid, args)

	default:
		t.log.Warn("unknown syscall number", "pid", pid, "number", num)
		return fail(kerr.New(kerr.InvalidArgument, "syscall.Dispatch", nil))
	}
}

// Args carries every argument shape any syscall needs. Only the
// fields relevant to the syscall being dispatched are populated; the
// rest are zero. This mirrors the original C-style "registers hold
// whatever this call's ABI says they hold" convention without
// resorting to an untyped []interface{}.
type Args struct {
	A0, A1, A2, A3 int64
	Bytes          []byte
	Str            string
}
