// Package sched implements the cooperative-preemptive process
// scheduler: three selectable policies, the dual tick path
// (thread-level slice decrement on the 1000 Hz PIT tick, process-level
// signal/accounting at the ~50 Hz upper tick), and a POSIX-like signal
// manager. The package follows the rest of this tree's idiom: typed
// state, *kerr.Error everywhere, and slog-based structured logging of
// process creation, termination, scheduling decisions and policy
// changes, the same as internal/interrupt and internal/clock.
package sched

import (
	"log/slog"
	"sync"

	"github.com/tinyrange/jsos/internal/kerr"
	"github.com/tinyrange/jsos/internal/vfs"
)

// Policy selects how Schedule picks the next ready thread.
type Policy int

const (
	RoundRobin Policy = iota
	Priority
	RealTime
)

func (p Policy) String() string {
	switch p {
	case RoundRobin:
		return "round-robin"
	case Priority:
		return "priority"
	case RealTime:
		return "real-time"
	default:
		return "unknown"
	}
}

// RealTimePriorityCeiling is the boundary for real-time priorities:
// priorities at or below this value run to completion of their slice
// before any lower-priority (higher-numbered) level is considered.
const RealTimePriorityCeiling = 5

// Signal is one of the POSIX-like signals the scheduler's signal
// manager delivers.
type Signal int

const (
	SIGINT Signal = iota + 1
	SIGTERM
	SIGKILL
	SIGUSR1
	SIGUSR2
	SIGCHLD
	SIGPIPE
)

func (s Signal) String() string {
	switch s {
	case SIGINT:
		return "SIGINT"
	case SIGTERM:
		return "SIGTERM"
	case SIGKILL:
		return "SIGKILL"
	case SIGUSR1:
		return "SIGUSR1"
	case SIGUSR2:
		return "SIGUSR2"
	case SIGCHLD:
		return "SIGCHLD"
	case SIGPIPE:
		return "SIGPIPE"
	default:
		return "SIGUNKNOWN"
	}
}

// fatalByDefault are the signals whose default action terminates the
// process unless a handler is installed.
var fatalByDefault = map[Signal]bool{
	SIGINT:  true,
	SIGTERM: true,
	SIGKILL: true,
	SIGPIPE: true,
}

// State is a process's position in the scheduler's lifecycle.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Zombie
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Zombie:
		return "zombie"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// PID identifies a process. PID 0 is reserved for the idle process.
type PID uint32

const IdlePID PID = 0

// Process is the scheduler's view of one thread of execution. The
// spec names a combined process/thread model (no separate thread
// entity distinct from its owning process), so this single type
// stands in for both.
type Process struct {
	PID      PID
	Priority int
	State    State

	slice       int
	ticks       uint64
	exitCode    int
	external    bool
	pendingSigs []Signal
	handlers    map[Signal]func(*Process)
}

func (p *Process) deliver(sig Signal) {
	p.pendingSigs = append(p.pendingSigs, sig)
}

// Scheduler is the kernel's single scheduler instance: one set of
// ready queues, one running PID, one active policy.
type Scheduler struct {
	mu sync.Mutex

	log *slog.Logger

	policy     Policy
	defaultSlice int

	processes map[PID]*Process
	rrQueue   []PID         // FIFO, consulted under RoundRobin
	prioQueue map[int][]PID // priority -> FIFO queue, consulted under Priority and RealTime

	running PID
	idle    *Process
	nextPID PID

	waiters map[PID][]chan waitResult

	onTerminate func(pid PID, exitCode int)
}

type waitResult struct {
	exitCode int
	ok       bool
}

// New constructs a Scheduler with the idle process registered as
// PID 0, ready to run once nothing else is.
func New(log *slog.Logger, defaultSlice int) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	idle := &Process{PID: IdlePID, State: Ready, slice: defaultSlice, handlers: map[Signal]func(*Process){}}
	s := &Scheduler{
		log:          log,
		policy:       RoundRobin,
		defaultSlice: defaultSlice,
		processes:    map[PID]*Process{IdlePID: idle},
		prioQueue:    map[int][]PID{},
		idle:         idle,
		nextPID:      1,
		waiters:      map[PID][]chan waitResult{},
	}
	return s
}

// SetTerminateCallback installs the callback invoked whenever a
// process is torn down, so callers (e.g. internal/vfs closing FDs)
// can react atomically with the scheduler's own bookkeeping.
func (s *Scheduler) SetTerminateCallback(fn func(pid PID, exitCode int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerminate = fn
}

// Create allocates a new process at the given priority, places it in
// the ready queue, and returns its PID.
func (s *Scheduler) Create(priority int) PID {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid := s.nextPID
	s.nextPID++
	p := &Process{PID: pid, Priority: priority, State: Ready, slice: s.defaultSlice, handlers: map[Signal]func(*Process){}}
	s.processes[pid] = p
	s.enqueueLocked(p)
	s.log.Debug("process created", "pid", pid, "priority", priority)
	return pid
}

// RegisterExternal adopts a PID whose execution context was created
// outside the scheduler (e.g. the process running init at boot),
// marking it external so terminate accounting can distinguish it.
func (s *Scheduler) RegisterExternal(pid PID, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &Process{PID: pid, Priority: priority, State: Ready, slice: s.defaultSlice, external: true, handlers: map[Signal]func(*Process){}}
	s.processes[pid] = p
	s.enqueueLocked(p)
	if pid >= s.nextPID {
		s.nextPID = pid + 1
	}
}

func (s *Scheduler) enqueueLocked(p *Process) {
	switch s.policy {
	case Priority, RealTime:
		s.prioQueue[p.Priority] = append(s.prioQueue[p.Priority], p.PID)
	default:
		s.rrQueue = append(s.rrQueue, p.PID)
	}
}

// Terminate removes pid from every queue atomically and wakes any
// waiters blocked in Wait(pid).
func (s *Scheduler) Terminate(pid PID, exitCode int) error {
	s.mu.Lock()
	p, ok := s.processes[pid]
	if !ok {
		s.mu.Unlock()
		return kerr.New(kerr.NotFound, "sched.Terminate", nil)
	}
	p.State = Zombie
	p.exitCode = exitCode
	s.removeFromQueuesLocked(pid)
	if s.running == pid {
		s.running = IdlePID
	}
	waiters := s.waiters[pid]
	delete(s.waiters, pid)
	cb := s.onTerminate
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- waitResult{exitCode: exitCode, ok: true}
		close(ch)
	}
	if cb != nil {
		cb(pid, exitCode)
	}
	s.log.Info("process terminated", "pid", pid, "exit_code", exitCode)
	return nil
}

func (s *Scheduler) removeFromQueuesLocked(pid PID) {
	s.rrQueue = removePID(s.rrQueue, pid)
	for k, q := range s.prioQueue {
		s.prioQueue[k] = removePID(q, pid)
	}
}

func removePID(q []PID, pid PID) []PID {
	out := q[:0]
	for _, x := range q {
		if x != pid {
			out = append(out, x)
		}
	}
	return out
}

// Block moves pid out of the ready queue into the blocked state.
func (s *Scheduler) Block(pid PID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[pid]
	if !ok {
		return kerr.New(kerr.NotFound, "sched.Block", nil)
	}
	p.State = Blocked
	s.removeFromQueuesLocked(pid)
	if s.running == pid {
		s.running = IdlePID
	}
	return nil
}

// Unblock returns a blocked process to its policy's ready queue.
func (s *Scheduler) Unblock(pid PID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[pid]
	if !ok {
		return kerr.New(kerr.NotFound, "sched.Unblock", nil)
	}
	if p.State != Blocked {
		return kerr.New(kerr.InvalidArgument, "sched.Unblock", nil)
	}
	p.State = Ready
	s.enqueueLocked(p)
	return nil
}

// Wait blocks the caller's goroutine until pid exits and returns its
// exit code with ok=true; for a pid that has already exited it returns
// at once. It never reports "not-yet": a still-running pid makes it
// block rather than return.
func (s *Scheduler) Wait(pid PID) (exitCode int, ok bool, err error) {
	s.mu.Lock()
	p, exists := s.processes[pid]
	if !exists {
		s.mu.Unlock()
		return 0, false, kerr.New(kerr.NotFound, "sched.Wait", nil)
	}
	if p.State == Zombie || p.State == Terminated {
		code := p.exitCode
		s.mu.Unlock()
		return code, true, nil
	}
	ch := make(chan waitResult, 1)
	s.waiters[pid] = append(s.waiters[pid], ch)
	s.mu.Unlock()

	res := <-ch
	return res.exitCode, res.ok, nil
}

// SetPriority changes pid's priority, re-homing it in the appropriate
// queue if it is currently ready.
func (s *Scheduler) SetPriority(pid PID, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[pid]
	if !ok {
		return kerr.New(kerr.NotFound, "sched.SetPriority", nil)
	}
	wasReady := p.State == Ready
	if wasReady {
		s.removeFromQueuesLocked(pid)
	}
	p.Priority = priority
	if wasReady {
		s.enqueueLocked(p)
	}
	return nil
}

// SetAlgorithm switches the active scheduling policy. Processes
// already queued stay queued; the next schedule() decision uses the
// new policy's ordering.
func (s *Scheduler) SetAlgorithm(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := append([]PID(nil), s.rrQueue...)
	for {
		pid, ok := popLowestPriority(s.prioQueue)
		if !ok {
			break
		}
		queued = append(queued, pid)
	}
	s.rrQueue = nil
	s.policy = p
	for _, pid := range queued {
		if proc, ok := s.processes[pid]; ok {
			s.enqueueLocked(proc)
		}
	}
	s.log.Info("scheduler policy changed", "policy", p.String())
}

// SetSlice sets the default time-slice (in ticks) newly created and
// requeued processes receive.
func (s *Scheduler) SetSlice(ticks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultSlice = ticks
}

// Signal queues sig for delivery to pid on the next process-level
// tick.
func (s *Scheduler) Signal(pid PID, sig Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[pid]
	if !ok {
		return kerr.New(kerr.NotFound, "sched.Signal", nil)
	}
	p.deliver(sig)
	return nil
}

// SetSignalHandler installs a user handler for sig, overriding the
// default action.
func (s *Scheduler) SetSignalHandler(pid PID, sig Signal, handler func(*Process)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[pid]
	if !ok {
		return kerr.New(kerr.NotFound, "sched.SetSignalHandler", nil)
	}
	p.handlers[sig] = handler
	return nil
}

// Tick is the 1000 Hz PIT-driven thread-level preemption entry point:
// it decrements the running process's remaining slice and calls
// Schedule once it is exhausted.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	running, ok := s.processes[s.running]
	if !ok || s.running == IdlePID {
		s.mu.Unlock()
		return
	}
	running.slice--
	expired := running.slice <= 0
	s.mu.Unlock()

	if expired {
		s.mu.Lock()
		running.slice = s.defaultSlice
		running.State = Ready
		s.enqueueLocked(running)
		s.mu.Unlock()
		s.Schedule()
	}
}

// UpperTick is the ~50 Hz process-level accounting entry point:
// deliver pending signals to the running process, possibly
// terminating it, and increment its cumulative CPU tick count. In
// cmd/jsos, Tick runs on the PIT tick while UpperTick runs on a
// separate 20 ms host ticker.
func (s *Scheduler) UpperTick() {
	s.mu.Lock()
	running, ok := s.processes[s.running]
	if !ok || s.running == IdlePID {
		s.mu.Unlock()
		return
	}
	sigs := running.pendingSigs
	running.pendingSigs = nil
	running.ticks++
	s.mu.Unlock()

	for _, sig := range sigs {
		s.mu.Lock()
		handler, hasHandler := running.handlers[sig]
		s.mu.Unlock()
		switch {
		case hasHandler:
			handler(running)
		case fatalByDefault[sig]:
			s.log.Info("default signal action terminating process", "pid", running.PID, "signal", sig.String())
			s.Terminate(running.PID, -int(sig))
			return
		}
	}
}

// Schedule picks the next process to run according to the active
// policy, marking it Running. If the ready queues are empty, the idle
// process runs.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.pickNextLocked()
	if next == nil {
		s.running = IdlePID
		return
	}
	next.State = Running
	s.running = next.PID
	s.log.Debug("scheduled", "pid", next.PID, "policy", s.policy.String())
}

// pickNextLocked implements the active policy's ordering. Priority and
// RealTime both scan priority levels ascending (lower numeric value
// first, FIFO within a level); RealTime's distinction — priorities at
// or below RealTimePriorityCeiling running to completion of their
// slice before any lower-priority level is even considered — falls
// out of this same ascending scan, since a process at or below the
// ceiling is always picked over one above it as long as its queue is
// non-empty.
func (s *Scheduler) pickNextLocked() *Process {
	switch s.policy {
	case Priority, RealTime:
		if pid, ok := popLowestPriority(s.prioQueue); ok {
			return s.processes[pid]
		}
		return nil
	default:
		if len(s.rrQueue) == 0 {
			return nil
		}
		pid := s.rrQueue[0]
		s.rrQueue = s.rrQueue[1:]
		return s.processes[pid]
	}
}

func popLowestPriority(m map[int][]PID) (PID, bool) {
	best := -1
	for prio, q := range m {
		if len(q) == 0 {
			continue
		}
		if best == -1 || prio < best {
			best = prio
		}
	}
	if best == -1 {
		return 0, false
	}
	pid := m[best][0]
	m[best] = m[best][1:]
	return pid, true
}

// Running returns the currently running PID.
func (s *Scheduler) Running() PID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Lookup returns a snapshot of a process's state for inspection by
// /proc or diagnostics, without exposing the live pointer.
func (s *Scheduler) Lookup(pid PID) (Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[pid]
	if !ok {
		return Process{}, false
	}
	return *p, true
}

// ProcEntries implements vfs.ProcSource, giving /proc a live listing
// without that package importing internal/sched directly.
func (s *Scheduler) ProcEntries() []vfs.ProcEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]vfs.ProcEntry, 0, len(s.processes))
	for _, p := range s.processes {
		entries = append(entries, vfs.ProcEntry{
			PID:   uint32(p.PID),
			State: p.State.String(),
			Ticks: p.ticks,
		})
	}
	return entries
}
