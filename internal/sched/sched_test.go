package sched

import (
	"log/slog"
	"testing"
	"time"
)

func newTestScheduler() *Scheduler {
	return New(slog.Default(), 4)
}

func TestScheduleRunsIdleWhenEmpty(t *testing.T) {
	s := newTestScheduler()
	s.Schedule()
	if s.Running() != IdlePID {
		t.Fatalf("expected idle process to run, got pid %d", s.Running())
	}
}

func TestRoundRobinFIFOOrder(t *testing.T) {
	s := newTestScheduler()
	a := s.Create(0)
	b := s.Create(0)

	s.Schedule()
	if s.Running() != a {
		t.Fatalf("expected pid %d to run first, got %d", a, s.Running())
	}
	if err := s.Block(a); err != nil {
		t.Fatalf("Block: %v", err)
	}
	s.Schedule()
	if s.Running() != b {
		t.Fatalf("expected pid %d to run next, got %d", b, s.Running())
	}
}

func TestPriorityOrdersLowestFirst(t *testing.T) {
	s := newTestScheduler()
	s.SetAlgorithm(Priority)

	low := s.Create(10)
	high := s.Create(1)

	s.Schedule()
	if s.Running() != high {
		t.Fatalf("expected higher-priority (lower number) pid %d to run first, got %d", high, s.Running())
	}
	_ = low
}

func TestRealTimePreemptsLowerPriority(t *testing.T) {
	s := newTestScheduler()
	s.SetAlgorithm(RealTime)

	normal := s.Create(20)
	rt := s.Create(2)

	s.Schedule()
	if s.Running() != rt {
		t.Fatalf("expected real-time pid %d to run before priority-20 pid %d", rt, normal)
	}
}

func TestTickExpiresSliceAndReschedules(t *testing.T) {
	s := newTestScheduler()
	a := s.Create(0)
	b := s.Create(0)
	s.Schedule()
	if s.Running() != a {
		t.Fatalf("expected pid %d running, got %d", a, s.Running())
	}

	for i := 0; i < s.defaultSlice; i++ {
		s.Tick()
	}
	if s.Running() != b {
		t.Fatalf("expected slice exhaustion to hand off to pid %d, got %d", b, s.Running())
	}
}

func TestTerminateWakesWaiters(t *testing.T) {
	s := newTestScheduler()
	pid := s.Create(0)

	done := make(chan struct{})
	var gotCode int
	var gotOK bool
	go func() {
		gotCode, gotOK, _ = s.Wait(pid)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond) // let Wait register before Terminate runs
	if err := s.Terminate(pid, 7); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Terminate")
	}
	if !gotOK || gotCode != 7 {
		t.Fatalf("Wait returned (%d, %v), want (7, true)", gotCode, gotOK)
	}
}

func TestSignalDefaultActionTerminates(t *testing.T) {
	s := newTestScheduler()
	pid := s.Create(0)
	s.Schedule()

	if err := s.Signal(pid, SIGTERM); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	s.UpperTick()

	p, ok := s.Lookup(pid)
	if !ok {
		t.Fatalf("process vanished")
	}
	if p.State != Zombie {
		t.Fatalf("expected SIGTERM default action to terminate process, state=%v", p.State)
	}
}

func TestSignalHandlerOverridesDefault(t *testing.T) {
	s := newTestScheduler()
	pid := s.Create(0)
	s.Schedule()

	handled := false
	if err := s.SetSignalHandler(pid, SIGTERM, func(*Process) { handled = true }); err != nil {
		t.Fatalf("SetSignalHandler: %v", err)
	}
	if err := s.Signal(pid, SIGTERM); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	s.UpperTick()

	if !handled {
		t.Fatalf("expected custom handler to run")
	}
	p, ok := s.Lookup(pid)
	if !ok || p.State == Zombie {
		t.Fatalf("expected process to survive once a handler is installed")
	}
}
