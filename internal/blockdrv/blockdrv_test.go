package blockdrv

import (
	"testing"
	"time"

	"github.com/tinyrange/jsos/internal/kerr"
)

func TestSpinUntilSucceeds(t *testing.T) {
	calls := 0
	err := SpinUntil(func() bool {
		calls++
		return calls >= 3
	}, time.Millisecond)
	if err != nil {
		t.Fatalf("SpinUntil: %v", err)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls)
	}
}

func TestSpinUntilTimesOut(t *testing.T) {
	orig := SpinTimeout
	SpinTimeout = 10 * time.Millisecond
	t.Cleanup(func() { SpinTimeout = orig })

	err := SpinUntil(func() bool { return false }, time.Millisecond)
	if !kerr.Is(err, kerr.Timeout) {
		t.Fatalf("expected Timeout kind, got %v", err)
	}
}

func TestReinitRequired(t *testing.T) {
	var r reinitRequired
	if err := r.checkReady(); err != nil {
		t.Fatalf("fresh device should be ready: %v", err)
	}
	if err := r.fail(); !kerr.Is(err, kerr.DeviceError) {
		t.Fatalf("expected DeviceError, got %v", err)
	}
	if err := r.checkReady(); !kerr.Is(err, kerr.DeviceError) {
		t.Fatalf("broken device must refuse further requests: %v", err)
	}
	r.reinit()
	if err := r.checkReady(); err != nil {
		t.Fatalf("reinit should clear broken state: %v", err)
	}
}
