package clock

import "sync/atomic"

// TSCReader abstracts the RDTSC instruction so calibration can be
// driven from a real cycle counter or, in a hosted/test build, a
// synthetic one advanced by the test.
type TSCReader interface {
	ReadTSC() uint64
}

// TSC calibrates cycles-per-ms against a known PIT gate interval and
// derives get_time_ns/get_uptime_us from the cycle counter.
type TSC struct {
	reader       TSCReader
	cyclesPerMs  uint64
	bootCycles   uint64
}

// Calibrate samples the TSC across a PIT-gated interval of known
// duration and records cycles-per-millisecond. elapsedMs must be the
// wall time that actually elapsed between beforeCycles and
// afterCycles, as measured by the PIT one-shot gate.
func Calibrate(reader TSCReader, beforeCycles, afterCycles uint64, elapsedMs uint64) *TSC {
	cyclesPerMs := uint64(1)
	if elapsedMs > 0 && afterCycles > beforeCycles {
		cyclesPerMs = (afterCycles - beforeCycles) / elapsedMs
	}
	return &TSC{reader: reader, cyclesPerMs: cyclesPerMs, bootCycles: beforeCycles}
}

func (t *TSC) CyclesPerMs() uint64 { return atomic.LoadUint64(&t.cyclesPerMs) }

// GetTimeNs returns nanoseconds elapsed since Calibrate's baseline
// sample, using the calibrated cycles-per-ms ratio.
func (t *TSC) GetTimeNs() uint64 {
	if t.reader == nil || t.cyclesPerMs == 0 {
		return 0
	}
	cycles := t.reader.ReadTSC() - t.bootCycles
	return cycles * 1_000_000 / t.cyclesPerMs
}

// GetUptimeUs is GetTimeNs at microsecond resolution.
func (t *TSC) GetUptimeUs() uint64 { return t.GetTimeNs() / 1000 }
