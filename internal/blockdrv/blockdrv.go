// Package blockdrv implements the block driver layer: a uniform
// block interface over ATA (PIO/DMA/ATAPI) and virtio-blk.
package blockdrv

import (
	"time"

	"github.com/tinyrange/jsos/internal/kerr"
)

// Device is the uniform block interface every driver in this package
// exposes.
type Device interface {
	SectorCount() uint64
	Read(lba uint64, n uint32, buf []byte) error
	Write(lba uint64, n uint32, buf []byte) error
}

// SpinTimeout bounds a hardware-status spin loop at roughly a 5s
// worst case. A real driver halts the CPU between polls; in this
// hosted model the spin is expressed as a bounded retry loop with a
// short sleep standing in for halt-until-IRQ. It is a var rather than
// a const so tests can shrink it instead of waiting out the real
// worst case.
var SpinTimeout = 5 * time.Second

// SpinUntil polls cond every step until it returns true or timeout
// elapses, modeling a bounded "halt-until-IRQ" wait.
func SpinUntil(cond func() bool, step time.Duration) error {
	deadline := time.Now().Add(SpinTimeout)
	for {
		if cond() {
			return nil
		}
		if time.Now().After(deadline) {
			return kerr.New(kerr.Timeout, "blockdrv.SpinUntil", nil)
		}
		time.Sleep(step)
	}
}

// reinitRequired marks a device that must be re-initialized before
// reuse after a timeout: the device is not reused until re-initialized.
type reinitRequired struct {
	broken bool
}

func (r *reinitRequired) fail() error {
	r.broken = true
	return kerr.New(kerr.DeviceError, "blockdrv", nil)
}

func (r *reinitRequired) checkReady() error {
	if r.broken {
		return kerr.New(kerr.DeviceError, "blockdrv", nil)
	}
	return nil
}

func (r *reinitRequired) reinit() { r.broken = false }
