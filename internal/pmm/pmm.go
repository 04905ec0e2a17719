// Package pmm implements the physical frame allocator: a bitmap over
// up to 512 MiB of RAM at 4 KiB granularity, seeded from the
// firmware-reported memory map and the kernel's own footprint.
package pmm

import (
	"fmt"
	"sync"

	"github.com/tinyrange/jsos/internal/bootcfg"
	"github.com/tinyrange/jsos/internal/kerr"
)

const (
	FrameSize = 4096
	// MaxRAM bounds the bitmap at 512 MiB / 4 KiB = 131072 frames,
	// i.e. a 16 KiB bitmap.
	MaxRAM    = 512 * 1024 * 1024
	MaxFrames = MaxRAM / FrameSize
	bitmapWords = MaxFrames / 64
)

// State is the lifecycle of one physical frame.
type State uint8

const (
	StateReserved State = iota
	StateFree
	StateAllocated
)

// Allocator is the bitmap-backed frame allocator. free bits are 1,
// allocated/reserved bits are 0 — free(f); alloc() may return f, and
// once allocated a frame is not returned again until it is freed.
type Allocator struct {
	mu    sync.Mutex
	bitmap [bitmapWords]uint64
	base   uint64 // physical address frame 0 corresponds to
	frames int    // total frames tracked
}

// New builds an allocator whose frame 0 is at physAddrBase and which
// tracks frameCount frames, all initially reserved; callers populate
// free ranges with MarkFree.
func New(physAddrBase uint64, frameCount int) (*Allocator, error) {
	if frameCount > MaxFrames {
		return nil, kerr.New(kerr.InvalidArgument, "pmm.New", fmt.Errorf("%d frames exceeds bitmap capacity %d", frameCount, MaxFrames))
	}
	return &Allocator{base: physAddrBase, frames: frameCount}, nil
}

// NewFromManifest builds an allocator from a boot manifest's memory
// map, marking only "conventional" ranges free and subtracting the
// kernel image footprint.
func NewFromManifest(m *bootcfg.Manifest, kernelImageBase, kernelImageLen uint64) (*Allocator, error) {
	var lo, hi uint64 = ^uint64(0), 0
	for _, r := range m.MemoryMap {
		if r.Base < lo {
			lo = r.Base
		}
		if r.Base+r.Length > hi {
			hi = r.Base + r.Length
		}
	}
	if hi <= lo {
		return nil, kerr.New(kerr.InvalidArgument, "pmm.NewFromManifest", fmt.Errorf("empty memory map"))
	}
	base := lo &^ (FrameSize - 1)
	frameCount := int((hi - base + FrameSize - 1) / FrameSize)
	a, err := New(base, frameCount)
	if err != nil {
		return nil, err
	}
	for _, r := range m.MemoryMap {
		if r.Kind != "conventional" {
			continue
		}
		a.MarkFree(r.Base, r.Length)
	}
	a.ReserveRegion(kernelImageBase, kernelImageLen)
	return a, nil
}

func (a *Allocator) frameIndex(addr uint64) (int, bool) {
	if addr < a.base {
		return 0, false
	}
	idx := int((addr - a.base) / FrameSize)
	if idx < 0 || idx >= a.frames {
		return 0, false
	}
	return idx, true
}

func (a *Allocator) setLocked(idx int, free bool) {
	word, bit := idx/64, uint(idx%64)
	if free {
		a.bitmap[word] |= 1 << bit
	} else {
		a.bitmap[word] &^= 1 << bit
	}
}

func (a *Allocator) testLocked(idx int) bool {
	word, bit := idx/64, uint(idx%64)
	return a.bitmap[word]&(1<<bit) != 0
}

// MarkFree marks [addr, addr+length) as free, frame-aligned inward so
// a partial edge frame is never counted as fully free.
func (a *Allocator) MarkFree(addr, length uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := (addr + FrameSize - 1) &^ (FrameSize - 1)
	end := (addr + length) &^ (FrameSize - 1)
	for p := start; p < end; p += FrameSize {
		if idx, ok := a.frameIndex(p); ok {
			a.setLocked(idx, true)
		}
	}
}

// ReserveRegion marks [addr, addr+length) reserved, covering any
// partially overlapped frame (outward rounding), used for the kernel
// image and bootloader-reserved ranges.
func (a *Allocator) ReserveRegion(addr, length uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := addr &^ (FrameSize - 1)
	end := (addr + length + FrameSize - 1) &^ (FrameSize - 1)
	for p := start; p < end; p += FrameSize {
		if idx, ok := a.frameIndex(p); ok {
			a.setLocked(idx, false)
		}
	}
}

// AllocFrame returns one free frame's physical address, or
// resource-exhausted.
func (a *Allocator) AllocFrame() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < a.frames; i++ {
		if a.testLocked(i) {
			a.setLocked(i, false)
			return a.base + uint64(i)*FrameSize, nil
		}
	}
	return 0, kerr.New(kerr.ResourceExhausted, "pmm.AllocFrame", fmt.Errorf("no free frames"))
}

// AllocFrames returns n contiguous free frames' base address. On
// fragmentation (n singly-free frames exist but no contiguous run),
// it fails with resource-exhausted rather than returning a partial
// run.
func (a *Allocator) AllocFrames(n int) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 {
		return 0, kerr.New(kerr.InvalidArgument, "pmm.AllocFrames", fmt.Errorf("n must be positive"))
	}
	run := 0
	for i := 0; i < a.frames; i++ {
		if a.testLocked(i) {
			run++
			if run == n {
				start := i - n + 1
				for j := start; j <= i; j++ {
					a.setLocked(j, false)
				}
				return a.base + uint64(start)*FrameSize, nil
			}
		} else {
			run = 0
		}
	}
	return 0, kerr.New(kerr.ResourceExhausted, "pmm.AllocFrames", fmt.Errorf("no contiguous range of %d frames", n))
}

// FreeFrame returns a single frame to the free pool.
func (a *Allocator) FreeFrame(addr uint64) error {
	return a.FreeFrames(addr, 1)
}

// FreeFrames returns n contiguous frames starting at addr.
func (a *Allocator) FreeFrames(addr uint64, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.frameIndex(addr)
	if !ok {
		return kerr.New(kerr.InvalidArgument, "pmm.FreeFrames", fmt.Errorf("address %#x out of range", addr))
	}
	for i := idx; i < idx+n && i < a.frames; i++ {
		a.setLocked(i, true)
	}
	return nil
}

// GuardedRegion is a caller-usable range bracketed by non-present
// guard frames on either side.
type GuardedRegion struct {
	LowGuard  uint64
	Base      uint64
	Count     int
	HighGuard uint64
}

// AllocGuarded allocates n usable frames plus one non-present guard
// frame immediately before and after, so an overflow by one page in
// either direction faults rather than silently corrupting a neighbor.
func (a *Allocator) AllocGuarded(n int) (GuardedRegion, error) {
	base, err := a.AllocFrames(n + 2)
	if err != nil {
		return GuardedRegion{}, err
	}
	low := base
	usable := base + FrameSize
	high := base + uint64(n+1)*FrameSize
	// The guard frames are allocated (so nothing else claims them) but
	// deliberately never mapped present by the VMM layer; pmm only
	// hands out the addresses.
	return GuardedRegion{LowGuard: low, Base: usable, Count: n, HighGuard: high}, nil
}

// FreeFrameCount reports the number of frames currently marked free.
func (a *Allocator) FreeFrameCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for i := 0; i < a.frames; i++ {
		if a.testLocked(i) {
			n++
		}
	}
	return n
}
