package syscall

import (
	"github.com/tinyrange/jsos/internal/kerr"
	"github.com/tinyrange/jsos/internal/pmm"
	"github.com/tinyrange/jsos/internal/sched"
	"github.com/tinyrange/jsos/internal/vmm"
)

// sysSbrk grows or shrinks the caller's heap break by A0 bytes
// (negative to shrink), returning the break's value before the
// adjustment, mirroring the classic brk(2) return convention. Growth
// is backed by frames from the global allocator mapped writable,
// non-executable into the caller's address space.
func (t *Table) sysSbrk(pid sched.PID, args Args) Result {
	ps, err := t.state(pid)
	if err != nil {
		return fail(err)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	delta := args.A0
	oldBrk := ps.brk
	if delta == 0 {
		return ok(int64(oldBrk))
	}
	newBrk := uint64(int64(oldBrk) + delta)

	if delta > 0 {
		frames := (uint64(delta) + pmm.FrameSize - 1) / pmm.FrameSize
		for i := uint64(0); i < frames; i++ {
			pa, err := t.frames.AllocFrame()
			if err != nil {
				return fail(err)
			}
			va := oldBrk + i*pmm.FrameSize
			if err := ps.as.Map(va, pa, vmm.Attrs{Present: true, Writable: true}); err != nil {
				return fail(err)
			}
		}
	}

	ps.brk = newBrk
	return ok(int64(oldBrk))
}

// sysMmap maps A0 pages starting at A1 (0 lets the kernel pick the
// next free page above the current break) backed by fresh frames,
// returning the chosen base address. There is no file-backed mapping
// in this core; every mapping is anonymous.
func (t *Table) sysMmap(pid sched.PID, args Args) Result {
	ps, err := t.state(pid)
	if err != nil {
		return fail(err)
	}
	npages := args.A0
	if npages <= 0 {
		return fail(kerr.New(kerr.InvalidArgument, "syscall.mmap", nil))
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	base := uint64(args.A1)
	if base == 0 {
		base = ps.brk
	}
	for i := int64(0); i < npages; i++ {
		pa, err := t.frames.AllocFrame()
		if err != nil {
			return fail(err)
		}
		va := base + uint64(i)*pmm.FrameSize
		if err := ps.as.Map(va, pa, vmm.Attrs{Present: true, Writable: true}); err != nil {
			return fail(err)
		}
	}
	return ok(int64(base))
}

// sysMunmap unmaps A1 pages starting at A0, freeing their backing
// frames.
func (t *Table) sysMunmap(pid sched.PID, args Args) Result {
	ps, err := t.state(pid)
	if err != nil {
		return fail(err)
	}
	base := uint64(args.A0)
	npages := args.A1
	if npages <= 0 {
		return fail(kerr.New(kerr.InvalidArgument, "syscall.munmap", nil))
	}

	for i := int64(0); i < npages; i++ {
		va := base + uint64(i)*pmm.FrameSize
		pa, _, ok2 := ps.as.Translate(va)
		if !ok2 {
			continue
		}
		if err := ps.as.Unmap(va); err != nil {
			return fail(err)
		}
		_ = t.frames.FreeFrame(pa)
	}
	return ok(0)
}
