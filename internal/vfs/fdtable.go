package vfs

import (
	"sync"

	"github.com/tinyrange/jsos/internal/kerr"
)

// FD is a per-process file descriptor number.
type FD int

// openFile is one FD table slot: either a provider handle or a pipe
// end. refcount is shared across every table that cloned this slot
// via Fork, so the underlying provider handle closes only once the
// last descriptor referencing it closes.
type openFile struct {
	provider Provider
	handle   Handle
	pipe     *Pipe
	pipeRead bool

	refcount *int
	mu       *sync.Mutex
}

// FDTable is one process's open file descriptor set.
type FDTable struct {
	mu    sync.Mutex
	files map[FD]*openFile
	next  FD
}

// NewFDTable creates an empty table starting FD allocation at 3
// (0/1/2 are conventionally stdin/stdout/stderr, wired up by the
// caller via Install before use).
func NewFDTable() *FDTable {
	return &FDTable{files: map[FD]*openFile{}, next: 3}
}

// Install places an already-open provider handle at a specific FD
// number, used for setting up stdin/stdout/stderr.
func (t *FDTable) Install(fd FD, provider Provider, handle Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rc := 1
	t.files[fd] = &openFile{provider: provider, handle: handle, refcount: &rc, mu: &sync.Mutex{}}
	if fd >= t.next {
		t.next = fd + 1
	}
}

// Add allocates the next free FD for an already-open provider handle.
func (t *FDTable) Add(provider Provider, handle Handle) FD {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	rc := 1
	t.files[fd] = &openFile{provider: provider, handle: handle, refcount: &rc, mu: &sync.Mutex{}}
	return fd
}

// ReserveFD allocates the next free FD number without installing a
// provider handle or pipe, for callers (e.g. the socket table) that
// manage their own resource but still need an FD number that cannot
// collide with one this table hands out.
func (t *FDTable) ReserveFD() FD {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	return fd
}

// AddPipeEnd installs one end of a pipe at the next free FD.
func (t *FDTable) AddPipeEnd(p *Pipe, isRead bool) FD {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	rc := 1
	t.files[fd] = &openFile{pipe: p, pipeRead: isRead, refcount: &rc, mu: &sync.Mutex{}}
	return fd
}

func (t *FDTable) get(fd FD) (*openFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.files[fd]
	if !ok {
		return nil, kerr.New(kerr.InvalidArgument, "vfs.fdtable", nil)
	}
	return of, nil
}

func (t *FDTable) Read(fd FD, n int) ([]byte, error) {
	of, err := t.get(fd)
	if err != nil {
		return nil, err
	}
	if of.pipe != nil {
		if !of.pipeRead {
			return nil, kerr.New(kerr.InvalidArgument, "vfs.fdtable.Read", nil)
		}
		return of.pipe.Read(n)
	}
	return of.provider.Read(of.handle, n)
}

func (t *FDTable) Write(fd FD, data []byte) (int, error) {
	of, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	if of.pipe != nil {
		if of.pipeRead {
			return 0, kerr.New(kerr.InvalidArgument, "vfs.fdtable.Write", nil)
		}
		return of.pipe.Write(data)
	}
	return of.provider.Write(of.handle, data)
}

// Close drops fd from this table and, once the shared refcount hits
// zero, releases the underlying provider handle or pipe end.
func (t *FDTable) Close(fd FD) error {
	t.mu.Lock()
	of, ok := t.files[fd]
	if !ok {
		t.mu.Unlock()
		return kerr.New(kerr.InvalidArgument, "vfs.fdtable.Close", nil)
	}
	delete(t.files, fd)
	t.mu.Unlock()

	of.mu.Lock()
	*of.refcount--
	last := *of.refcount == 0
	of.mu.Unlock()
	if !last {
		return nil
	}

	if of.pipe != nil {
		if of.pipeRead {
			of.pipe.CloseRead()
		} else {
			of.pipe.CloseWrite()
		}
		return nil
	}
	return of.provider.Close(of.handle)
}

// Dup installs fd's underlying resource at a new FD in this same
// table, sharing the refcount so either descriptor's Close leaves the
// other usable — the single-descriptor special case of what Fork does
// for an entire table.
func (t *FDTable) Dup(fd FD) (FD, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.files[fd]
	if !ok {
		return 0, kerr.New(kerr.InvalidArgument, "vfs.fdtable.Dup", nil)
	}
	of.mu.Lock()
	*of.refcount++
	of.mu.Unlock()
	if of.pipe != nil {
		if of.pipeRead {
			of.pipe.RefRead()
		} else {
			of.pipe.RefWrite()
		}
	}
	cloned := *of
	newFD := t.next
	t.next++
	t.files[newFD] = &cloned
	return newFD, nil
}

// Fork returns a clone of this table: every slot is duplicated with
// the shared refcount incremented, so the parent and child each see
// an independent snapshot of their descriptor numbers while both
// sides' closes remain independent of each other.
func (t *FDTable) Fork() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()

	clone := &FDTable{files: map[FD]*openFile{}, next: t.next}
	for fd, of := range t.files {
		of.mu.Lock()
		*of.refcount++
		of.mu.Unlock()
		if of.pipe != nil {
			if of.pipeRead {
				of.pipe.RefRead()
			} else {
				of.pipe.RefWrite()
			}
		}
		cloned := *of
		clone.files[fd] = &cloned
	}
	return clone
}
