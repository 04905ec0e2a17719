package syscall

import (
	"github.com/tinyrange/jsos/internal/kerr"
	"github.com/tinyrange/jsos/internal/sched"
	"github.com/tinyrange/jsos/internal/vfs"
)

// sysOpen resolves args.Str against the mount table and installs the
// resulting provider handle at the next free FD in the caller's
// descriptor table. A0 carries the vfs.OpenFlags bitmask.
func (t *Table) sysOpen(pid sched.PID, args Args) Result {
	ps, err := t.state(pid)
	if err != nil {
		return fail(err)
	}
	provider, relPath, err := t.mounts.Resolve(args.Str)
	if err != nil {
		return fail(err)
	}
	handle, err := provider.Open(relPath, vfs.OpenFlags(args.A0))
	if err != nil {
		return fail(err)
	}
	fd := ps.fds.Add(provider, handle)
	return ok(int64(fd))
}

// sysRead reads up to A1 bytes from fd A0 into args.Bytes, returning
// the number of bytes actually read.
func (t *Table) sysRead(pid sched.PID, args Args) Result {
	ps, err := t.state(pid)
	if err != nil {
		return fail(err)
	}
	data, err := ps.fds.Read(vfs.FD(args.A0), int(args.A1))
	if err != nil {
		return fail(err)
	}
	copy(args.Bytes, data)
	return ok(int64(len(data)))
}

// sysWrite writes args.Bytes to fd A0.
func (t *Table) sysWrite(pid sched.PID, args Args) Result {
	ps, err := t.state(pid)
	if err != nil {
		return fail(err)
	}
	n, err := ps.fds.Write(vfs.FD(args.A0), args.Bytes)
	if err != nil {
		return fail(err)
	}
	return ok(int64(n))
}

// sysClose releases fd A0, checking the socket table before falling
// through to the descriptor table since socket FDs are reserved from
// the same numbering space but never installed as provider handles.
func (t *Table) sysClose(pid sched.PID, args Args) Result {
	ps, err := t.state(pid)
	if err != nil {
		return fail(err)
	}
	fd := vfs.FD(args.A0)

	ps.mu.Lock()
	sk, isSocket := ps.sockets[fd]
	if isSocket {
		delete(ps.sockets, fd)
	}
	ps.mu.Unlock()
	if isSocket {
		if err := closeSocket(sk); err != nil {
			return fail(err)
		}
		return ok(0)
	}

	if err := ps.fds.Close(fd); err != nil {
		return fail(err)
	}
	return ok(0)
}

// sysPipe creates an anonymous pipe and installs both ends in the
// caller's descriptor table. Only the read end's FD is returned, since
// the ABI returns one integer; the write end is installed right after
// it and is not reported.
func (t *Table) sysPipe(pid sched.PID, args Args) Result {
	ps, err := t.state(pid)
	if err != nil {
		return fail(err)
	}
	p := vfs.NewPipe()
	readFD := ps.fds.AddPipeEnd(p, true)
	ps.fds.AddPipeEnd(p, false)
	return ok(int64(readFD))
}

// sysDup duplicates fd A0 onto a freshly allocated FD in the same
// table, sharing the underlying resource's refcount.
func (t *Table) sysDup(pid sched.PID, args Args) Result {
	ps, err := t.state(pid)
	if err != nil {
		return fail(err)
	}
	fd := vfs.FD(args.A0)

	ps.mu.Lock()
	sk, isSocket := ps.sockets[fd]
	ps.mu.Unlock()
	if isSocket {
		newFD := ps.fds.ReserveFD()
		ps.mu.Lock()
		ps.sockets[newFD] = sk
		ps.mu.Unlock()
		return ok(int64(newFD))
	}

	newFD, err := ps.fds.Dup(fd)
	if err != nil {
		return fail(err)
	}
	return ok(int64(newFD))
}

// sysIoctl is a narrow device-control escape hatch; this core exposes
// no ioctl-addressable device state beyond what open/read/write/stat
// already cover, so it always reports invalid-argument.
func (t *Table) sysIoctl(pid sched.PID, args Args) Result {
	return fail(kerr.New(kerr.InvalidArgument, "syscall.ioctl", nil))
}

// sysStat resolves args.Str and reports its provider-level metadata,
// packed into the one available result word as the file size (the
// common case hosted code actually needs); richer metadata is exposed
// through /proc rather than a wider stat ABI.
func (t *Table) sysStat(pid sched.PID, args Args) Result {
	provider, relPath, err := t.mounts.Resolve(args.Str)
	if err != nil {
		return fail(err)
	}
	st, err := provider.Stat(relPath)
	if err != nil {
		return fail(err)
	}
	return ok(st.Size)
}
