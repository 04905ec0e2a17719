package syscall

import (
	"github.com/tinyrange/jsos/internal/kerr"
	"github.com/tinyrange/jsos/internal/netstack"
	"github.com/tinyrange/jsos/internal/sched"
	"github.com/tinyrange/jsos/internal/vfs"
)

// Socket protocol selectors for the A0 argument to socket().
const (
	SockDgram  = 1 // UDP
	SockStream = 2 // TCP
)

// socket is the per-FD state the socket syscalls operate on. A socket
// starts unbound (udp/listener/conn all nil) and becomes one concrete
// kind the first time bind/listen/connect succeeds; the syscalls below
// reject calls that don't match the kind a socket has settled into.
type socket struct {
	proto int

	udp      *netstack.UDPEndpoint
	listener *netstack.TCPListener
	conn     *netstack.TCPConn
}

func ipFromU32(v int64) [4]byte {
	u := uint32(v)
	return [4]byte{byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)}
}

// sysSocket creates an unbound socket of the requested protocol and
// installs it at the next free FD in the caller's descriptor table.
func (t *Table) sysSocket(pid sched.PID, args Args) Result {
	ps, err := t.state(pid)
	if err != nil {
		return fail(err)
	}
	proto := int(args.A0)
	if proto != SockDgram && proto != SockStream {
		return fail(kerr.New(kerr.InvalidArgument, "syscall.socket", nil))
	}
	fd := ps.fds.ReserveFD()
	ps.mu.Lock()
	ps.sockets[fd] = socket{proto: proto}
	ps.mu.Unlock()
	return ok(int64(fd))
}

// sysBind binds a UDP socket to a local port, or starts a TCP listener
// on one. A0 is the FD, A1 the port.
func (t *Table) sysBind(pid sched.PID, args Args) Result {
	ps, err := t.state(pid)
	if err != nil {
		return fail(err)
	}
	fd := vfs.FD(args.A0)
	port := uint16(args.A1)

	ps.mu.Lock()
	sk, exists := ps.sockets[fd]
	ps.mu.Unlock()
	if !exists {
		return fail(kerr.New(kerr.InvalidArgument, "syscall.bind", nil))
	}

	switch sk.proto {
	case SockDgram:
		ep, err := t.net.ListenUDP(port)
		if err != nil {
			return fail(err)
		}
		sk.udp = ep
	case SockStream:
		l, err := t.net.ListenTCP(port)
		if err != nil {
			return fail(err)
		}
		sk.listener = l
	}

	ps.mu.Lock()
	ps.sockets[fd] = sk
	ps.mu.Unlock()
	return ok(0)
}

// sysListen is a no-op beyond bind for this stack's accept-always
// queue (there is no backlog-size knob to honor), kept as a distinct
// syscall so callers that expect POSIX's two-step bind/listen
// sequence still work.
func (t *Table) sysListen(pid sched.PID, args Args) Result {
	ps, err := t.state(pid)
	if err != nil {
		return fail(err)
	}
	fd := vfs.FD(args.A0)
	ps.mu.Lock()
	sk, exists := ps.sockets[fd]
	ps.mu.Unlock()
	if !exists || sk.listener == nil {
		return fail(kerr.New(kerr.InvalidArgument, "syscall.listen", nil))
	}
	return ok(0)
}

// sysConnect dials a TCP socket, blocking until the handshake
// completes or times out. A0 the FD, A1 the destination IPv4 packed
// big-endian into a uint32, A2 the destination port.
func (t *Table) sysConnect(pid sched.PID, args Args) Result {
	ps, err := t.state(pid)
	if err != nil {
		return fail(err)
	}
	fd := vfs.FD(args.A0)
	dstIP := ipFromU32(args.A1)
	dstPort := uint16(args.A2)

	ps.mu.Lock()
	sk, exists := ps.sockets[fd]
	ps.mu.Unlock()
	if !exists || sk.proto != SockStream {
		return fail(kerr.New(kerr.InvalidArgument, "syscall.connect", nil))
	}

	if !t.blocking.TryAcquire(1) {
		return fail(kerr.New(kerr.ResourceExhausted, "syscall.connect", nil))
	}
	defer t.blocking.Release(1)

	conn, err := t.net.DialTCP(dstIP, dstPort)
	if err != nil {
		return fail(err)
	}
	sk.conn = conn
	ps.mu.Lock()
	ps.sockets[fd] = sk
	ps.mu.Unlock()
	return ok(0)
}

// sysSend writes args.Bytes to a connected TCP socket or, for UDP, to
// the destination named by A1 (dest IPv4) / A2 (dest port).
func (t *Table) sysSend(pid sched.PID, args Args) Result {
	ps, err := t.state(pid)
	if err != nil {
		return fail(err)
	}
	fd := vfs.FD(args.A0)
	ps.mu.Lock()
	sk, exists := ps.sockets[fd]
	ps.mu.Unlock()
	if !exists {
		return fail(kerr.New(kerr.InvalidArgument, "syscall.send", nil))
	}

	switch {
	case sk.conn != nil:
		n, err := sk.conn.Write(args.Bytes)
		if err != nil {
			return fail(err)
		}
		return ok(int64(n))
	case sk.udp != nil:
		dstIP := ipFromU32(args.A1)
		dstPort := uint16(args.A2)
		if err := sk.udp.SendTo(dstIP, dstPort, args.Bytes); err != nil {
			return fail(err)
		}
		return ok(int64(len(args.Bytes)))
	default:
		return fail(kerr.New(kerr.InvalidArgument, "syscall.send", nil))
	}
}

// sysRecv blocks for one TCP read or one UDP datagram. A0 the FD, A1
// the maximum number of bytes to return. Since the result is a single
// integer per the ABI, the received bytes are stashed on the Args the
// caller passed in (mirroring the hosted-runtime glue copying straight
// into a shared buffer); the return value is the byte count or a
// negative errno.
func (t *Table) sysRecv(pid sched.PID, args Args) Result {
	ps, err := t.state(pid)
	if err != nil {
		return fail(err)
	}
	fd := vfs.FD(args.A0)
	ps.mu.Lock()
	sk, exists := ps.sockets[fd]
	ps.mu.Unlock()
	if !exists {
		return fail(kerr.New(kerr.InvalidArgument, "syscall.recv", nil))
	}

	if !t.blocking.TryAcquire(1) {
		return fail(kerr.New(kerr.ResourceExhausted, "syscall.recv", nil))
	}
	defer t.blocking.Release(1)

	switch {
	case sk.conn != nil:
		n := int(args.A1)
		if n <= 0 {
			n = 4096
		}
		data, err := sk.conn.Read(n)
		if err != nil {
			return fail(err)
		}
		copy(args.Bytes, data)
		return ok(int64(len(data)))
	case sk.udp != nil:
		data, _, _, err := sk.udp.Receive()
		if err != nil {
			return fail(err)
		}
		copy(args.Bytes, data)
		return ok(int64(len(data)))
	case sk.listener != nil:
		conn, err := sk.listener.Accept()
		if err != nil {
			return fail(err)
		}
		newFD := ps.fds.ReserveFD()
		ps.mu.Lock()
		ps.sockets[newFD] = socket{proto: SockStream, conn: conn}
		ps.mu.Unlock()
		return ok(int64(newFD))
	default:
		return fail(kerr.New(kerr.InvalidArgument, "syscall.recv", nil))
	}
}

// closeSocket releases whichever concrete resource fd's socket holds;
// called from sysClose before it falls through to the FD table.
func closeSocket(sk socket) error {
	switch {
	case sk.conn != nil:
		return sk.conn.Close()
	case sk.listener != nil:
		return sk.listener.Close()
	case sk.udp != nil:
		return sk.udp.Close()
	default:
		return nil
	}
}
