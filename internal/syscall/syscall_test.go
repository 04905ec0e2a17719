package syscall

import (
	"net"
	"testing"
	"time"

	"github.com/tinyrange/jsos/internal/netstack"
	"github.com/tinyrange/jsos/internal/pmm"
	"github.com/tinyrange/jsos/internal/sched"
	"github.com/tinyrange/jsos/internal/vfs"
	"github.com/tinyrange/jsos/internal/vmm"
)

func newTestTable(t *testing.T) (*Table, sched.PID, *netstack.Stack) {
	t.Helper()

	s := sched.New(nil, 5)
	mounts := vfs.NewMountTable(nil)
	mounts.Mount("/", vfs.NewMemFS())
	mounts.Mount("/dev", vfs.NewDevFS())

	macA, _ := net.ParseMAC("52:54:00:00:00:01")
	macB, _ := net.ParseMAC("52:54:00:00:00:02")
	la, lb := netstack.NewLinkPair(macA, macB)
	sa := netstack.New(nil, la, nil, netstack.Config{IP: [4]byte{10, 0, 0, 1}, Netmask: [4]byte{255, 255, 255, 0}})
	sb := netstack.New(nil, lb, nil, netstack.Config{IP: [4]byte{10, 0, 0, 2}, Netmask: [4]byte{255, 255, 255, 0}})
	netstack.Link2(sa, sb, la, lb)

	frames, err := pmm.New(0x100000, 4096)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	frames.MarkFree(0x100000, 4096*pmm.FrameSize)
	pages := vmm.New()

	tbl := New(nil, s, mounts, sa, nil, nil, frames, pages, nil, nil)

	pid := s.Create(0)
	as := vmm.NewAddressSpace(pages, uint64(pid))
	tbl.RegisterProcess(pid, 0, vfs.NewFDTable(), as, 0x40000000)

	return tbl, pid, sb
}

func TestOpenReadWriteClose(t *testing.T) {
	tbl, pid, _ := newTestTable(t)

	res := tbl.Dispatch(pid, SysOpen, Args{Str: "/greeting.txt", A0: int64(vfs.OCreate | vfs.OWrite)})
	if _, isErr := res.Err(); isErr {
		t.Fatalf("open for create: %v", res)
	}
	fd := int64(res)

	payload := []byte("hello kernel")
	res = tbl.Dispatch(pid, SysWrite, Args{A0: fd, Bytes: payload})
	if int(res) != len(payload) {
		t.Fatalf("write returned %d, want %d", res, len(payload))
	}

	res = tbl.Dispatch(pid, SysClose, Args{A0: fd})
	if res != 0 {
		t.Fatalf("close: %v", res)
	}

	res = tbl.Dispatch(pid, SysOpen, Args{Str: "/greeting.txt", A0: int64(vfs.ORead)})
	if _, isErr := res.Err(); isErr {
		t.Fatalf("reopen: %v", res)
	}
	fd = int64(res)

	buf := make([]byte, 64)
	res = tbl.Dispatch(pid, SysRead, Args{A0: fd, A1: int64(len(buf)), Bytes: buf})
	n := int(res)
	if n != len(payload) || string(buf[:n]) != string(payload) {
		t.Fatalf("read back %q (n=%d), want %q", buf[:n], n, payload)
	}
}

func TestPipeRoundTrip(t *testing.T) {
	tbl, pid, _ := newTestTable(t)

	res := tbl.Dispatch(pid, SysPipe, Args{})
	readFD := int64(res)
	writeFD := readFD + 1

	msg := []byte("pipe data")
	w := tbl.Dispatch(pid, SysWrite, Args{A0: writeFD, Bytes: msg})
	if int(w) != len(msg) {
		t.Fatalf("pipe write: %v", w)
	}

	buf := make([]byte, 32)
	r := tbl.Dispatch(pid, SysRead, Args{A0: readFD, A1: int64(len(buf)), Bytes: buf})
	n := int(r)
	if string(buf[:n]) != string(msg) {
		t.Fatalf("pipe read %q, want %q", buf[:n], msg)
	}
}

func TestSbrkAndMmap(t *testing.T) {
	tbl, pid, _ := newTestTable(t)

	first := tbl.Dispatch(pid, SysSbrk, Args{A0: int64(4 * pmm.FrameSize)})
	if _, isErr := first.Err(); isErr {
		t.Fatalf("sbrk grow: %v", first)
	}

	second := tbl.Dispatch(pid, SysSbrk, Args{A0: 0})
	if int64(second) != int64(first)+4*pmm.FrameSize {
		t.Fatalf("sbrk(0) = %d, want %d", second, int64(first)+4*pmm.FrameSize)
	}

	m := tbl.Dispatch(pid, SysMmap, Args{A0: 2})
	if _, isErr := m.Err(); isErr {
		t.Fatalf("mmap: %v", m)
	}
	u := tbl.Dispatch(pid, SysMunmap, Args{A0: int64(m), A1: 2})
	if u != 0 {
		t.Fatalf("munmap: %v", u)
	}
}

func TestWaitReportsExitCode(t *testing.T) {
	tbl, pid, _ := newTestTable(t)

	childPID := int64(tbl.Dispatch(pid, SysExec, Args{Str: "child"}))

	done := make(chan Result, 1)
	go func() {
		done <- tbl.Dispatch(pid, SysWait, Args{A0: childPID})
	}()

	time.Sleep(20 * time.Millisecond)
	if err := tbl.sched.Terminate(sched.PID(childPID), 7); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	select {
	case res := <-done:
		if res != 7 {
			t.Fatalf("wait returned %d, want 7", res)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return")
	}
}

func TestUDPSocketRoundTrip(t *testing.T) {
	tbl, pid, peer := newTestTable(t)

	peerEP, err := peer.ListenUDP(9001)
	if err != nil {
		t.Fatalf("peer ListenUDP: %v", err)
	}
	defer peerEP.Close()

	res := tbl.Dispatch(pid, SysSocket, Args{A0: SockDgram})
	fd := int64(res)

	b := tbl.Dispatch(pid, SysBind, Args{A0: fd, A1: 9000})
	if b != 0 {
		t.Fatalf("bind: %v", b)
	}

	peerIP := int64(10)<<24 | int64(0)<<16 | int64(0)<<8 | int64(2)
	ping := []byte("ping")
	s := tbl.Dispatch(pid, SysSend, Args{A0: fd, A1: peerIP, A2: 9001, Bytes: ping})
	if int(s) != len(ping) {
		t.Fatalf("send: %v", s)
	}

	data, srcIP, _, err := peerEP.Receive()
	if err != nil {
		t.Fatalf("peer receive: %v", err)
	}
	if string(data) != string(ping) {
		t.Fatalf("peer got %q, want %q", data, ping)
	}

	pong := []byte("pong")
	if err := peerEP.SendTo(srcIP, 9000, pong); err != nil {
		t.Fatalf("peer send reply: %v", err)
	}

	buf := make([]byte, 32)
	r := tbl.Dispatch(pid, SysRecv, Args{A0: fd, A1: int64(len(buf)), Bytes: buf})
	n := int(r)
	if n <= 0 || string(buf[:n]) != string(pong) {
		t.Fatalf("recv %q (n=%d), want %q", buf[:n], n, pong)
	}
}
