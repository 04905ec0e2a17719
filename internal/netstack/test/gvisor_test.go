package test

import (
	"io"
	"testing"
	"time"
)

// TestGvisorTCPHandshakeAgainstOurStack dials our Stack's TCP listener
// from gVisor's independent tcpip implementation. A three-way
// handshake and clean data exchange completing here means our wire
// format, checksums, and sequence numbering are compatible with a
// stack we did not write, not just internally self-consistent.
func TestGvisorTCPHandshakeAgainstOurStack(t *testing.T) {
	h := newGvisorHarness(t)

	l, err := h.ns.ListenTCP(9000)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer l.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := l.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		data, err := conn.Read(64)
		if err != nil {
			t.Errorf("server Read: %v", err)
			return
		}
		if string(data) != "hello from gvisor" {
			t.Errorf("server got %q", data)
		}
		if _, err := conn.Write([]byte("hello from jsos")); err != nil {
			t.Errorf("server Write: %v", err)
		}
		close(accepted)
	}()

	conn := gvisorDialTCP(t, h.gs, hostIPv4, 9000)
	defer conn.Close()

	if _, err := conn.Write([]byte("hello from gvisor")); err != nil {
		t.Fatalf("gvisor write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("gvisor read: %v", err)
	}
	if string(buf[:n]) != "hello from jsos" {
		t.Fatalf("gvisor got %q", buf[:n])
	}

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server goroutine never completed")
	}
}
