package vfs

import (
	"testing"
	"time"
)

func TestMountTableLongestPrefixWins(t *testing.T) {
	mt := NewMountTable(nil)
	root := NewMemFS()
	tmp := NewMemFS()
	mt.Mount("/", root)
	mt.Mount("/tmp", tmp)

	p, rel, err := mt.Resolve("/tmp/foo.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p != Provider(tmp) {
		t.Fatalf("expected /tmp mount to win over root for /tmp/foo.txt")
	}
	if rel != "/foo.txt" {
		t.Fatalf("rel = %q, want /foo.txt", rel)
	}

	p2, rel2, err := mt.Resolve("/etc/hosts")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p2 != Provider(root) {
		t.Fatalf("expected root mount to serve /etc/hosts")
	}
	if rel2 != "/etc/hosts" {
		t.Fatalf("rel2 = %q, want /etc/hosts", rel2)
	}
}

func TestMemFSWriteReadRoundTrip(t *testing.T) {
	fs := NewMemFS()
	h, err := fs.Open("/greeting.txt", OCreate|OWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := fs.Write(h, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fs.Close(h); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h2, err := fs.Open("/greeting.txt", ORead)
	if err != nil {
		t.Fatalf("Open for read: %v", err)
	}
	got, err := fs.Read(h2, 64)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestMemFSMkdirAndList(t *testing.T) {
	fs := NewMemFS()
	if err := fs.Mkdir("/etc"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := fs.Open("/etc/hosts", OCreate|OWrite); err != nil {
		t.Fatalf("Open: %v", err)
	}
	entries, err := fs.List("/etc")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "hosts" {
		t.Fatalf("unexpected listing: %+v", entries)
	}
}

func TestDevFSNullAndZero(t *testing.T) {
	dev := NewDevFS()
	h, err := dev.Open("/null", ORead|OWrite)
	if err != nil {
		t.Fatalf("Open /null: %v", err)
	}
	if n, err := dev.Write(h, []byte("discarded")); err != nil || n != len("discarded") {
		t.Fatalf("Write /null: n=%d err=%v", n, err)
	}
	if got, err := dev.Read(h, 10); err != nil || len(got) != 0 {
		t.Fatalf("Read /null should be empty, got %v err=%v", got, err)
	}

	hz, err := dev.Open("/zero", ORead)
	if err != nil {
		t.Fatalf("Open /zero: %v", err)
	}
	zeros, err := dev.Read(hz, 8)
	if err != nil {
		t.Fatalf("Read /zero: %v", err)
	}
	for _, b := range zeros {
		if b != 0 {
			t.Fatalf("expected all-zero bytes, got %v", zeros)
		}
	}
}

func TestPipeBlocksThenDeliversAndReportsEOF(t *testing.T) {
	p := NewPipe()

	done := make(chan struct{})
	var got []byte
	go func() {
		got, _ = p.Read(64)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := p.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Write")
	}
	if string(got) != "ping" {
		t.Fatalf("got %q, want %q", got, "ping")
	}

	p.CloseWrite()
	eof, err := p.Read(64)
	if err != nil || eof != nil {
		t.Fatalf("expected EOF (nil, nil) after write end closed, got %v, %v", eof, err)
	}
}

func TestPipeWriteAfterReadersGoneFails(t *testing.T) {
	p := NewPipe()
	p.CloseRead()
	if _, err := p.Write([]byte("x")); err == nil {
		t.Fatalf("expected write to a pipe with no readers to fail")
	}
}

func TestFDTableForkSharesRefcountIndependentClose(t *testing.T) {
	fs := NewMemFS()
	h, err := fs.Open("/f.txt", OCreate|OWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	parent := NewFDTable()
	fd := parent.Add(fs, h)
	child := parent.Fork()

	if err := parent.Close(fd); err != nil {
		t.Fatalf("parent Close: %v", err)
	}
	// Child's descriptor must still work: the provider handle is
	// reference-counted, not closed until every clone releases it.
	if _, err := child.Write(fd, []byte("still open")); err != nil {
		t.Fatalf("child write after parent closed: %v", err)
	}
	if err := child.Close(fd); err != nil {
		t.Fatalf("child Close: %v", err)
	}
}
