package vfs

import (
	"sync"

	"github.com/tinyrange/jsos/internal/kerr"
)

// pipeBufferSize bounds a pipe's internal buffer.
const pipeBufferSize = 64 * 1024

// Pipe is a unidirectional, bounded byte channel: readers block while
// empty, writers block while full, and EOF propagates once the last
// write end closes.
type Pipe struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buf []byte

	readers  int
	writers  int
}

// NewPipe creates a pipe with one read end and one write end open;
// Ref/Close adjust the live end counts as file descriptors are
// duped or closed.
func NewPipe() *Pipe {
	p := &Pipe{readers: 1, writers: 1}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)
	return p
}

// RefRead/RefWrite record another FD referencing this end, so Close
// only signals EOF once every duplicate has gone away — the same
// reference-counted-handle behavior the FD table itself uses.
func (p *Pipe) RefRead() {
	p.mu.Lock()
	p.readers++
	p.mu.Unlock()
}

func (p *Pipe) RefWrite() {
	p.mu.Lock()
	p.writers++
	p.mu.Unlock()
}

func (p *Pipe) CloseRead() {
	p.mu.Lock()
	p.readers--
	if p.readers <= 0 {
		p.notFull.Broadcast()
	}
	p.mu.Unlock()
}

func (p *Pipe) CloseWrite() {
	p.mu.Lock()
	p.writers--
	if p.writers <= 0 {
		p.notEmpty.Broadcast()
	}
	p.mu.Unlock()
}

// Read blocks while the buffer is empty and at least one write end
// remains open; once every writer has closed, a drained buffer
// returns (nil, nil) for EOF.
func (p *Pipe) Read(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 && p.writers > 0 {
		p.notEmpty.Wait()
	}
	if len(p.buf) == 0 {
		return nil, nil
	}
	if n > len(p.buf) {
		n = len(p.buf)
	}
	out := append([]byte(nil), p.buf[:n]...)
	p.buf = p.buf[n:]
	p.notFull.Broadcast()
	return out, nil
}

// Write blocks while the buffer is full and at least one read end
// remains open; writing after every reader has closed is the pipe
// analog of SIGPIPE, reported as a ProtocolError.
func (p *Pipe) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readers <= 0 {
		return 0, kerr.New(kerr.ProtocolError, "vfs.pipe.Write", nil)
	}
	written := 0
	for written < len(data) {
		for len(p.buf) >= pipeBufferSize && p.readers > 0 {
			p.notFull.Wait()
		}
		if p.readers <= 0 {
			return written, kerr.New(kerr.ProtocolError, "vfs.pipe.Write", nil)
		}
		room := pipeBufferSize - len(p.buf)
		chunk := len(data) - written
		if chunk > room {
			chunk = room
		}
		p.buf = append(p.buf, data[written:written+chunk]...)
		written += chunk
		p.notEmpty.Broadcast()
	}
	return written, nil
}
