package netstack

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/tinyrange/jsos/internal/kerr"
)

// TCPState is one state of the full eleven-state TCP connection
// machine (RFC 793 figure 6); the rest of this file is organized
// around transitions between these states rather than around the
// handful a simple request/response connection strictly needs.
type TCPState int

const (
	StateClosed TCPState = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s TCPState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

const (
	tcpFlagFIN uint8 = 1 << 0
	tcpFlagSYN uint8 = 1 << 1
	tcpFlagRST uint8 = 1 << 2
	tcpFlagPSH uint8 = 1 << 3
	tcpFlagACK uint8 = 1 << 4

	// msl is the Maximum Segment Lifetime; TIME_WAIT holds the
	// connection for 2*msl before the tuple is reusable.
	msl = 2 * time.Second
)

type fourTuple struct {
	srcIP   [4]byte
	srcPort uint16
	dstIP   [4]byte
	dstPort uint16
}

type tcpSegment struct {
	srcPort, dstPort uint16
	seq, ack         uint32
	flags            uint8
	window           uint16
	payload          []byte
}

func parseTCPSegment(body []byte) (tcpSegment, bool) {
	if len(body) < tcpHeaderLen {
		return tcpSegment{}, false
	}
	dataOffset := int(body[12]>>4) * 4
	if dataOffset < tcpHeaderLen || len(body) < dataOffset {
		return tcpSegment{}, false
	}
	return tcpSegment{
		srcPort: binary.BigEndian.Uint16(body[0:2]),
		dstPort: binary.BigEndian.Uint16(body[2:4]),
		seq:     binary.BigEndian.Uint32(body[4:8]),
		ack:     binary.BigEndian.Uint32(body[8:12]),
		flags:   body[13],
		window:  binary.BigEndian.Uint16(body[14:16]),
		payload: append([]byte(nil), body[dataOffset:]...),
	}, true
}

func (s *Stack) buildTCPSegment(t fourTuple, seq, ack uint32, flags uint8, window uint16, payload []byte) []byte {
	hdr := make([]byte, tcpHeaderLen)
	binary.BigEndian.PutUint16(hdr[0:2], t.srcPort)
	binary.BigEndian.PutUint16(hdr[2:4], t.dstPort)
	binary.BigEndian.PutUint32(hdr[4:8], seq)
	binary.BigEndian.PutUint32(hdr[8:12], ack)
	hdr[12] = byte(tcpHeaderLen/4) << 4
	hdr[13] = flags
	binary.BigEndian.PutUint16(hdr[14:16], window)
	pkt := append(hdr, payload...)
	pseudo := pseudoHeader(t.srcIP, t.dstIP, protoTCP, uint16(len(pkt)))
	binary.BigEndian.PutUint16(pkt[16:18], internetChecksum(pseudo, pkt))
	return pkt
}

// TCPListener accepts inbound connections on a bound port.
type TCPListener struct {
	stack *Stack
	port  uint16

	mu      sync.Mutex
	cond    *sync.Cond
	closed  bool
	pending []*TCPConn
}

// ListenTCP binds port and returns a listener whose Accept yields one
// *TCPConn per completed three-way handshake.
func (s *Stack) ListenTCP(port uint16) (*TCPListener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.listeners[port]; busy {
		return nil, kerr.New(kerr.Exists, "netstack.ListenTCP", nil)
	}
	l := &TCPListener{stack: s, port: port}
	l.cond = sync.NewCond(&l.mu)
	s.listeners[port] = l
	return l, nil
}

func (l *TCPListener) Close() error {
	l.stack.mu.Lock()
	delete(l.stack.listeners, l.port)
	l.stack.mu.Unlock()
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
	return nil
}

func (l *TCPListener) Accept() (*TCPConn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.pending) == 0 && !l.closed {
		l.cond.Wait()
	}
	if len(l.pending) == 0 {
		return nil, kerr.New(kerr.InvalidArgument, "netstack.TCPListener.Accept", nil)
	}
	c := l.pending[0]
	l.pending = l.pending[1:]
	return c, nil
}

// TCPConn is one TCP connection. All reads/writes/state transitions
// are serialized by mu; Read and Close block on cond until data, FIN,
// or an error condition changes what they can report.
type TCPConn struct {
	stack *Stack
	tuple fourTuple

	mu    sync.Mutex
	cond  *sync.Cond
	state TCPState

	sndNxt uint32
	sndUna uint32
	rcvNxt uint32

	recvBuf []byte
	peerFin bool

	pendingListener *TCPListener

	timeWaitDeadline time.Time
}

func (s *Stack) newConn(t fourTuple) *TCPConn {
	c := &TCPConn{stack: s, tuple: t}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// DialTCP performs an active open: send SYN, wait for SYN-ACK, send
// ACK, then return the connection in ESTABLISHED state.
func (s *Stack) DialTCP(dstIP [4]byte, dstPort uint16) (*TCPConn, error) {
	srcPort := s.allocEphemeralPort()
	t := fourTuple{srcIP: s.ip, srcPort: srcPort, dstIP: dstIP, dstPort: dstPort}
	c := s.newConn(t)
	c.sndNxt = initialSeq()
	c.sndUna = c.sndNxt
	c.state = StateSynSent

	s.mu.Lock()
	s.tcp[t] = c
	s.mu.Unlock()

	seg := s.buildTCPSegment(t, c.sndNxt, 0, tcpFlagSYN, 4096, nil)
	if err := s.sendIPv4(dstIP, protoTCP, seg); err != nil {
		return nil, err
	}
	c.sndNxt++

	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	for c.state == StateSynSent && time.Now().Before(deadline) {
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
		c.mu.Lock()
	}
	if c.state != StateEstablished {
		return nil, kerr.New(kerr.Timeout, "netstack.DialTCP", nil)
	}
	return c, nil
}

func initialSeq() uint32 { return 1 }

func (c *TCPConn) State() TCPState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Read blocks until payload bytes are available, the peer's FIN has
// been seen with nothing left buffered (EOF, nil error), or the
// connection closes without a clean FIN.
func (c *TCPConn) Read(n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.recvBuf) == 0 && !c.peerFin && c.state != StateClosed {
		c.cond.Wait()
	}
	if len(c.recvBuf) == 0 {
		return nil, nil
	}
	if n > len(c.recvBuf) {
		n = len(c.recvBuf)
	}
	out := append([]byte(nil), c.recvBuf[:n]...)
	c.recvBuf = c.recvBuf[n:]
	return out, nil
}

// Write sends data over an established connection.
func (c *TCPConn) Write(data []byte) (int, error) {
	c.mu.Lock()
	if c.state != StateEstablished && c.state != StateCloseWait {
		c.mu.Unlock()
		return 0, kerr.New(kerr.InvalidArgument, "netstack.TCPConn.Write", nil)
	}
	t := c.tuple
	seq := c.sndNxt
	ack := c.rcvNxt
	c.sndNxt += uint32(len(data))
	c.mu.Unlock()

	seg := c.stack.buildTCPSegment(t, seq, ack, tcpFlagACK|tcpFlagPSH, 4096, data)
	if err := c.stack.sendIPv4(t.dstIP, protoTCP, seg); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Close begins active close: send FIN and move into FIN_WAIT_1 (or
// LAST_ACK if the peer already sent its FIN), completing the
// connection's half of the 11-state shutdown.
func (c *TCPConn) Close() error {
	c.mu.Lock()
	t := c.tuple
	seq := c.sndNxt
	ack := c.rcvNxt
	var next TCPState
	switch c.state {
	case StateEstablished:
		next = StateFinWait1
	case StateCloseWait:
		next = StateLastAck
	default:
		c.mu.Unlock()
		return nil
	}
	c.state = next
	c.sndNxt++
	c.mu.Unlock()

	seg := c.stack.buildTCPSegment(t, seq, ack, tcpFlagFIN|tcpFlagACK, 4096, nil)
	return c.stack.sendIPv4(t.dstIP, protoTCP, seg)
}

// handleTCP routes an inbound segment to its connection's state
// machine, or to a listener for a bare SYN on a listening port.
func (s *Stack) handleTCP(h ipv4Header, body []byte) {
	seg, ok := parseTCPSegment(body)
	if !ok {
		return
	}
	t := fourTuple{srcIP: h.dst, srcPort: seg.dstPort, dstIP: h.src, dstPort: seg.srcPort}

	s.mu.Lock()
	conn, exists := s.tcp[t]
	listener, hasListener := s.listeners[seg.dstPort]
	s.mu.Unlock()

	if !exists {
		if hasListener && seg.flags&tcpFlagSYN != 0 && seg.flags&tcpFlagACK == 0 {
			s.acceptNewConn(listener, t, seg)
		}
		return
	}
	conn.onSegment(seg)
}

func (s *Stack) acceptNewConn(l *TCPListener, t fourTuple, seg tcpSegment) {
	c := s.newConn(t)
	c.state = StateSynRcvd
	c.rcvNxt = seg.seq + 1
	c.sndNxt = initialSeq()
	c.sndUna = c.sndNxt
	c.pendingListener = l

	s.mu.Lock()
	s.tcp[t] = c
	s.mu.Unlock()

	reply := s.buildTCPSegment(t, c.sndNxt, c.rcvNxt, tcpFlagSYN|tcpFlagACK, 4096, nil)
	_ = s.sendIPv4(t.dstIP, protoTCP, reply)
	c.sndNxt++
}

// onSegment applies one inbound segment's effect on the connection
// state machine. Every transition driven by an inbound segment happens
// here; the active open, Close and the passive SYN path set their own
// starting states.
func (c *TCPConn) onSegment(seg tcpSegment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seg.flags&tcpFlagRST != 0 {
		c.state = StateClosed
		c.cond.Broadcast()
		return
	}

	switch c.state {
	case StateSynSent:
		if seg.flags&tcpFlagSYN != 0 && seg.flags&tcpFlagACK != 0 {
			c.rcvNxt = seg.seq + 1
			c.sndUna = seg.ack
			c.state = StateEstablished
			ack := c.stack.buildTCPSegment(c.tuple, c.sndNxt, c.rcvNxt, tcpFlagACK, 4096, nil)
			_ = c.stack.sendIPv4(c.tuple.dstIP, protoTCP, ack)
			c.cond.Broadcast()
		}
		return

	case StateSynRcvd:
		if seg.flags&tcpFlagACK != 0 {
			c.sndUna = seg.ack
			c.state = StateEstablished
			if c.pendingListener != nil {
				l := c.pendingListener
				c.pendingListener = nil
				l.mu.Lock()
				l.pending = append(l.pending, c)
				l.cond.Broadcast()
				l.mu.Unlock()
			}
		}
		return

	case StateEstablished:
		c.acceptData(seg)
		if seg.flags&tcpFlagFIN != 0 {
			c.rcvNxt = seg.seq + uint32(len(seg.payload)) + 1
			c.peerFin = true
			c.state = StateCloseWait
			ack := c.stack.buildTCPSegment(c.tuple, c.sndNxt, c.rcvNxt, tcpFlagACK, 4096, nil)
			_ = c.stack.sendIPv4(c.tuple.dstIP, protoTCP, ack)
			c.cond.Broadcast()
		}
		return

	case StateFinWait1:
		c.acceptData(seg)
		switch {
		case seg.flags&tcpFlagFIN != 0 && seg.flags&tcpFlagACK != 0:
			c.rcvNxt = seg.seq + 1
			c.sndUna = seg.ack
			c.enterTimeWait()
		case seg.flags&tcpFlagFIN != 0:
			c.rcvNxt = seg.seq + 1
			c.state = StateClosing
			ack := c.stack.buildTCPSegment(c.tuple, c.sndNxt, c.rcvNxt, tcpFlagACK, 4096, nil)
			_ = c.stack.sendIPv4(c.tuple.dstIP, protoTCP, ack)
		case seg.flags&tcpFlagACK != 0:
			c.sndUna = seg.ack
			c.state = StateFinWait2
		}
		return

	case StateFinWait2:
		c.acceptData(seg)
		if seg.flags&tcpFlagFIN != 0 {
			c.rcvNxt = seg.seq + 1
			ack := c.stack.buildTCPSegment(c.tuple, c.sndNxt, c.rcvNxt, tcpFlagACK, 4096, nil)
			_ = c.stack.sendIPv4(c.tuple.dstIP, protoTCP, ack)
			c.enterTimeWait()
		}
		return

	case StateClosing:
		if seg.flags&tcpFlagACK != 0 {
			c.sndUna = seg.ack
			c.enterTimeWait()
		}
		return

	case StateLastAck:
		if seg.flags&tcpFlagACK != 0 {
			c.state = StateClosed
			c.stack.removeConn(c.tuple)
			c.cond.Broadcast()
		}
		return

	case StateCloseWait, StateTimeWait, StateClosed:
		return
	}
}

func (c *TCPConn) acceptData(seg tcpSegment) {
	if len(seg.payload) == 0 {
		return
	}
	if seg.seq != c.rcvNxt {
		return // out-of-order segment, no reassembly buffer: drop it
	}
	c.recvBuf = append(c.recvBuf, seg.payload...)
	c.rcvNxt += uint32(len(seg.payload))
	ack := c.stack.buildTCPSegment(c.tuple, c.sndNxt, c.rcvNxt, tcpFlagACK, 4096, nil)
	_ = c.stack.sendIPv4(c.tuple.dstIP, protoTCP, ack)
	c.cond.Broadcast()
}

func (c *TCPConn) enterTimeWait() {
	c.state = StateTimeWait
	if c.stack.wall != nil {
		c.timeWaitDeadline = c.stack.wall.Now().Add(2 * msl)
	} else {
		c.timeWaitDeadline = time.Now().Add(2 * msl)
	}
	c.cond.Broadcast()
}

func (s *Stack) removeConn(t fourTuple) {
	s.mu.Lock()
	delete(s.tcp, t)
	s.mu.Unlock()
}

// ExpireTimeWait sweeps every connection in TIME_WAIT whose 2*MSL
// deadline has passed and releases its tuple. The kernel calls this
// periodically from the scheduler's upper tick, the same coarse
// cadence process-level signal delivery runs on.
func (s *Stack) ExpireTimeWait(now time.Time) {
	s.mu.Lock()
	var expired []fourTuple
	for t, c := range s.tcp {
		c.mu.Lock()
		if c.state == StateTimeWait && now.After(c.timeWaitDeadline) {
			expired = append(expired, t)
		}
		c.mu.Unlock()
	}
	for _, t := range expired {
		delete(s.tcp, t)
	}
	s.mu.Unlock()
}
