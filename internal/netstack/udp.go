package netstack

import (
	"encoding/binary"
	"sync"

	"github.com/tinyrange/jsos/internal/kerr"
)

// UDPEndpoint is a bound UDP socket: inbound datagrams for its port
// are queued here for a Receive call, mirroring the blocking-socket
// shape the syscall boundary presents to user processes.
type UDPEndpoint struct {
	stack *Stack
	port  uint16

	mu      sync.Mutex
	cond    *sync.Cond
	closed  bool
	inbound []udpDatagram
}

type udpDatagram struct {
	srcIP   [4]byte
	srcPort uint16
	data    []byte
}

// ListenUDP binds port (0 requests an ephemeral port) and returns an
// endpoint ready to Receive/SendTo.
func (s *Stack) ListenUDP(port uint16) (*UDPEndpoint, error) {
	s.mu.Lock()
	if port == 0 {
		s.mu.Unlock()
		port = s.allocEphemeralPort()
		s.mu.Lock()
	}
	if _, busy := s.udp[port]; busy {
		s.mu.Unlock()
		return nil, kerr.New(kerr.Exists, "netstack.ListenUDP", nil)
	}
	ep := &UDPEndpoint{stack: s, port: port}
	ep.cond = sync.NewCond(&ep.mu)
	s.udp[port] = ep
	s.mu.Unlock()
	return ep, nil
}

func (ep *UDPEndpoint) Port() uint16 { return ep.port }

// Close unbinds the port and wakes any blocked Receive.
func (ep *UDPEndpoint) Close() error {
	ep.stack.mu.Lock()
	delete(ep.stack.udp, ep.port)
	ep.stack.mu.Unlock()

	ep.mu.Lock()
	ep.closed = true
	ep.cond.Broadcast()
	ep.mu.Unlock()
	return nil
}

// Receive blocks until a datagram arrives or the endpoint is closed.
func (ep *UDPEndpoint) Receive() (data []byte, srcIP [4]byte, srcPort uint16, err error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for len(ep.inbound) == 0 && !ep.closed {
		ep.cond.Wait()
	}
	if len(ep.inbound) == 0 {
		return nil, [4]byte{}, 0, kerr.New(kerr.InvalidArgument, "netstack.UDPEndpoint.Receive", nil)
	}
	d := ep.inbound[0]
	ep.inbound = ep.inbound[1:]
	return d.data, d.srcIP, d.srcPort, nil
}

// SendTo transmits a UDP datagram from this endpoint's bound port.
func (ep *UDPEndpoint) SendTo(dstIP [4]byte, dstPort uint16, data []byte) error {
	return ep.stack.sendUDP(ep.port, dstIP, dstPort, data)
}

func (s *Stack) sendUDP(srcPort uint16, dstIP [4]byte, dstPort uint16, data []byte) error {
	hdr := make([]byte, udpHeaderLen)
	binary.BigEndian.PutUint16(hdr[0:2], srcPort)
	binary.BigEndian.PutUint16(hdr[2:4], dstPort)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(udpHeaderLen+len(data)))
	pkt := append(hdr, data...)
	pseudo := pseudoHeader(s.ip, dstIP, protoUDP, uint16(len(pkt)))
	binary.BigEndian.PutUint16(pkt[6:8], internetChecksum(pseudo, pkt))
	return s.sendIPv4(dstIP, protoUDP, pkt)
}

func (s *Stack) handleUDP(h ipv4Header, body []byte) {
	if len(body) < udpHeaderLen {
		return
	}
	srcPort := binary.BigEndian.Uint16(body[0:2])
	dstPort := binary.BigEndian.Uint16(body[2:4])
	length := binary.BigEndian.Uint16(body[4:6])
	if int(length) > len(body) {
		return
	}
	data := body[udpHeaderLen:length]

	s.mu.Lock()
	ep, ok := s.udp[dstPort]
	s.mu.Unlock()
	if !ok {
		return
	}

	ep.mu.Lock()
	ep.inbound = append(ep.inbound, udpDatagram{srcIP: h.src, srcPort: srcPort, data: append([]byte(nil), data...)})
	ep.cond.Broadcast()
	ep.mu.Unlock()
}
