package netstack

import (
	"encoding/binary"
	"net"
	"sync"
)

const (
	arpHardwareEthernet uint16 = 1
	arpOpRequest        uint16 = 1
	arpOpReply          uint16 = 2
	arpPacketLen                = 28
)

// arpTable is a simple IPv4-to-MAC mapping with no expiry; entries are
// refreshed on every observed request or reply, matching the
// minimal-correctness MAC learning the rest of the stack relies on.
type arpTable struct {
	mu      sync.Mutex
	entries map[[4]byte]net.HardwareAddr
}

func newARPTable() *arpTable {
	return &arpTable{entries: map[[4]byte]net.HardwareAddr{}}
}

func (t *arpTable) learn(ip [4]byte, mac net.HardwareAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[ip] = append(net.HardwareAddr(nil), mac...)
}

func (t *arpTable) lookup(ip [4]byte) (net.HardwareAddr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mac, ok := t.entries[ip]
	return mac, ok
}

// handleARP parses an ARP packet and, for requests targeting our own
// IP, replies with our MAC. Every packet's sender mapping is learned
// regardless of opcode.
func (s *Stack) handleARP(payload []byte) {
	if len(payload) < arpPacketLen {
		return
	}
	hwType := binary.BigEndian.Uint16(payload[0:2])
	protoType := binary.BigEndian.Uint16(payload[2:4])
	op := binary.BigEndian.Uint16(payload[6:8])
	if hwType != arpHardwareEthernet || protoType != etherTypeIPv4 {
		return
	}
	senderMAC := net.HardwareAddr(payload[8:14])
	var senderIP, targetIP [4]byte
	copy(senderIP[:], payload[14:18])
	copy(targetIP[:], payload[24:28])

	s.arp.learn(senderIP, senderMAC)

	if op == arpOpRequest && targetIP == s.ip {
		s.sendARPReply(senderMAC, senderIP)
	}
}

func (s *Stack) sendARPReply(dstMAC net.HardwareAddr, dstIP [4]byte) {
	pkt := make([]byte, arpPacketLen)
	binary.BigEndian.PutUint16(pkt[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(pkt[2:4], etherTypeIPv4)
	pkt[4] = 6
	pkt[5] = 4
	binary.BigEndian.PutUint16(pkt[6:8], arpOpReply)
	copy(pkt[8:14], s.mac)
	copy(pkt[14:18], s.ip[:])
	copy(pkt[18:24], dstMAC)
	copy(pkt[24:28], dstIP[:])
	_ = s.sendEthernet(dstMAC, etherTypeARP, pkt)
}

// resolve returns dstIP's MAC, sending an ARP request and giving the
// caller a chance to retry once the reply lands via Deliver/handleARP
// if it is not yet known.
func (s *Stack) resolve(dstIP [4]byte) (net.HardwareAddr, bool) {
	if mac, ok := s.arp.lookup(dstIP); ok {
		return mac, true
	}
	s.sendARPRequest(dstIP)
	return nil, false
}

func (s *Stack) sendARPRequest(targetIP [4]byte) {
	pkt := make([]byte, arpPacketLen)
	binary.BigEndian.PutUint16(pkt[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(pkt[2:4], etherTypeIPv4)
	pkt[4] = 6
	pkt[5] = 4
	binary.BigEndian.PutUint16(pkt[6:8], arpOpRequest)
	copy(pkt[8:14], s.mac)
	copy(pkt[14:18], s.ip[:])
	copy(pkt[18:24], make([]byte, 6))
	copy(pkt[24:28], targetIP[:])
	broadcast := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	_ = s.sendEthernet(broadcast, etherTypeARP, pkt)
}
