package netstack

import (
	"encoding/binary"
)

type ipv4Header struct {
	proto    uint8
	src, dst [4]byte
	ttl      uint8
	id       uint16
}

// parseIPv4Header validates the version, pulls out the fields the
// upper-layer handlers need, and returns the payload beyond any IP
// options. The header checksum is not re-verified on receive; a
// corrupt packet is simply handed to a transport handler that will
// itself fail the payload checksum.
func parseIPv4Header(b []byte) (ipv4Header, []byte, bool) {
	if len(b) < ipv4HeaderLen {
		return ipv4Header{}, nil, false
	}
	verIHL := b[0]
	if verIHL>>4 != 4 {
		return ipv4Header{}, nil, false
	}
	ihl := int(verIHL&0x0f) * 4
	if ihl < ipv4HeaderLen || len(b) < ihl {
		return ipv4Header{}, nil, false
	}
	totalLen := int(binary.BigEndian.Uint16(b[2:4]))
	if totalLen > len(b) {
		totalLen = len(b)
	}
	var h ipv4Header
	h.id = binary.BigEndian.Uint16(b[4:6])
	h.ttl = b[8]
	h.proto = b[9]
	copy(h.src[:], b[12:16])
	copy(h.dst[:], b[16:20])
	return h, b[ihl:totalLen], true
}

// buildIPv4Header renders a 20-byte header (no options) with length
// and checksum filled in for a payload of the given length.
func buildIPv4Header(proto uint8, src, dst [4]byte, id uint16, payloadLen int) []byte {
	b := make([]byte, ipv4HeaderLen)
	b[0] = 0x45 // version 4, IHL 5
	b[1] = 0
	binary.BigEndian.PutUint16(b[2:4], uint16(ipv4HeaderLen+payloadLen))
	binary.BigEndian.PutUint16(b[4:6], id)
	binary.BigEndian.PutUint16(b[6:8], 0) // no fragmentation
	b[8] = 64                             // TTL
	b[9] = proto
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
	binary.BigEndian.PutUint16(b[10:12], internetChecksum(nil, b))
	return b
}

var ipv4Ident uint16

func nextIPv4ID() uint16 {
	ipv4Ident++
	return ipv4Ident
}

func (s *Stack) handleIPv4(payload []byte) {
	h, body, ok := parseIPv4Header(payload)
	if !ok {
		return
	}
	if h.dst != s.ip && !isLimitedBroadcast(h.dst) {
		return
	}
	switch h.proto {
	case protoICMP:
		s.handleICMP(h, body)
	case protoUDP:
		s.handleUDP(h, body)
	case protoTCP:
		s.handleTCP(h, body)
	default:
		s.log.Debug("netstack: dropping unknown ip protocol", "proto", h.proto)
	}
}

func isLimitedBroadcast(ip [4]byte) bool { return ip == [4]byte{255, 255, 255, 255} }

// sendIPv4 resolves dst's MAC (dropping the datagram if ARP has not
// yet resolved it; the caller is expected to retry) and transmits an
// IPv4 datagram carrying proto/payload.
func (s *Stack) sendIPv4(dst [4]byte, proto uint8, payload []byte) error {
	mac, ok := s.resolve(dst)
	if !ok {
		return nil
	}
	hdr := buildIPv4Header(proto, s.ip, dst, nextIPv4ID(), len(payload))
	pkt := append(hdr, payload...)
	return s.sendEthernet(mac, etherTypeIPv4, pkt)
}
