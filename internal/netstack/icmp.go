package netstack

import "encoding/binary"

const (
	icmpTypeEchoRequest uint8 = 8
	icmpTypeEchoReply   uint8 = 0
)

// handleICMP answers echo requests and otherwise drops the datagram;
// there is no ping client side here because the kernel only needs to
// be reachable, not to probe other hosts.
func (s *Stack) handleICMP(h ipv4Header, body []byte) {
	if len(body) < 8 || body[0] != icmpTypeEchoRequest {
		return
	}
	reply := append([]byte(nil), body...)
	reply[0] = icmpTypeEchoReply
	reply[2], reply[3] = 0, 0
	binary.BigEndian.PutUint16(reply[2:4], internetChecksum(nil, reply))
	_ = s.sendIPv4(h.src, protoICMP, reply)
}
