package netstack

import (
	"net"
	"sync"
)

// pairLink is one side of an in-memory back-to-back Ethernet link,
// used to connect two Stacks directly in tests without a virtio
// device in between.
type pairLink struct {
	mac  net.HardwareAddr
	up   bool
	peer func([]byte)

	mu sync.Mutex
}

// NewLinkPair returns two Links wired to each other: a frame sent on
// one is delivered to the other's registered Stack via its Deliver
// method, once attached with Attach.
func NewLinkPair(macA, macB net.HardwareAddr) (a, b *pairLink) {
	a = &pairLink{mac: macA, up: true}
	b = &pairLink{mac: macB, up: true}
	return a, b
}

// Attach connects a pairLink to the Stack that should receive frames
// sent to its peer.
func (p *pairLink) Attach(deliver func([]byte)) { p.peer = deliver }

func (p *pairLink) Send(frame []byte) error {
	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	if peer != nil {
		cp := append([]byte(nil), frame...)
		peer(cp)
	}
	return nil
}

func (p *pairLink) MAC() net.HardwareAddr { return p.mac }
func (p *pairLink) LinkUp() bool          { return p.up }

// Link connects two pairLinks so frames sent on one reach the other
// Stack's Deliver.
func Link2(sa, sb *Stack, la, lb *pairLink) {
	la.Attach(sb.Deliver)
	lb.Attach(sa.Deliver)
}

// selfLink is a Link whose Send immediately re-delivers the frame to
// its own Stack, the single-stack special case of pairLink used when
// there is no second stack (or no physical NIC) to bridge to.
type selfLink struct {
	mac  net.HardwareAddr
	self func([]byte)
}

// NewLoopback returns a Link that delivers every frame it sends back
// to its own Stack, for a kernel with no network device attached yet.
func NewLoopback(mac net.HardwareAddr) *selfLink {
	return &selfLink{mac: mac}
}

func (l *selfLink) Attach(deliver func([]byte)) { l.self = deliver }

func (l *selfLink) Send(frame []byte) error {
	if l.self != nil {
		cp := append([]byte(nil), frame...)
		l.self(cp)
	}
	return nil
}

func (l *selfLink) MAC() net.HardwareAddr { return l.mac }
func (l *selfLink) LinkUp() bool          { return true }
