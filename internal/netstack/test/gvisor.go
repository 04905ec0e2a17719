// Package test holds conformance tests that drive our own netstack
// against gVisor's independent tcpip implementation over a simulated
// Ethernet link, so a handshake or checksum bug can't hide behind two
// cooperating bugs in the same code.
package test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/tinyrange/jsos/internal/netstack"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const gvisorNICID tcpip.NICID = 1

var (
	hostIPv4  = [4]byte{10, 42, 0, 1}
	guestIPv4 = [4]byte{10, 42, 0, 2}
)

// channelLink adapts gVisor's channel.Endpoint to netstack.Link so our
// Stack can send frames to, and receive frames from, the gVisor side.
type channelLink struct {
	mac net.HardwareAddr
	ch  *channel.Endpoint
}

func (l *channelLink) Send(frame []byte) error {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	l.ch.InjectInbound(0, pkt)
	return nil
}
func (l *channelLink) MAC() net.HardwareAddr { return l.mac }
func (l *channelLink) LinkUp() bool          { return true }

func mustAddrFrom4(b [4]byte) tcpip.Address { return tcpip.AddrFrom4(b) }

type gvisorHarness struct {
	ns *netstack.Stack
	gs *stack.Stack
	ch *channel.Endpoint

	cancel context.CancelFunc
}

func newGvisorHarness(tb testing.TB) *gvisorHarness {
	tb.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hostMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	guestMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	ch := channel.New(4096, 1500+14, tcpip.LinkAddress(string(guestMAC)))
	link := &channelLink{mac: hostMAC, ch: ch}
	ns := netstack.New(logger, link, nil, netstack.Config{IP: hostIPv4, Netmask: [4]byte{255, 255, 255, 0}})

	ep := ethernet.New(ch)
	gs := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := gs.CreateNIC(gvisorNICID, ep); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := gs.AddProtocolAddress(gvisorNICID, tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{Address: mustAddrFrom4(guestIPv4), PrefixLen: 24},
	}, stack.AddressProperties{}); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	gs.SetRouteTable([]tcpip.Route{{Destination: tcpip.AddressWithPrefix{Address: mustAddrFrom4([4]byte{}), PrefixLen: 0}.Subnet(), Gateway: mustAddrFrom4(hostIPv4), NIC: gvisorNICID}})

	// gVisor -> our stack
	go func() {
		for {
			pkt := ch.ReadContext(ctx)
			if pkt == nil {
				return
			}
			frame := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			ns.Deliver(frame)
		}
	}()

	tb.Cleanup(func() {
		cancel()
		ch.Close()
	})
	return &gvisorHarness{ns: ns, gs: gs, ch: ch, cancel: cancel}
}

func gvisorDialTCP(tb testing.TB, gs *stack.Stack, dstIP [4]byte, dstPort uint16) net.Conn {
	tb.Helper()
	c, err := gonet.DialTCP(gs, tcpip.FullAddress{NIC: gvisorNICID, Addr: mustAddrFrom4(dstIP), Port: dstPort}, ipv4.ProtocolNumber)
	if err != nil {
		tb.Fatalf("gvisor dial tcp: %v", err)
	}
	tb.Cleanup(func() { _ = c.Close() })
	return c
}
