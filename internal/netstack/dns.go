package netstack

import (
	"time"

	"github.com/miekg/dns"
	"github.com/tinyrange/jsos/internal/kerr"
)

// ResolveA sends a recursive A-record query to server:53 over our own
// UDP stack and returns the first address in the reply, the client
// side of the request/reply shape the host side of the original
// project used for its builtin resolver.
func (s *Stack) ResolveA(server [4]byte, name string) ([4]byte, error) {
	ep, err := s.ListenUDP(0)
	if err != nil {
		return [4]byte{}, err
	}
	defer ep.Close()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.RecursionDesired = true
	wire, err := msg.Pack()
	if err != nil {
		return [4]byte{}, kerr.New(kerr.InvalidArgument, "netstack.ResolveA", err)
	}
	if err := ep.SendTo(server, 53, wire); err != nil {
		return [4]byte{}, err
	}

	type result struct {
		ip  [4]byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		data, _, _, err := ep.Receive()
		if err != nil {
			done <- result{err: err}
			return
		}
		reply := new(dns.Msg)
		if err := reply.Unpack(data); err != nil {
			done <- result{err: kerr.New(kerr.ProtocolError, "netstack.ResolveA", err)}
			return
		}
		for _, rr := range reply.Answer {
			if a, ok := rr.(*dns.A); ok {
				ip4 := a.A.To4()
				if ip4 != nil {
					var out [4]byte
					copy(out[:], ip4)
					done <- result{ip: out}
					return
				}
			}
		}
		done <- result{err: kerr.New(kerr.NotFound, "netstack.ResolveA", nil)}
	}()

	select {
	case r := <-done:
		return r.ip, r.err
	case <-time.After(3 * time.Second):
		return [4]byte{}, kerr.New(kerr.Timeout, "netstack.ResolveA", nil)
	}
}
