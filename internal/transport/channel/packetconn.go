package channel

import "net"

// NewPacketConn adapts an already-bound *net.UDPConn into a net.Conn so
// Output/Input can drive a Udp or Multicast channel the same way they drive
// a stream socket (spec.md §4.6). peer is the address Write targets; when
// strict is true, Read discards datagrams from any other sender (the Udp
// unicast case, where exactly one sink owns the socket's attention).
// Multicast passes strict=false since the group's members don't share the
// publisher's unicast source address. peeked, if non-empty, is prepended to
// the next Read (the bytes already consumed while rendezvousing the peer).
func NewPacketConn(sock *net.UDPConn, peer *net.UDPAddr, strict bool, peeked []byte) net.Conn {
	return &packetConn{UDPConn: sock, peer: peer, strict: strict, pending: peeked}
}

type packetConn struct {
	*net.UDPConn
	peer    *net.UDPAddr
	strict  bool
	pending []byte
}

func (c *packetConn) Read(b []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(b, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	for {
		n, addr, err := c.UDPConn.ReadFromUDP(b)
		if err != nil {
			return n, err
		}
		if !c.strict || sameUDPAddr(addr, c.peer) {
			return n, nil
		}
	}
}

func (c *packetConn) Write(b []byte) (int, error) {
	return c.UDPConn.WriteToUDP(b, c.peer)
}

func (c *packetConn) RemoteAddr() net.Addr { return c.peer }

func sameUDPAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.IP.Equal(b.IP) && a.Port == b.Port
}
