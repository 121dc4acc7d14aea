// Package negotiator implements the Connection Negotiator (spec.md §4.2):
// the source-side logic that picks a transport by intersecting a sink's
// preference list with the source's capability set, mints a cookie for
// out-of-band rendezvous, and builds the resulting ConnectionInfo.
package negotiator

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/alxayo/mmtransport/internal/logger"
	"github.com/alxayo/mmtransport/internal/rpcendpoint"
	"github.com/alxayo/mmtransport/internal/transport/acceptor"
	"github.com/alxayo/mmtransport/internal/transport/allocator"
	"github.com/alxayo/mmtransport/internal/transport/channel"
	"github.com/alxayo/mmtransport/internal/transport/cookie"
)

// maxDatagram bounds the buffer used to read one Udp/Multicast rendezvous
// or data frame; comfortably above any realistic encodeSample frame.
const maxDatagram = 65507

// CookieTimeout is the ceiling every cookie registration carries on the
// source side (spec.md §5).
const CookieTimeout = 60 * time.Second

// Capabilities describes what a given source endpoint can offer, used to
// intersect against a sink's requested preference order.
type Capabilities struct {
	HostID          string
	Pid             uint32
	SharedMemory    bool // Local requires the allocator to offer shared memory
	RpcTunneling    bool
	ExtraAddresses  []string // administrator-configured alternates, always appended
}

// Negotiator picks transports for one source endpoint and drives the
// out-of-band cookie rendezvous for socket-backed variants.
type Negotiator struct {
	caps      Capabilities
	acceptor  *acceptor.Acceptor
	allocator *allocator.Factory
	log       *slog.Logger

	multicastAddr string // lazily generated per source, shared by all sinks
}

// New constructs a Negotiator for one source endpoint.
func New(caps Capabilities, acc *acceptor.Acceptor, alloc *allocator.Factory) *Negotiator {
	return &Negotiator{
		caps:      caps,
		acceptor:  acc,
		allocator: alloc,
		log:       logger.Logger().With("component", "negotiator", "host", caps.HostID),
	}
}

// capabilitySet returns, in no particular order, the transports this
// source can offer to a peer with the given pid/hostID (spec.md §4.2).
func (n *Negotiator) capabilitySet(peerPid uint32, peerHostID string) map[rpcendpoint.Transport]bool {
	s := map[rpcendpoint.Transport]bool{
		rpcendpoint.Tcp:       true,
		rpcendpoint.Udp:       true,
		rpcendpoint.Multicast: true,
	}
	if peerPid == n.caps.Pid && peerHostID == n.caps.HostID {
		s[rpcendpoint.InProc] = true
	}
	if peerHostID == n.caps.HostID && n.caps.SharedMemory {
		s[rpcendpoint.Local] = true
	}
	if n.caps.RpcTunneling {
		s[rpcendpoint.RpcTunnel] = true
	}
	return s
}

// Negotiate picks the first sink preference present in the intersection
// with this source's capability set, registers a cookie if the chosen
// variant requires out-of-band rendezvous, and returns the resulting
// ConnectionInfo. A nil error with Transport==InProc and an empty cookie
// signals the well-defined "no transport" failure of spec.md §4.2/§7.
func (n *Negotiator) Negotiate(ctx context.Context, peerPid uint32, peerHostID string, sinkPrefs []rpcendpoint.Transport, useAllAddresses bool, localSource rpcendpoint.InProcSource, handler acceptor.Handler) (rpcendpoint.ConnectionInfo, cookie.Cookie, error) {
	capSet := n.capabilitySet(peerPid, peerHostID)

	var chosen rpcendpoint.Transport = -1
	for _, pref := range sinkPrefs {
		if capSet[pref] {
			chosen = pref
			break
		}
	}
	if chosen == -1 {
		n.log.Info("no transport intersection", "sink_prefs", sinkPrefs)
		return rpcendpoint.ConnectionInfo{Transport: rpcendpoint.InProc}, cookie.Zero, nil
	}

	switch chosen {
	case rpcendpoint.InProc:
		return rpcendpoint.ConnectionInfo{Transport: rpcendpoint.InProc, Pointer: localSource}, cookie.Zero, nil

	case rpcendpoint.Local:
		allocID := [16]byte(n.allocator.ID())
		tagging := func(conn net.Conn) {
			if conn != nil {
				conn = channel.TagAllocatorID(conn, allocID)
			}
			handler(conn)
		}
		c, port, err := n.registerCookie(tagging)
		if err != nil {
			return rpcendpoint.ConnectionInfo{}, cookie.Zero, err
		}
		info := rpcendpoint.ConnectionInfo{
			Transport:       rpcendpoint.Local,
			Port:            port,
			Addresses:       []string{"127.0.0.1"},
			AllocatorID:     n.allocator.ID(),
			AllocatorParams: n.allocator.Flavor().String(),
		}
		return info, c, nil

	case rpcendpoint.Tcp:
		c, port, err := n.registerCookie(handler)
		if err != nil {
			return rpcendpoint.ConnectionInfo{}, cookie.Zero, err
		}
		addrs, err := n.advertisedAddresses(useAllAddresses)
		if err != nil {
			return rpcendpoint.ConnectionInfo{}, cookie.Zero, err
		}
		return rpcendpoint.ConnectionInfo{Transport: rpcendpoint.Tcp, Port: port, Addresses: addrs}, c, nil

	case rpcendpoint.Udp:
		dataPort, err := n.startUDPRendezvous(handler)
		if err != nil {
			return rpcendpoint.ConnectionInfo{}, cookie.Zero, err
		}
		c := cookie.New()
		return rpcendpoint.ConnectionInfo{
			Transport:      rpcendpoint.Udp,
			ControlAddress: "0.0.0.0",
			DataPort:       dataPort,
		}, c, nil

	case rpcendpoint.Multicast:
		addr, dataPort, err := n.startMulticastRendezvous(handler)
		if err != nil {
			return rpcendpoint.ConnectionInfo{}, cookie.Zero, err
		}
		c := cookie.New()
		return rpcendpoint.ConnectionInfo{
			Transport:    rpcendpoint.Multicast,
			ControlIface: "0.0.0.0",
			DataIface:    addr,
			DataPort6:    dataPort,
		}, c, nil

	case rpcendpoint.RpcTunnel:
		c := cookie.New()
		return rpcendpoint.ConnectionInfo{Transport: rpcendpoint.RpcTunnel}, c, nil
	}

	return rpcendpoint.ConnectionInfo{Transport: rpcendpoint.InProc}, cookie.Zero, nil
}

func (n *Negotiator) registerCookie(handler acceptor.Handler) (cookie.Cookie, int, error) {
	c := cookie.New()
	if err := n.acceptor.Register(c, CookieTimeout, handler); err != nil {
		return cookie.Zero, 0, err
	}
	return c, n.acceptor.Port(), nil
}

// advertisedAddresses builds the Tcp address list: always the first IPv4
// address of the loopback interface "lo" (the address through which the
// RPC peer reached this host is not looked up); every up interface if
// useAllAddresses; always the administrator-configured alternates.
func (n *Negotiator) advertisedAddresses(useAllAddresses bool) ([]string, error) {
	var out []string
	if lo, err := firstUpAddress("lo"); err == nil {
		out = append(out, lo)
	}
	if useAllAddresses {
		ifaces, err := net.Interfaces()
		if err != nil {
			return nil, fmt.Errorf("negotiator: enumerate interfaces: %w", err)
		}
		for _, ifc := range ifaces {
			if ifc.Flags&net.FlagUp == 0 {
				continue
			}
			addrs, err := ifc.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.To4() != nil {
					out = append(out, ipNet.IP.String())
				}
			}
		}
	}
	out = append(out, n.caps.ExtraAddresses...)
	return dedup(out), nil
}

func firstUpAddress(ifaceName string) (string, error) {
	ifc, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return "", err
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			return ipNet.IP.String(), nil
		}
	}
	return "", fmt.Errorf("no IPv4 address on %s", ifaceName)
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// startUDPRendezvous binds and retains a data UDP socket for one sink
// connection, returning its port immediately while a background goroutine
// waits for that sink's first datagram (its first credit frame) to learn
// the peer address, then wires handler exactly as the Tcp/Local cookie
// path wires a rendezvoused net.Conn (spec.md §4.6).
func (n *Negotiator) startUDPRendezvous(handler acceptor.Handler) (dataPort int, err error) {
	sock, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return 0, fmt.Errorf("negotiator: allocate data udp: %w", err)
	}
	go n.awaitUDPPeer(sock, true, handler)
	return sock.LocalAddr().(*net.UDPAddr).Port, nil
}

// startMulticastRendezvous joins this source's multicast group on a fresh
// port and retains the socket, mirroring startUDPRendezvous. Unlike the
// unicast Udp case, the sink's packets arrive with a source address that
// bears no relation to the group address, so the resulting channel must
// not filter by peer (strict=false in awaitUDPPeer).
func (n *Negotiator) startMulticastRendezvous(handler acceptor.Handler) (addr string, dataPort int, err error) {
	addr, err = n.multicastAddress()
	if err != nil {
		return "", 0, err
	}
	sock, err := net.ListenMulticastUDP("udp4", nil, &net.UDPAddr{IP: net.ParseIP(addr)})
	if err != nil {
		return "", 0, fmt.Errorf("negotiator: join multicast group %s: %w", addr, err)
	}
	go n.awaitUDPPeer(sock, false, handler)
	return addr, sock.LocalAddr().(*net.UDPAddr).Port, nil
}

// awaitUDPPeer blocks for the first inbound datagram on sock, within
// CookieTimeout, then hands a channel.NewPacketConn wrapping sock to
// handler — the same handler the Tcp/Local cookie path invokes with a
// rendezvoused net.Conn. handler(nil) on timeout matches the Acceptor's
// own timeout behavior.
func (n *Negotiator) awaitUDPPeer(sock *net.UDPConn, strict bool, handler acceptor.Handler) {
	sock.SetReadDeadline(time.Now().Add(CookieTimeout))
	buf := make([]byte, maxDatagram)
	read, peer, err := sock.ReadFromUDP(buf)
	if err != nil {
		sock.Close()
		if handler != nil {
			handler(nil)
		}
		return
	}
	sock.SetReadDeadline(time.Time{})
	peeked := make([]byte, read)
	copy(peeked, buf[:read])
	conn := channel.NewPacketConn(sock, peer, strict, peeked)
	if handler != nil {
		handler(conn)
		return
	}
	sock.Close()
}

// multicastAddress lazily generates one multicast address per source
// (spec.md §4.2): random 235.x.y.z, shared by every subsequent sink.
func (n *Negotiator) multicastAddress() (string, error) {
	if n.multicastAddr != "" {
		return n.multicastAddr, nil
	}
	var octets [3]byte
	for i := range octets {
		b, err := rand.Int(rand.Reader, big.NewInt(256))
		if err != nil {
			return "", fmt.Errorf("negotiator: generate multicast address: %w", err)
		}
		octets[i] = byte(b.Int64())
	}
	n.multicastAddr = fmt.Sprintf("235.%d.%d.%d", octets[0], octets[1], octets[2])
	return n.multicastAddr, nil
}
