package initiator

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alxayo/mmtransport/internal/transport/acceptor"
	"github.com/alxayo/mmtransport/internal/transport/cookie"
)

// loopbackServer accepts one connection, reads the cookie bytes without
// checking them, and writes the greeting (or closes immediately if
// rejectCookie is set).
func loopbackServer(t *testing.T, rejectCookie bool) (addr string, port int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	tcpAddr := l.Addr().(*net.TCPAddr)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, cookie.Length)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		if rejectCookie {
			conn.Close()
			return
		}
		conn.Write([]byte(acceptor.Greeting))
		time.Sleep(200 * time.Millisecond)
	}()
	return "127.0.0.1", tcpAddr.Port
}

type stdDialer struct{ d net.Dialer }

func (s stdDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return s.d.DialContext(ctx, network, address)
}

func TestConnectSucceedsOnSingleGoodAddress(t *testing.T) {
	addr, port := loopbackServer(t, false)
	in := NewWithDialer(stdDialer{})
	c := cookie.New()
	conn, err := in.Connect(context.Background(), []string{addr}, port, c)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	defer conn.Close()
}

func TestConnectFailsWhenAllAddressesBad(t *testing.T) {
	in := NewWithDialer(stdDialer{})
	c := cookie.New()
	_, err := in.Connect(context.Background(), []string{"127.0.0.1"}, 1, c)
	if err == nil {
		t.Fatalf("expected error dialing a closed port")
	}
}

func TestConnectNoAddressesIsTransportBroken(t *testing.T) {
	in := NewWithDialer(stdDialer{})
	_, err := in.Connect(context.Background(), nil, 1, cookie.New())
	if err == nil {
		t.Fatalf("expected error for empty address list")
	}
}

// countingDialer dials with a plain net.Dialer and counts how many dial
// attempts were made through it.
type countingDialer struct {
	dialed int32
}

func (c *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	atomic.AddInt32(&c.dialed, 1)
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

func TestConnectRacesAllAddressesAndWinsFirstSuccess(t *testing.T) {
	goodAddr, goodPort := loopbackServer(t, false)

	cd := &countingDialer{}
	in := NewWithDialer(cd)
	c := cookie.New()

	// "invalid." is a reserved TLD guaranteed to fail DNS resolution fast
	// (RFC 2606), giving us a second, genuinely bad candidate address.
	conn, err := in.Connect(context.Background(), []string{goodAddr, "invalid."}, goodPort, c)
	if err != nil {
		t.Fatalf("expected success despite one bad candidate: %v", err)
	}
	defer conn.Close()
	if atomic.LoadInt32(&cd.dialed) < 1 {
		t.Fatalf("expected at least one dial attempt")
	}
}
