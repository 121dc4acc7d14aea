// Package initiator implements the Connection Initiator (spec.md §4.4):
// the sink side of cookie rendezvous. Given a cookie and a set of
// candidate addresses, it races parallel TCP connects, writes the cookie,
// reads the greeting, and yields the first successful socket while
// cancelling the rest.
package initiator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	rerrors "github.com/alxayo/mmtransport/internal/errors"
	"github.com/alxayo/mmtransport/internal/logger"
	"github.com/alxayo/mmtransport/internal/transport/acceptor"
	"github.com/alxayo/mmtransport/internal/transport/cookie"
)

// DialTimeout bounds a single address's connect+handshake attempt.
var DialTimeout = 5 * time.Second

// Dialer abstracts net.Dialer so tests can substitute a fake.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Initiator races connection attempts across all advertised addresses for
// one port, authenticating with the supplied cookie.
type Initiator struct {
	dialer Dialer
	log    *slog.Logger
}

// New constructs an Initiator using the standard net.Dialer.
func New() *Initiator {
	return &Initiator{
		dialer: &net.Dialer{},
		log:    logger.Logger().With("component", "initiator"),
	}
}

// NewWithDialer allows tests to inject a fake Dialer.
func NewWithDialer(d Dialer) *Initiator {
	return &Initiator{dialer: d, log: logger.Logger().With("component", "initiator")}
}

// Connect dials every address in parallel, writes the cookie, and expects
// the greeting back. The first success wins; siblings are cancelled. If
// every attempt fails, it returns a *TransportError wrapping the last
// cause. Connect also returns early, with a TransportBroken error, if ctx
// is cancelled before any attempt completes.
func (in *Initiator) Connect(ctx context.Context, addresses []string, port int, c cookie.Cookie) (net.Conn, error) {
	if len(addresses) == 0 {
		return nil, rerrors.NewTransportBroken("initiator.connect", fmt.Errorf("no candidate addresses"))
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}
	results := make(chan result, len(addresses))
	var wg sync.WaitGroup
	for _, addr := range addresses {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			conn, err := in.attempt(raceCtx, addr, port, c)
			select {
			case results <- result{conn, err}:
			case <-raceCtx.Done():
				if conn != nil {
					conn.Close()
				}
			}
		}(addr)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr error
	attempts := 0
	for r := range results {
		attempts++
		if r.err == nil {
			cancel() // stop sibling attempts; late successes close themselves
			return r.conn, nil
		}
		lastErr = r.err
		if attempts == len(addresses) {
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses attempted")
	}
	return nil, rerrors.NewTransportBroken("initiator.connect", lastErr)
}

func (in *Initiator) attempt(ctx context.Context, addr string, port int, c cookie.Cookie) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	target := fmt.Sprintf("%s:%d", addr, port)
	conn, err := in.dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	if deadline, ok := dialCtx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := conn.Write([]byte(c.String())); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write cookie to %s: %w", target, err)
	}

	greeting := make([]byte, len(acceptor.Greeting))
	if _, err := io.ReadFull(conn, greeting); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read greeting from %s: %w", target, err)
	}
	if string(greeting) != acceptor.Greeting {
		conn.Close()
		return nil, fmt.Errorf("bad greeting from %s", target)
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}
