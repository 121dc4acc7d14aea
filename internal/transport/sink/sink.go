// Package sink implements the Sink Endpoint State Machine of spec.md
// §4.5: an 8-state machine driving negotiation, connection, disconnection
// and exponential-backoff reconnection against a remote Endpoint, exposing
// the received media as a source pin applications connect to.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	rerrors "github.com/alxayo/mmtransport/internal/errors"
	"github.com/alxayo/mmtransport/internal/logger"
	"github.com/alxayo/mmtransport/internal/rpcendpoint"
	"github.com/alxayo/mmtransport/internal/transport/channel"
	"github.com/alxayo/mmtransport/internal/transport/cookie"
	"github.com/alxayo/mmtransport/internal/transport/initiator"
	"github.com/alxayo/mmtransport/internal/transport/pin"
	"github.com/alxayo/mmtransport/internal/transport/qos"
	"github.com/alxayo/mmtransport/internal/transport/sample"
)

// State enumerates the Sink Endpoint's lifecycle states (spec.md §4.5).
type State int

const (
	Closed State = iota
	OpenDisconnected
	OpenConnecting
	OpenConnected
	OpenDisconnecting
	Closing
	ClosingDisconnecting
	Destroyed
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case OpenDisconnected:
		return "OpenDisconnected"
	case OpenConnecting:
		return "OpenConnecting"
	case OpenConnected:
		return "OpenConnected"
	case OpenDisconnecting:
		return "OpenDisconnecting"
	case Closing:
		return "Closing"
	case ClosingDisconnecting:
		return "ClosingDisconnecting"
	case Destroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// DefaultRemakeTimeout is the reconnect-backoff ceiling used when the RPC
// layer does not advertise one (the original's DEFAULT_TIME_TO_SLEEP).
const DefaultRemakeTimeout = 8 * time.Second

// upstream is the active connection's controllable half: a channel.Input
// for socket-backed transports, or an inProcCloser wrapping the raw
// InProcSource pointer. It lets SinkEndpoint forward application credit
// and disconnect requests without caring which transport is live.
type upstream interface {
	Request(n int64)
	Disconnect()
}

// SinkEndpoint is the sink-side keep-alive state machine. Applications
// Connect a pin.Sink to its embedded pin.Base to receive samples.
type SinkEndpoint struct {
	pin.Base

	target          rpcendpoint.Endpoint
	sinkPrefs       []rpcendpoint.Transport
	useAllAddresses bool
	pid             uint32
	hostID          string
	initiator       *initiator.Initiator
	remakeTimeout   func() time.Duration

	mu         sync.Mutex
	state      State
	qosList    qos.List
	pendingQoS *qos.List
	cookie     cookie.Cookie
	attempts   int
	active     upstream
	cancel     context.CancelFunc
	log        *slog.Logger
}

// Config supplies the immutable parameters of one Sink Endpoint.
type Config struct {
	Target          rpcendpoint.Endpoint
	SinkPrefs       []rpcendpoint.Transport
	UseAllAddresses bool
	Pid             uint32
	HostID          string
	Initiator       *initiator.Initiator
	// RemakeTimeout returns the current backoff ceiling; nil defaults to
	// DefaultRemakeTimeout. Queried live on every backoff computation so
	// administrators can change it without restarting the sink.
	RemakeTimeout func() time.Duration
}

// New constructs a closed Sink Endpoint; call Open to begin negotiating.
func New(cfg Config, q qos.List) *SinkEndpoint {
	rt := cfg.RemakeTimeout
	if rt == nil {
		rt = func() time.Duration { return DefaultRemakeTimeout }
	}
	return &SinkEndpoint{
		target:          cfg.Target,
		sinkPrefs:       cfg.SinkPrefs,
		useAllAddresses: cfg.UseAllAddresses,
		pid:             cfg.Pid,
		hostID:          cfg.HostID,
		initiator:       cfg.Initiator,
		remakeTimeout:   rt,
		qosList:         q,
		log:             logger.Logger().With("component", "sink_endpoint"),
	}
}

// Request implements pin.Source for the application-facing half: it adds
// local credit and, if a transport is connected, forwards the request
// upstream (over the wire for channel-backed transports, or directly to
// the InProc pointer).
func (e *SinkEndpoint) Request(n int64) {
	e.Base.Request(n)
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	if active != nil {
		active.Request(n)
	}
}

// Receive implements pin.Sink: the active channel (or InProc source)
// delivers samples here, and SinkEndpoint forwards them to whatever
// application sink is connected to its embedded pin.Base.
func (e *SinkEndpoint) Receive(s *sample.Sample) {
	if !e.Base.Emit(s) {
		s.Release()
	}
}

// Disconnected implements pin.Sink: invoked by the active channel exactly
// once when its underlying transport fails. Triggers the reconnect cycle.
func (e *SinkEndpoint) Disconnected() {
	e.DisconnectAndReconnect()
}

// State reports the current state (tests/diagnostics).
func (e *SinkEndpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Open transitions Closed -> OpenDisconnected and starts the reconnect
// worker. It is an error to Open twice without an intervening Close.
func (e *SinkEndpoint) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.state != Closed {
		e.mu.Unlock()
		return rerrors.NewInvalidOperation("sink.open", fmt.Errorf("state is %s, want Closed", e.state))
	}
	e.state = OpenDisconnected
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	go e.reconnectWorker(runCtx)
	return nil
}

// RequestQoS updates the QoS applied to the connection. If the endpoint is
// already OpenConnected the update is delivered to the peer synchronously;
// otherwise it is stored and replayed on connect (spec.md §5).
func (e *SinkEndpoint) RequestQoS(ctx context.Context, q qos.List) error {
	e.mu.Lock()
	state := e.state
	e.qosList = q
	c := e.cookie
	e.mu.Unlock()

	if state != OpenConnected {
		e.mu.Lock()
		e.pendingQoS = &q
		e.mu.Unlock()
		return nil
	}
	return e.target.RequestQoS(ctx, c, q)
}

// DisconnectAndReconnect is invoked by the active channel's
// OnNetworkDisconnect callback, exactly once per connection, on any
// irrecoverable transport failure (spec.md §4.5).
func (e *SinkEndpoint) DisconnectAndReconnect() {
	e.mu.Lock()
	if e.state != OpenConnected && e.state != OpenConnecting {
		e.mu.Unlock()
		return
	}
	e.state = OpenDisconnecting
	e.active = nil
	e.attempts++
	e.state = OpenDisconnected
	e.mu.Unlock()

	e.log.Warn("sink endpoint disconnected, will retry", "attempt", e.attempts)
}

// Close transitions any open state to Closed, disconnecting the active
// transport synchronously and cancelling the reconnect worker.
func (e *SinkEndpoint) Close() {
	e.mu.Lock()
	if e.state == Closed || e.state == Destroyed {
		e.mu.Unlock()
		return
	}
	e.state = Closing
	active := e.active
	cancel := e.cancel
	e.state = ClosingDisconnecting
	e.active = nil
	e.mu.Unlock()

	if active != nil {
		active.Disconnect()
	}
	if cancel != nil {
		cancel()
	}

	e.mu.Lock()
	e.state = Closed
	e.mu.Unlock()
	e.Base.Disconnect()
}

// Destroy is idempotent: it closes the endpoint (if not already) and
// transitions to the terminal Destroyed state.
func (e *SinkEndpoint) Destroy() {
	e.mu.Lock()
	if e.state == Destroyed {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.Close()

	e.mu.Lock()
	e.state = Destroyed
	e.mu.Unlock()
}

// reconnectWorker loops while OpenDisconnected, attempting a connection
// and, on failure, sleeping with exponential backoff capped at
// RemakeTimeout. A TransportUnavailable failure (no transport intersection
// between this sink's preferences and the source's capabilities) is not
// transient: spec.md §7(1)/§8 scenario 2 require the sink to destroy itself
// rather than retry forever against a source it can never reach.
func (e *SinkEndpoint) reconnectWorker(ctx context.Context) {
	for {
		e.mu.Lock()
		state := e.state
		e.mu.Unlock()
		if state != OpenDisconnected {
			return
		}

		err := e.connectOnce(ctx)
		if err == nil {
			continue // successful connect resets attempts; re-check state immediately
		}
		if rerrors.IsKind(err, rerrors.KindTransportUnavailable) {
			e.log.Warn("no transport intersection with source, destroying sink", "error", err)
			e.Destroy()
			return
		}
		e.log.Warn("connect attempt failed", "error", err)

		e.mu.Lock()
		if e.state != OpenDisconnected {
			e.mu.Unlock()
			return
		}
		delay := backoffDelay(e.attempts, e.remakeTimeout())
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// backoffDelay computes 2^min(attempts,3) seconds, capped by ceiling
// (spec.md §4.5, §8 "Reconnect backoff").
func backoffDelay(attempts int, ceiling time.Duration) time.Duration {
	exp := attempts
	if exp > 3 {
		exp = 3
	}
	d := time.Duration(math.Pow(2, float64(exp))) * time.Second
	if d > ceiling {
		return ceiling
	}
	return d
}

// connectOnce performs one OpenDisconnected -> OpenConnecting ->
// OpenConnected transition (spec.md §4.5 "Connect").
func (e *SinkEndpoint) connectOnce(ctx context.Context) error {
	e.mu.Lock()
	if e.state != OpenDisconnected {
		e.mu.Unlock()
		return nil
	}
	e.state = OpenConnecting
	q := e.qosList
	e.mu.Unlock()

	info, c, err := e.target.RequestConnection(ctx, e.pid, e.hostID, e.sinkPrefs, e.useAllAddresses, q)
	if err != nil {
		e.backToDisconnected()
		return rerrors.NewTransportBroken("sink.connect", err)
	}
	if info.Transport == rpcendpoint.InProc && info.Pointer == nil {
		e.backToDisconnected()
		return rerrors.NewTransportUnavailable("sink.connect", fmt.Errorf("no transport intersection"))
	}

	active, err := e.buildChannel(ctx, info, c)
	if err != nil {
		e.backToDisconnected()
		return err
	}

	e.mu.Lock()
	e.active = active
	e.cookie = c
	e.state = OpenConnected
	e.attempts = 0
	pending := e.pendingQoS
	e.pendingQoS = nil
	outstanding := e.Base.Credit.Value()
	e.mu.Unlock()

	if outstanding > 0 {
		active.Request(outstanding) // forward credit accumulated while disconnected
	}
	if pending != nil {
		if err := e.target.RequestQoS(ctx, c, *pending); err != nil {
			e.log.Warn("failed to replay pending QoS on connect", "error", err)
		}
	}
	return nil
}

func (e *SinkEndpoint) backToDisconnected() {
	e.mu.Lock()
	if e.state == OpenConnecting {
		e.state = OpenDisconnected
	}
	e.mu.Unlock()
}

// buildChannel constructs the input side for the negotiated transport and
// wires it to this Sink Endpoint's pin.Base so Emit delivers to the
// connected application sink.
func (e *SinkEndpoint) buildChannel(ctx context.Context, info rpcendpoint.ConnectionInfo, c cookie.Cookie) (upstream, error) {
	switch info.Transport {
	case rpcendpoint.InProc:
		src, ok := info.Pointer.(pin.Source)
		if !ok {
			return nil, rerrors.NewTransportBroken("sink.buildChannel", fmt.Errorf("InProc pointer is not a pin.Source"))
		}
		src.Connect(e)
		return inProcCloser{src}, nil

	case rpcendpoint.Local, rpcendpoint.Tcp:
		conn, err := e.initiator.Connect(ctx, info.Addresses, info.Port, c)
		if err != nil {
			return nil, err
		}
		in := channel.NewInput(conn)
		in.Connect(e)
		go in.Pump()
		return in, nil

	case rpcendpoint.Udp:
		conn, err := net.Dial("udp", fmt.Sprintf("%s:%d", info.ControlAddress, info.DataPort))
		if err != nil {
			return nil, rerrors.NewTransportBroken("sink.buildChannel.udp", err)
		}
		in := channel.NewInput(conn)
		in.Connect(e)
		go in.Pump()
		return in, nil

	case rpcendpoint.Multicast:
		groupIP := net.ParseIP(info.DataIface)
		if groupIP == nil {
			return nil, rerrors.NewTransportBroken("sink.buildChannel.multicast", fmt.Errorf("invalid group address %q", info.DataIface))
		}
		sock, err := net.ListenMulticastUDP("udp4", nil, &net.UDPAddr{IP: groupIP, Port: info.DataPort6})
		if err != nil {
			return nil, rerrors.NewTransportBroken("sink.buildChannel.multicast", err)
		}
		// A plain Dial to the group address would neither join the group for
		// receiving nor match the source's actual unicast send address, so
		// the group membership is joined explicitly above and peer-filtering
		// is disabled (strict=false): any member's datagrams are accepted.
		conn := channel.NewPacketConn(sock, &net.UDPAddr{IP: groupIP, Port: info.DataPort6}, false, nil)
		in := channel.NewInput(conn)
		in.Connect(e)
		go in.Pump()
		return in, nil

	default:
		return nil, rerrors.NewTransportBroken("sink.buildChannel", fmt.Errorf("unsupported transport %s", info.Transport))
	}
}

// inProcCloser adapts a plain pin.Source into the upstream interface so
// Close()/Destroy() and credit forwarding can treat it uniformly with a
// socket-backed channel.Input.
type inProcCloser struct{ src pin.Source }

func (c inProcCloser) Disconnect()     { c.src.Disconnect() }
func (c inProcCloser) Request(n int64) { c.src.Request(n) }
