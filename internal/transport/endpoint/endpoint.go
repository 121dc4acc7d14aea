// Package endpoint implements the Endpoint Registry & Source Factory and
// the per-sink Proxy Source of spec.md §4.1: every addressable media
// source is exposed as an Endpoint object, and each RequestConnection
// wraps a freshly produced QoSAwareSource in a Proxy Source owned by the
// Endpoint.
package endpoint

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/alxayo/mmtransport/internal/logger"
	"github.com/alxayo/mmtransport/internal/rpcendpoint"
	"github.com/alxayo/mmtransport/internal/transport/acceptor"
	"github.com/alxayo/mmtransport/internal/transport/channel"
	"github.com/alxayo/mmtransport/internal/transport/cookie"
	"github.com/alxayo/mmtransport/internal/transport/negotiator"
	"github.com/alxayo/mmtransport/internal/transport/pin"
	"github.com/alxayo/mmtransport/internal/transport/qos"
	"github.com/alxayo/mmtransport/internal/transport/sample"
)

// SourceFactory builds a fresh QoSAwareSource for one connection, applying
// q internally.
type SourceFactory interface {
	NewSource(q qos.List) pin.Source
}

// ProxySource is a per-sink wrapper over the Endpoint's shared inner
// source. It forwards Request/Receive to the inner source, owns QoS and
// disconnect semantics for that one sink, and notifies the Endpoint on
// its own destruction (spec.md §4.1, §GLOSSARY "Proxy source").
type ProxySource struct {
	pin.Base
	inner   pin.Source
	onGone  func()

	mu      sync.Mutex
	qos     qos.List
	limiter *qos.Limiter
	gone    bool
}

func newProxySource(inner pin.Source, q qos.List, onGone func()) *ProxySource {
	return &ProxySource{inner: inner, qos: q, limiter: qos.NewLimiter(q), onGone: onGone}
}

// Request forwards credit to the inner source in addition to the local
// bookkeeping pin.Base performs.
func (p *ProxySource) Request(n int64) {
	p.Base.Request(n)
	p.inner.Request(n)
}

// Connect attaches this Proxy Source's output to sink, and binds it to
// the inner source so the inner source's samples reach it.
func (p *ProxySource) Connect(sink pin.Sink) bool {
	if !p.Base.Connect(sink) {
		return false
	}
	return p.inner.Connect(p)
}

// Receive implements pin.Sink: the inner source delivers here; Receive
// applies the current QoS (key-frame filtering and rate limiting) before
// forwarding to this proxy's own connected sink.
func (p *ProxySource) Receive(s *sample.Sample) {
	p.mu.Lock()
	keyOnly := p.qos.KeyFramesOnly()
	lim := p.limiter
	p.mu.Unlock()

	if keyOnly && !s.Flags.Has(sample.KeySample) && !s.Flags.Has(sample.EndOfStream) {
		s.Release()
		p.inner.Request(1) // the filtered frame didn't consume downstream credit
		return
	}
	if !lim.Allow() && !s.Flags.Has(sample.EndOfStream) {
		s.Release()
		p.inner.Request(1)
		return
	}
	if !p.Base.Emit(s) {
		s.Release()
	}
}

// Disconnected implements pin.Sink: the inner source went away.
func (p *ProxySource) Disconnected() {
	p.Base.Disconnect()
}

// UpdateQoS replaces the QoS list applied by this proxy (RequestQoS).
// Applied lazily: it only affects samples received after the call returns.
func (p *ProxySource) UpdateQoS(q qos.List) {
	p.mu.Lock()
	p.qos = q
	p.limiter = qos.NewLimiter(q)
	p.mu.Unlock()
}

// Destroy tears down this proxy and notifies the owning Endpoint.
func (p *ProxySource) Destroy() {
	p.mu.Lock()
	if p.gone {
		p.mu.Unlock()
		return
	}
	p.gone = true
	p.mu.Unlock()
	p.inner.Disconnect()
	p.Base.Disconnect()
	if p.onGone != nil {
		p.onGone()
	}
}

// Endpoint exposes one addressable media source over the RPC contract of
// spec.md §6: RequestConnection/RequestQoS/GetStatistics, backed by a
// SourceFactory and a Negotiator. It implements rpcendpoint.Endpoint.
type Endpoint struct {
	name       string
	factory    SourceFactory
	negotiator *negotiator.Negotiator
	acceptor   *acceptor.Acceptor
	stats      func() rpcendpoint.EndpointStatistics
	log        *slog.Logger

	transient bool
	onEmpty   func()

	mu      sync.Mutex
	proxies map[cookie.Cookie]*ProxySource
}

// Option configures optional Endpoint behavior.
type Option func(*Endpoint)

// Transient marks the endpoint to self-destruct when its last Proxy
// Source is torn down. onDestroy is invoked exactly once, the first time
// the proxy count drops back to zero.
func Transient(onDestroy func()) Option {
	return func(e *Endpoint) {
		e.transient = true
		e.onEmpty = onDestroy
	}
}

// New constructs an Endpoint named name, backed by factory for source
// creation and neg for transport negotiation.
func New(name string, factory SourceFactory, neg *negotiator.Negotiator, acc *acceptor.Acceptor, stats func() rpcendpoint.EndpointStatistics, opts ...Option) *Endpoint {
	e := &Endpoint{
		name:       name,
		factory:    factory,
		negotiator: neg,
		acceptor:   acc,
		stats:      stats,
		proxies:    make(map[cookie.Cookie]*ProxySource),
		log:        logger.Logger().With("component", "endpoint", "endpoint_name", name),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RequestConnection implements rpcendpoint.Endpoint. It builds a fresh
// QoSAwareSource via the factory, wraps it in a Proxy Source, negotiates a
// transport, and — for socket-backed variants — registers a cookie whose
// handler wires the winning socket to an Output Channel feeding the proxy.
func (e *Endpoint) RequestConnection(ctx context.Context, pid uint32, hostID string, sinkPrefs []rpcendpoint.Transport, useAllAddresses bool, q qos.List) (rpcendpoint.ConnectionInfo, cookie.Cookie, error) {
	inner := e.factory.NewSource(q)
	var proxy *ProxySource
	proxy = newProxySource(inner, q, func() { e.forgetProxy(proxy) })

	handler := func(conn net.Conn) {
		if conn == nil {
			e.log.Warn("cookie rendezvous failed, destroying proxy", "endpoint_name", e.name)
			proxy.Destroy()
			return
		}
		out := channel.NewOutput(conn, pin.Unbuffered, func() { proxy.Destroy() })
		proxy.Connect(out)
		go out.PumpCredits(proxy)
	}

	info, c, err := e.negotiator.Negotiate(ctx, pid, hostID, sinkPrefs, useAllAddresses, proxy, handler)
	if err != nil {
		return rpcendpoint.ConnectionInfo{}, cookie.Zero, err
	}

	if c.IsZero() {
		// InProc needs no cookie (the caller holds info.Pointer directly);
		// TransportUnavailable mints no proxy at all. Either way there is
		// no cookie-keyed bookkeeping to do here.
		if info.Transport != rpcendpoint.InProc {
			return info, c, nil
		}
		if info.Pointer == nil {
			proxy.Destroy() // TransportUnavailable: the proxy was never wired
		}
		return info, c, nil
	}

	e.mu.Lock()
	e.proxies[c] = proxy
	e.mu.Unlock()

	return info, c, nil
}

// RequestQoS implements rpcendpoint.Endpoint.
func (e *Endpoint) RequestQoS(ctx context.Context, c cookie.Cookie, q qos.List) error {
	e.mu.Lock()
	proxy, ok := e.proxies[c]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	proxy.UpdateQoS(q)
	return nil
}

// GetStatistics implements rpcendpoint.Endpoint.
func (e *Endpoint) GetStatistics(ctx context.Context) (rpcendpoint.EndpointStatistics, error) {
	if e.stats == nil {
		return rpcendpoint.EndpointStatistics{}, nil
	}
	return e.stats(), nil
}

// ProxyCount reports the number of live Proxy Sources (diagnostics/tests).
func (e *Endpoint) ProxyCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.proxies)
}

func (e *Endpoint) forgetProxy(target *ProxySource) {
	e.mu.Lock()
	if target != nil {
		for c, p := range e.proxies {
			if p == target {
				delete(e.proxies, c)
			}
		}
	}
	empty := len(e.proxies) == 0
	e.mu.Unlock()
	if e.transient && empty && e.onEmpty != nil {
		e.onEmpty()
	}
}
