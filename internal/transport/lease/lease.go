// Package lease implements the Sink Endpoint Lease of spec.md §4.8: a
// priority-aware connection holder exposed to RPC peers (SinkEndpointImpl).
// Exactly one lease is live at a time; higher-priority callers preempt
// lower-priority ones, and the held transport is destroyed exactly once,
// on either watchdog expiry or explicit Destroy.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alxayo/mmtransport/internal/errors"
	"github.com/alxayo/mmtransport/internal/logger"
)

// Priority orders competing lease requests; higher values preempt lower ones.
type Priority int32

// Transport is whatever ConnectByObjectRef built: the only operation the
// lease needs is idempotent teardown.
type Transport interface {
	Destroy()
}

// Factory builds the transport a newly granted lease will own.
type Factory func() (Transport, error)

// watchdog is the sole strong owner of one lease's transport: when its
// timer fires (expiry) or is stopped for preemption/explicit destroy, it
// calls Destroy on the transport exactly once.
type watchdog struct {
	mu        sync.Mutex
	timer     *time.Timer
	transport Transport
	fired     bool
}

func newWatchdog(transport Transport, timeout time.Duration, onExpire func()) *watchdog {
	w := &watchdog{transport: transport}
	w.timer = time.AfterFunc(timeout, func() {
		w.expire()
		onExpire()
	})
	return w
}

func (w *watchdog) expire() {
	w.mu.Lock()
	if w.fired {
		w.mu.Unlock()
		return
	}
	w.fired = true
	t := w.transport
	w.mu.Unlock()
	if t != nil {
		t.Destroy()
	}
}

// cancel stops the timer and, if the timer had not already fired,
// destroys the transport immediately (preemption or explicit destroy).
func (w *watchdog) cancel() {
	w.timer.Stop()
	w.expire()
}

func (w *watchdog) reset(d time.Duration) {
	w.timer.Reset(d)
}

// handle identifies one granted lease to its holder; generated from a
// random seed so handles are unguessable across lease generations.
type handle int32

func newHandle() handle {
	var b [4]byte
	_, _ = rand.Read(b[:])
	v := int32(binary.BigEndian.Uint32(b[:]))
	if v == 0 {
		v = 1
	}
	return handle(v)
}

// current is the active lease's bookkeeping.
type current struct {
	h        handle
	priority Priority
	wd       *watchdog
}

// Lease is the RPC-visible keep-alive holder of at most one live transport
// at a time (spec.md §4.8, §6 "SinkEndpoint").
type Lease struct {
	keepAliveMillis int32
	log             *slog.Logger

	mu   sync.Mutex
	live *current
}

// New constructs a Lease whose KeepAliveMilliseconds() advertises
// keepAliveMillis to RPC peers deciding their keepAlive cadence.
func New(keepAliveMillis int32) *Lease {
	return &Lease{
		keepAliveMillis: keepAliveMillis,
		log:             logger.Logger().With("component", "sink_endpoint_lease"),
	}
}

// Create grants a new lease at priority, preempting any existing lease of
// strictly lower priority. Fails InvalidOperation if an existing lease has
// priority >= the requested one. timeout arms the watchdog; it is renewed
// by KeepAlive.
func (l *Lease) Create(ctx context.Context, factory Factory, priority Priority, timeout time.Duration) (int32, error) {
	l.mu.Lock()
	if l.live != nil && l.live.priority >= priority {
		l.mu.Unlock()
		return 0, errors.NewInvalidOperation("lease.create", fmt.Errorf("existing lease has priority %d >= requested %d", l.live.priority, priority))
	}
	preempted := l.live
	l.live = nil
	l.mu.Unlock()

	if preempted != nil {
		preempted.wd.cancel()
	}

	transport, err := factory()
	if err != nil {
		return 0, errors.NewTransportUnavailable("lease.create", err)
	}

	h := newHandle()
	l.mu.Lock()
	c := &current{h: h, priority: priority}
	c.wd = newWatchdog(transport, timeout, func() { l.onExpire(h) })
	l.live = c
	l.mu.Unlock()

	return int32(h), nil
}

func (l *Lease) onExpire(h handle) {
	l.mu.Lock()
	if l.live != nil && l.live.h == h {
		l.live = nil
	}
	l.mu.Unlock()
	l.log.Info("lease watchdog expired", "handle", h)
}

// KeepAlive resets the watchdog for the lease identified by h. Fails
// InvalidOperation if h does not match the current lease.
func (l *Lease) KeepAlive(ctx context.Context, h int32) error {
	l.mu.Lock()
	c := l.live
	l.mu.Unlock()
	if c == nil || c.h != handle(h) {
		return errors.NewInvalidOperation("lease.keepAlive", fmt.Errorf("handle %d does not match current lease", h))
	}
	c.wd.reset(l.keepAliveTimeout())
	return nil
}

// keepAliveTimeout mirrors the cadence advertised via
// KeepAliveMilliseconds, scaled by a small multiple to tolerate one missed
// beat before expiry.
func (l *Lease) keepAliveTimeout() time.Duration {
	return time.Duration(l.keepAliveMillis) * time.Millisecond * 3
}

// Destroy validates h, cancels the watchdog (destroying the transport),
// and clears the lease. Fails InvalidOperation on a stale/unknown handle.
func (l *Lease) Destroy(ctx context.Context, h int32) error {
	l.mu.Lock()
	c := l.live
	if c == nil || c.h != handle(h) {
		l.mu.Unlock()
		return errors.NewInvalidOperation("lease.destroy", fmt.Errorf("handle %d does not match current lease", h))
	}
	l.live = nil
	l.mu.Unlock()

	c.wd.cancel()
	return nil
}

// IsBusy reports whether a lease exists with priority >= the given one.
func (l *Lease) IsBusy(priority Priority) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live != nil && l.live.priority >= priority
}

// KeepAliveMilliseconds implements rpcendpoint.SinkEndpoint.
func (l *Lease) KeepAliveMilliseconds() int32 { return l.keepAliveMillis }
