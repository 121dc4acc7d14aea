// Package pin defines the directional connection halves ("pull pins") that
// every transport variant ultimately wraps: a source pin that accumulates
// credit and emits samples up to that credit, and a sink pin that receives
// them. Connecting two pins is idempotent; either side may disconnect.
package pin

import (
	"sync"
	"sync/atomic"

	"github.com/alxayo/mmtransport/internal/transport/sample"
)

// Sink is the downstream half of a connection: it receives samples and is
// notified of disconnection.
type Sink interface {
	// Receive delivers the next sample. The sink takes ownership of one
	// reference; it must call s.Release() when done with it.
	Receive(s *sample.Sample)
	// Disconnected is invoked exactly once when the upstream source goes away.
	Disconnected()
}

// Source is the upstream half of a connection: it accumulates credit and
// emits at most that many samples to its connected Sink.
type Source interface {
	// Request adds n to the outstanding credit. n must be >= 0.
	Request(n int64)
	// Connect attaches (or idempotently re-attaches) a Sink. Returns false
	// if the source is already disconnected/destroyed.
	Connect(s Sink) bool
	// Disconnect detaches the current Sink, if any. Idempotent.
	Disconnect()
}

// CreditCounter is an atomic, never-negative credit ledger shared by Source
// implementations across the transport variants (in-proc, TCP, UDP, ...).
// Credits accumulate and never go negative, per spec.md §3.
type CreditCounter struct {
	v int64
}

// Add increases the counter by n (n may be negative, e.g. when a sample is
// emitted, but the result is clamped at zero so the counter never underflows
// below the back-pressure invariant).
func (c *CreditCounter) Add(n int64) {
	for {
		old := atomic.LoadInt64(&c.v)
		next := old + n
		if next < 0 {
			next = 0
		}
		if atomic.CompareAndSwapInt64(&c.v, old, next) {
			return
		}
	}
}

// TryConsume attempts to spend one credit; reports whether one was available.
func (c *CreditCounter) TryConsume() bool {
	for {
		old := atomic.LoadInt64(&c.v)
		if old <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&c.v, old, old-1) {
			return true
		}
	}
}

// Value returns the current outstanding credit (diagnostics/tests only).
func (c *CreditCounter) Value() int64 { return atomic.LoadInt64(&c.v) }

// BufferingPolicy names a channel's framing mode: Buffered (coalesce small
// frames) or Unbuffered (forward every credit immediately). channel.Output
// stores the policy but does not read it: under either value it writes
// each sample and forwards each credit as soon as it arrives.
type BufferingPolicy int

const (
	Unbuffered BufferingPolicy = iota
	Buffered
)

// Base is an embeddable helper implementing the common bookkeeping every
// concrete Source (in-proc pointer, TCP/UDP/multicast channel wrapper,
// Proxy Source) needs: a single connected Sink, a credit counter, and a
// one-shot disconnect callback. Concrete types embed Base and supply their
// own sample-pumping logic.
type Base struct {
	mu      sync.Mutex
	sink    Sink
	Credit  CreditCounter
	onDrop  func()
	dropped bool
}

// Connect idempotently attaches sink. Returns false if already dropped.
func (b *Base) Connect(s Sink) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped {
		return false
	}
	b.sink = s
	return true
}

// Disconnect detaches the sink and fires the network-disconnect callback
// exactly once.
func (b *Base) Disconnect() {
	b.mu.Lock()
	if b.dropped {
		b.mu.Unlock()
		return
	}
	b.dropped = true
	s := b.sink
	b.sink = nil
	cb := b.onDrop
	b.mu.Unlock()
	if s != nil {
		s.Disconnected()
	}
	if cb != nil {
		cb()
	}
}

// OnDisconnect registers the callback invoked by Disconnect. Only the first
// registration sticks (mirrors OnNetworkDisconnect's "invoked exactly once"
// contract — there is exactly one owner per channel).
func (b *Base) OnDisconnect(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.onDrop == nil {
		b.onDrop = fn
	}
}

// Emit delivers s to the connected sink if one exists and credit allows it;
// reports whether the sample was delivered. Callers (the concrete transport
// pump loops) are responsible for not calling Emit more often than credits
// issued — Emit enforces this by consuming one credit per call.
func (b *Base) Emit(s *sample.Sample) bool {
	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	if sink == nil {
		return false
	}
	if !s.Flags.Has(sample.EndOfStream) && !b.Credit.TryConsume() {
		return false
	}
	sink.Receive(s)
	return true
}

// Request adds credit.
func (b *Base) Request(n int64) { b.Credit.Add(n) }
