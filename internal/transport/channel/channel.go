package channel

import (
	"log/slog"
	"net"
	"sync"

	"github.com/alxayo/mmtransport/internal/logger"
	"github.com/alxayo/mmtransport/internal/transport/pin"
	"github.com/alxayo/mmtransport/internal/transport/sample"
)

// AllocatorTagged is implemented by a net.Conn that carries the id of the
// shared-memory allocator backing the samples it will move, so NewOutput
// can embed that id in every outgoing message. TagAllocatorID produces one.
type AllocatorTagged interface {
	AllocatorID() (id [16]byte, ok bool)
}

// TagAllocatorID wraps conn so NewOutput embeds id in every sample it
// writes (spec.md §4.6: "Local (shared memory) Output channels additionally
// embed allocator-id metadata ... so the peer may map the sample body by
// reference rather than copy"). Used only for Local-transport channels.
func TagAllocatorID(conn net.Conn, id [16]byte) net.Conn {
	return &allocatorTaggedConn{Conn: conn, id: id}
}

type allocatorTaggedConn struct {
	net.Conn
	id [16]byte
}

func (c *allocatorTaggedConn) AllocatorID() ([16]byte, bool) { return c.id, true }

// Output is the source-side companion class: it exposes a sink pin fed by
// the local Proxy Source, writes each received sample onto the wire, and
// pumps inbound credit frames back into the upstream source (spec.md §4.6).
type Output struct {
	conn        net.Conn
	policy      pin.BufferingPolicy
	allocatorID *[16]byte
	log         *slog.Logger

	mu           sync.Mutex
	disconnected bool
	onDisconnect func()
}

// NewOutput wraps conn as an Output Channel. onDisconnect fires exactly
// once, on the first irrecoverable write/read failure or explicit
// Disconnected. If conn satisfies AllocatorTagged (a Local channel), every
// sample written carries that allocator's id as an extension header.
func NewOutput(conn net.Conn, policy pin.BufferingPolicy, onDisconnect func()) *Output {
	o := &Output{
		conn:         conn,
		policy:       policy,
		onDisconnect: onDisconnect,
		log:          logger.Logger().With("component", "channel.output", "peer", conn.RemoteAddr().String()),
	}
	if tagged, ok := conn.(AllocatorTagged); ok {
		if id, present := tagged.AllocatorID(); present {
			o.allocatorID = &id
		}
	}
	return o
}

// Receive implements pin.Sink: encode and write s. EndOfStream is written
// unchanged and no error recovery is attempted past it, per spec.md §4.6.
func (o *Output) Receive(s *sample.Sample) {
	defer s.Release()
	if err := encodeSample(o.conn, s, o.allocatorID); err != nil {
		o.log.Warn("output channel write failed", "error", err)
		o.fireDisconnect()
	}
}

// Disconnected implements pin.Sink: the upstream source went away.
func (o *Output) Disconnected() {
	o.conn.Close()
	o.fireDisconnect()
}

func (o *Output) fireDisconnect() {
	o.mu.Lock()
	if o.disconnected {
		o.mu.Unlock()
		return
	}
	o.disconnected = true
	cb := o.onDisconnect
	o.mu.Unlock()
	o.conn.Close()
	if cb != nil {
		cb()
	}
}

// PumpCredits blocks reading credit frames off the wire and forwards them
// to upstream.Request until the connection errors or closes. Callers run
// this in its own goroutine per Output Channel.
func (o *Output) PumpCredits(upstream pin.Source) {
	for {
		f, err := readFrame(o.conn, nil)
		if err != nil {
			o.fireDisconnect()
			return
		}
		if f.kind == frameCredit {
			upstream.Request(f.credit)
		}
	}
}

// Close releases the underlying socket without signalling disconnect
// (used when the owning Proxy Source is torn down deliberately).
func (o *Output) Close() error { return o.conn.Close() }

// Input is the sink-side companion class: it exposes a source pin (via
// embedded pin.Base) representing the remote Proxy Source, pumps sample
// frames off the wire into that pin, and forwards credit requests upstream.
type Input struct {
	pin.Base
	conn net.Conn
	log  *slog.Logger

	mu         sync.Mutex
	releasedCB func(*sample.Sample)
}

// NewInput wraps conn as an Input Channel.
func NewInput(conn net.Conn) *Input {
	in := &Input{
		conn: conn,
		log:  logger.Logger().With("component", "channel.input", "peer", conn.RemoteAddr().String()),
	}
	in.OnDisconnect(func() { conn.Close() })
	return in
}

// Request implements pin.Source: propagate credit upstream over the wire
// in addition to the local bookkeeping pin.Base performs.
func (in *Input) Request(n int64) {
	in.Base.Request(n)
	if err := encodeCredit(in.conn, n); err != nil {
		in.log.Warn("failed to write credit frame", "error", err)
		in.Disconnect()
	}
}

// Pump blocks reading sample frames off the wire and emits each to the
// connected Sink until the connection errors or closes, at which point
// Disconnect is called (firing OnNetworkDisconnect exactly once).
func (in *Input) Pump() {
	for {
		f, err := readFrame(in.conn, nil)
		if err != nil {
			in.log.Debug("input channel pump ending", "error", err)
			in.Disconnect()
			return
		}
		if f.kind == frameSample {
			if !in.Emit(f.sample) {
				// Credit was exhausted or no sink connected yet: the
				// protocol contract guarantees the peer never emits
				// beyond issued credit, so this indicates EndOfStream
				// bypass or a disconnected sink; drop the sample.
				f.sample.Release()
			}
		}
	}
}
