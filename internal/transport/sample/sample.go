// Package sample defines the reference-counted media buffer that flows
// through every pull-style connection in the transport plane.
package sample

import (
	"sync/atomic"
	"time"
)

// Flags is a bitset carried by every Sample.
type Flags uint32

const (
	// KeySample marks a frame that can be decoded without prior reference frames.
	KeySample Flags = 1 << iota
	// Preroll marks output preceding the first "visible" frame after a seek;
	// sinks typically discard these.
	Preroll
	// Discontinuity marks the first sample after any break in the stream
	// (reconnect, adaptive switch, seek, source change).
	Discontinuity
	// InitData marks a sample carrying decoder initialization data (e.g. SPS/PPS).
	InitData
	// EndOfStream marks the final sample of a session; no further samples
	// follow until a Discontinuity.
	EndOfStream
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// HeaderID identifies an extension header attached to a Sample, fourcc-style.
type HeaderID uint32

// SessionIDHeader carries the 32-bit session id assigned by the Sequence
// Planner; samples whose session id does not match the planner's current
// session are stale and must be dropped by the receiver.
const SessionIDHeader HeaderID = 0x53455353 // "SESS"

// GeometryHeader carries the frame's width/height as two big-endian
// uint16s, when the producer knows it (video samples); the Statistics
// Collector reads it to populate Endpoint Statistics.
const GeometryHeader HeaderID = 0x47454f4d // "GEOM"

// AllocatorIDHeader carries the 16-byte id of the shared-memory allocator
// that owns a sample's body, present only on samples that crossed a Local
// (shared memory) Output Channel; the peer may use it to map the body by
// reference instead of copying it.
const AllocatorIDHeader HeaderID = 0x414c4f43 // "ALOC"

// TypeCode identifies a codec family (major) or its variant (subtype).
type TypeCode uint32

// Sample is an opaque, reference-counted buffer. Once published (handed to
// a pin's Receive), it must not be mutated by anyone but the allocator that
// owns its body; it is safe to pass across goroutines.
type Sample struct {
	Timestamp time.Duration // monotonic, nanosecond-resolution within a session
	Body      []byte        // view into the owning allocator's slab
	Flags     Flags
	Major     TypeCode
	Subtype   TypeCode

	headers map[HeaderID][]byte

	refs     *int32
	release  func(*Sample)
	released atomic.Bool
}

// New wraps body (owned by release's allocator) into a fresh Sample with a
// single reference. release is invoked exactly once, when the last
// reference is dropped via Release.
func New(body []byte, ts time.Duration, flags Flags, release func(*Sample)) *Sample {
	refs := int32(1)
	return &Sample{
		Timestamp: ts,
		Body:      body,
		Flags:     flags,
		refs:      &refs,
		release:   release,
	}
}

// Retain increments the reference count and returns the same Sample for
// convenient chaining (s := src.Retain()).
func (s *Sample) Retain() *Sample {
	if s == nil {
		return nil
	}
	atomic.AddInt32(s.refs, 1)
	return s
}

// Release decrements the reference count; the underlying body is returned to
// its allocator exactly once, when the count reaches zero. Calling Release
// past that point is a no-op (double-release is a programming error that is
// tolerated, not panicked, per the transport plane's error policy).
func (s *Sample) Release() {
	if s == nil || s.refs == nil {
		return
	}
	if atomic.AddInt32(s.refs, -1) > 0 {
		return
	}
	if s.released.CompareAndSwap(false, true) && s.release != nil {
		s.release(s)
	}
}

// SetHeader attaches an extension header. Must only be called by the
// producer before the sample is handed to Receive.
func (s *Sample) SetHeader(id HeaderID, value []byte) {
	if s.headers == nil {
		s.headers = make(map[HeaderID][]byte)
	}
	s.headers[id] = value
}

// Header returns the extension header value and whether it was present.
func (s *Sample) Header(id HeaderID) ([]byte, bool) {
	if s.headers == nil {
		return nil, false
	}
	v, ok := s.headers[id]
	return v, ok
}

// SessionID reads the SessionIDHeader as a uint32, returning (0, false) if absent.
func (s *Sample) SessionID() (uint32, bool) {
	b, ok := s.Header(SessionIDHeader)
	if !ok || len(b) != 4 {
		return 0, false
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), true
}

// SetSessionID attaches/overwrites the SessionIDHeader.
func (s *Sample) SetSessionID(id uint32) {
	s.SetHeader(SessionIDHeader, []byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)})
}

// SetGeometry attaches/overwrites the GeometryHeader.
func (s *Sample) SetGeometry(w, h int) {
	s.SetHeader(GeometryHeader, []byte{byte(w >> 8), byte(w), byte(h >> 8), byte(h)})
}

// Geometry reads the GeometryHeader, returning (0, 0, false) if absent.
func (s *Sample) Geometry() (w, h int, ok bool) {
	b, ok := s.Header(GeometryHeader)
	if !ok || len(b) != 4 {
		return 0, 0, false
	}
	return int(b[0])<<8 | int(b[1]), int(b[2])<<8 | int(b[3]), true
}

// AllocatorID reads the AllocatorIDHeader, returning (zero, false) if absent.
func (s *Sample) AllocatorID() (id [16]byte, ok bool) {
	b, ok := s.Header(AllocatorIDHeader)
	if !ok || len(b) != 16 {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// SetAllocatorID attaches/overwrites the AllocatorIDHeader.
func (s *Sample) SetAllocatorID(id [16]byte) {
	v := make([]byte, 16)
	copy(v, id[:])
	s.SetHeader(AllocatorIDHeader, v)
}

// Clone produces an independent copy of the sample's metadata and body,
// backed by a fresh, non-pooled allocation, so the copy shares no buffer
// with the original.
func (s *Sample) Clone() *Sample {
	body := make([]byte, len(s.Body))
	copy(body, s.Body)
	refs := int32(1)
	out := &Sample{
		Timestamp: s.Timestamp,
		Body:      body,
		Flags:     s.Flags,
		Major:     s.Major,
		Subtype:   s.Subtype,
		refs:      &refs,
	}
	if len(s.headers) > 0 {
		out.headers = make(map[HeaderID][]byte, len(s.headers))
		for k, v := range s.headers {
			cp := make([]byte, len(v))
			copy(cp, v)
			out.headers[k] = cp
		}
	}
	return out
}
