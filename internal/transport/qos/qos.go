// Package qos models the tagged Quality-of-Service request sequence
// attached to a connection at creation and updatable at any time by the
// sink (spec.md §3 "QoS"). Requests are modeled as a closed set of Go
// structs implementing a marker interface rather than a discriminated
// union with runtime reflection, per spec.md §9's "avoid runtime
// reflection" design note.
package qos

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Request is a single tagged QoS entry. The concrete types below are the
// only implementations; a type switch on Request is the intended match
// construct (mirrors a visitor without reflection).
type Request interface {
	qosRequest()
}

// OnlyKeyFrames restricts delivery to key samples when Enabled is true.
type OnlyKeyFrames struct{ Enabled bool }

// FrameRate caps delivery to at most FPS frames per second.
type FrameRate struct{ FPS float64 }

// FrameGeometry requests a source whose frame size is closest to W×H.
type FrameGeometry struct{ W, H int }

// Buffer requests the source retain Duration of look-back, starting
// StartOffset before "now" when first applied.
type Buffer struct {
	Duration    time.Duration
	StartOffset time.Duration
}

// StartFrom requests playback begin at the given archived timestamp.
type StartFrom struct{ Timestamp time.Time }

// DecoderRequirements pins decode affinity; masks are bitmasks of
// acceptable device types/ids, 0 meaning "no preference".
type DecoderRequirements struct {
	DeviceTypeMask  uint32
	DeviceIDMask    uint64
	MemoryTypeMask  uint32
	TargetProcessID uint32
}

// PlaybackDepth requests the sink be fed Seconds of buffered depth before
// the Sequence Planner begins advancing playback position.
type PlaybackDepth struct{ Seconds float64 }

func (OnlyKeyFrames) qosRequest()       {}
func (FrameRate) qosRequest()           {}
func (FrameGeometry) qosRequest()       {}
func (Buffer) qosRequest()              {}
func (StartFrom) qosRequest()           {}
func (DecoderRequirements) qosRequest() {}
func (PlaybackDepth) qosRequest()       {}

// List is an ordered QoS request sequence as attached to a connection.
// Later entries of the same kind override earlier ones when applied via
// Limiter/Viewport/etc. helpers below.
type List []Request

// Viewport returns the most recently requested FrameGeometry, or (0,0,false)
// if none is present. An empty viewport (W==0 || H==0) selects the lowest
// quality sink per spec.md §4's adaptive-source selection algorithm.
func (l List) Viewport() (w, h int, ok bool) {
	for i := len(l) - 1; i >= 0; i-- {
		if g, match := l[i].(FrameGeometry); match {
			return g.W, g.H, true
		}
	}
	return 0, 0, false
}

// KeyFramesOnly reports the most recently requested OnlyKeyFrames value.
func (l List) KeyFramesOnly() bool {
	for i := len(l) - 1; i >= 0; i-- {
		if k, match := l[i].(OnlyKeyFrames); match {
			return k.Enabled
		}
	}
	return false
}

// FrameRateLimit returns the most recently requested FrameRate, or
// (0, false) if uncapped.
func (l List) FrameRateLimit() (fps float64, ok bool) {
	for i := len(l) - 1; i >= 0; i-- {
		if f, match := l[i].(FrameRate); match {
			return f.FPS, true
		}
	}
	return 0, false
}

// Decoder returns the most recently requested DecoderRequirements.
func (l List) Decoder() (DecoderRequirements, bool) {
	for i := len(l) - 1; i >= 0; i-- {
		if d, match := l[i].(DecoderRequirements); match {
			return d, true
		}
	}
	return DecoderRequirements{}, false
}

// Equivalent reports whether two QoS lists would drive the same source
// selection: same viewport, same key-frame-only flag, and frame rates
// within 5% of each other's (per spec.md §4's "differs enough" switch
// threshold — duplicated here as the comparison primitive the Adaptive
// Source's selection loop calls on every QoS change and CHECK_PERIOD tick).
func Equivalent(a, b List) bool {
	aw, ah, aok := a.Viewport()
	bw, bh, bok := b.Viewport()
	if aok != bok || aw != bw || ah != bh {
		return false
	}
	if a.KeyFramesOnly() != b.KeyFramesOnly() {
		return false
	}
	afps, aHas := a.FrameRateLimit()
	bfps, bHas := b.FrameRateLimit()
	if aHas != bHas {
		return false
	}
	if aHas && bHas {
		diff := afps - bfps
		if diff < 0 {
			diff = -diff
		}
		if diff > 0.05*bfps {
			return false
		}
	}
	return true
}

// Limiter enforces a FrameRate QoS entry using a token-bucket rate
// limiter. It is rebuilt whenever the FrameRate request changes.
type Limiter struct {
	fps float64
	rl  *rate.Limiter
}

// NewLimiter builds a Limiter for the given QoS list. If no FrameRate
// entry is present, the returned Limiter never throttles.
func NewLimiter(l List) *Limiter {
	fps, ok := l.FrameRateLimit()
	if !ok || fps <= 0 {
		return &Limiter{fps: 0}
	}
	return &Limiter{
		fps: fps,
		rl:  rate.NewLimiter(rate.Limit(fps), 1),
	}
}

// Allow reports whether a sample may be emitted now without exceeding the
// configured frame rate. Uncapped limiters always allow.
func (l *Limiter) Allow() bool {
	if l == nil || l.rl == nil {
		return true
	}
	return l.rl.Allow()
}

// FPS returns the configured cap, or 0 if uncapped.
func (l *Limiter) FPS() float64 {
	if l == nil {
		return 0
	}
	return l.fps
}

func (r DecoderRequirements) String() string {
	return fmt.Sprintf("DecoderRequirements{devType=%#x devId=%#x mem=%#x pid=%d}",
		r.DeviceTypeMask, r.DeviceIDMask, r.MemoryTypeMask, r.TargetProcessID)
}
