// Package stats implements the Statistics Collector of spec.md §4.10: an
// observer that is handed every passing sample through Observe,
// maintains a sliding window of derived metrics, and periodically emits a
// datapoint per metric to an external aggregator.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/alxayo/mmtransport/internal/transport/sample"
)

// WindowSampleCount and WindowDuration bound one statistics window: it
// closes at 250 samples or 15 seconds, whichever comes first (spec.md §4.10).
const (
	WindowSampleCount = 250
	WindowDuration    = 15 * time.Second
)

// AggregatorTTL is the freshness the Collector advertises to the external
// aggregator on every emitted datapoint (spec.md §4.10).
const AggregatorTTL = 30 * time.Second

// Metrics is one window's derived statistics.
type Metrics struct {
	FPS          float64
	Bitrate      float64
	Width        int
	Height       int
	MediaType    uint32
	StreamType   uint32
	KeyFrameFPS  float64
	HaveKeyFrame bool
}

// Aggregator is the external sink for emitted datapoints; a metric name
// keys each point (e.g. "fps", "bitrate", "key_frame_fps").
type Aggregator interface {
	Emit(ctx context.Context, endpointName, metric string, value float64, ttl time.Duration)
}

// Collector observes samples and periodically emits windowed metrics. It
// is not itself a pin.Sink/pin.Source: embed it at any point in a pull
// chain and call Observe for every sample that passes through.
type Collector struct {
	endpointName string
	aggregator   Aggregator
	now          func() time.Time

	mu             sync.Mutex
	windowStart    time.Time
	count          int
	keyCount       int
	bodyBytes      int64
	width, height  int
	mediaType      uint32
	streamType     uint32
	haveStreamType bool
}

// New constructs a Collector that labels emitted datapoints with
// endpointName. now defaults to time.Now; tests may override it.
func New(endpointName string, aggregator Aggregator, now func() time.Time) *Collector {
	if now == nil {
		now = time.Now
	}
	return &Collector{
		endpointName: endpointName,
		aggregator:   aggregator,
		now:          now,
		windowStart:  now(),
	}
}

// Observe records one passing sample's contribution to the current
// window, closing (and emitting) the window when it reaches
// WindowSampleCount or WindowDuration, and emitting immediately on a
// stream-type change (spec.md §4.10).
func (c *Collector) Observe(ctx context.Context, s *sample.Sample) {
	now := c.now()

	c.mu.Lock()
	streamType := uint32(s.Subtype)
	streamChanged := c.haveStreamType && streamType != c.streamType

	c.count++
	c.bodyBytes += int64(len(s.Body))
	if s.Flags.Has(sample.KeySample) {
		c.keyCount++
	}
	if w, h, ok := s.Geometry(); ok {
		c.width, c.height = w, h
	}
	c.mediaType = uint32(s.Major)
	c.streamType = streamType
	c.haveStreamType = true

	elapsed := now.Sub(c.windowStart)
	shouldClose := streamChanged || c.count >= WindowSampleCount || elapsed >= WindowDuration
	var m Metrics
	if shouldClose {
		m = c.closeWindowLocked(now)
	}
	c.mu.Unlock()

	if shouldClose {
		c.emit(ctx, m)
	}
}

// closeWindowLocked computes the current window's Metrics and resets
// accumulation state for the next window. Caller must hold c.mu.
func (c *Collector) closeWindowLocked(now time.Time) Metrics {
	elapsed := now.Sub(c.windowStart)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	m := Metrics{
		FPS:        float64(c.count) / elapsed.Seconds(),
		Bitrate:    float64(c.bodyBytes) * 8000 / float64(elapsed.Milliseconds()),
		Width:      c.width,
		Height:     c.height,
		MediaType:  c.mediaType,
		StreamType: c.streamType,
	}
	if c.count > 0 {
		m.KeyFrameFPS = float64(c.keyCount) / elapsed.Seconds()
		m.HaveKeyFrame = c.keyCount > 0
	}

	c.windowStart = now
	c.count = 0
	c.keyCount = 0
	c.bodyBytes = 0
	return m
}

func (c *Collector) emit(ctx context.Context, m Metrics) {
	if c.aggregator == nil {
		return
	}
	c.aggregator.Emit(ctx, c.endpointName, "fps", m.FPS, AggregatorTTL)
	c.aggregator.Emit(ctx, c.endpointName, "bitrate", m.Bitrate, AggregatorTTL)
	c.aggregator.Emit(ctx, c.endpointName, "width", float64(m.Width), AggregatorTTL)
	c.aggregator.Emit(ctx, c.endpointName, "height", float64(m.Height), AggregatorTTL)
	c.aggregator.Emit(ctx, c.endpointName, "media_type", float64(m.MediaType), AggregatorTTL)
	c.aggregator.Emit(ctx, c.endpointName, "stream_type", float64(m.StreamType), AggregatorTTL)
	if m.HaveKeyFrame {
		c.aggregator.Emit(ctx, c.endpointName, "key_frame_fps", m.KeyFrameFPS, AggregatorTTL)
	}
}

// Snapshot force-closes the in-progress window and returns its metrics,
// without emitting to the aggregator (diagnostics/tests).
func (c *Collector) Snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeWindowLocked(c.now())
}
