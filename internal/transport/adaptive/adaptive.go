// Package adaptive implements the Adaptive Source of spec.md §4.7: given
// an ordered list of alternative source endpoints ("streamings"), it
// maintains one internal sink per alternative, periodically refreshes
// their statistics, and exposes a single pull-style source pin that always
// forwards from whichever alternative currently best matches the
// downstream QoS, switching between them with a two-sink crossfade so the
// reconnect latency never reaches the downstream sink.
package adaptive

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alxayo/mmtransport/internal/logger"
	"github.com/alxayo/mmtransport/internal/rpcendpoint"
	"github.com/alxayo/mmtransport/internal/transport/initiator"
	"github.com/alxayo/mmtransport/internal/transport/pin"
	"github.com/alxayo/mmtransport/internal/transport/qos"
	"github.com/alxayo/mmtransport/internal/transport/sample"
	"github.com/alxayo/mmtransport/internal/transport/sink"
)

// CheckPeriod is how often CSink statistics are refreshed and the
// selection algorithm is re-run (spec.md §4.7).
const CheckPeriod = 35 * time.Second

// crossfadeGrace bounds how long a switch waits for the incoming
// alternative's first sample before giving up on it: CAdaptiveSource.cpp
// enforces this as a timeout rather than an unbounded wait, so a stalled
// candidate can never wedge the crossfade (original_source/DeviceIpint_3).
const crossfadeGrace = 2 * time.Second

// Alternative names one candidate source endpoint the Adaptive Source may
// select among.
type Alternative struct {
	Name   string
	Target rpcendpoint.Endpoint
}

// nativeStats is the cached {width,height,fps,bitrate} snapshot of one
// alternative, refreshed every CheckPeriod.
type nativeStats struct {
	width, height int
	fps, bitrate  float64
	have          bool
}

// CSink owns one alternative's Sink Endpoint and its most recently
// observed statistics.
type CSink struct {
	name   string
	target rpcendpoint.Endpoint

	mu    sync.Mutex
	stats nativeStats
	se    *sink.SinkEndpoint
}

func (c *CSink) refreshStats(ctx context.Context) {
	st, err := c.target.GetStatistics(ctx)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.stats = nativeStats{width: st.Width, height: st.Height, fps: st.FPS, bitrate: st.Bitrate, have: true}
	c.mu.Unlock()
}

func (c *CSink) snapshot() nativeStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *CSink) area() int {
	s := c.snapshot()
	return s.width * s.height
}

// Source is the Adaptive Source: a pull-style pin.Source that forwards
// samples from the currently selected alternative.
type Source struct {
	pin.Base

	alts      []*CSink
	initiator *initiator.Initiator
	pid       uint32
	hostID    string
	log       *slog.Logger

	mu              sync.Mutex
	qos             qos.List
	current         *CSink
	incoming        *CSink
	incomingGen     uint64
	switchRequested bool

	cancel context.CancelFunc
}

// Config supplies the immutable parameters of one Adaptive Source.
type Config struct {
	Alternatives []Alternative
	Initiator    *initiator.Initiator
	Pid          uint32
	HostID       string
}

// New constructs an Adaptive Source over the given alternatives, in
// preference/declaration order. Call Start to begin periodic evaluation.
func New(cfg Config, q qos.List) *Source {
	alts := make([]*CSink, 0, len(cfg.Alternatives))
	for _, a := range cfg.Alternatives {
		alts = append(alts, &CSink{name: a.Name, target: a.Target})
	}
	return &Source{
		alts:      alts,
		initiator: cfg.Initiator,
		pid:       cfg.Pid,
		hostID:    cfg.HostID,
		qos:       q,
		log:       logger.Logger().With("component", "adaptive_source"),
	}
}

// Start launches the periodic statistics-refresh/reevaluate loop and
// performs an initial selection immediately.
func (s *Source) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.refreshAll(runCtx)
	s.reevaluate(runCtx, true)
	go s.loop(runCtx)
}

// Stop halts the periodic loop and disconnects every alternative.
func (s *Source) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	for _, c := range s.alts {
		c.mu.Lock()
		se := c.se
		c.mu.Unlock()
		if se != nil {
			se.Destroy()
		}
	}
}

// UpdateQoS applies a new downstream QoS request and forces an immediate
// reevaluation (a QoS change always forces a switch per spec.md §4.7).
func (s *Source) UpdateQoS(ctx context.Context, q qos.List) {
	s.mu.Lock()
	s.qos = q
	s.mu.Unlock()
	s.reevaluate(ctx, true)
}

// Request implements pin.Source: forward credit to whichever alternatives
// are currently feeding the crossfade (one or two).
func (s *Source) Request(n int64) {
	s.Base.Request(n)
	s.mu.Lock()
	cur, inc := s.current, s.incoming
	s.mu.Unlock()
	if cur != nil {
		cur.requestCredit(n)
	}
	if inc != nil {
		inc.requestCredit(n)
	}
}

func (c *CSink) requestCredit(n int64) {
	c.mu.Lock()
	se := c.se
	c.mu.Unlock()
	if se != nil {
		se.Request(n)
	}
}

func (s *Source) loop(ctx context.Context) {
	ticker := time.NewTicker(CheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshAll(ctx)
			s.reevaluate(ctx, false)
		}
	}
}

func (s *Source) refreshAll(ctx context.Context) {
	for _, c := range s.alts {
		c.refreshStats(ctx)
	}
}

// fpsFactor ensures 2fps beats 1fps and 0.5fps beats 0.2fps with the same
// comparison arithmetic (spec.md §4.7).
func fpsFactor(fps float64) float64 {
	if fps >= 1 {
		return math.Round(fps)
	}
	if fps <= 0 {
		return 0
	}
	return math.Round(-1 / fps)
}

// differsEnough reports whether candidate differs from current enough to
// warrant an immediate switch: different size, different fps factor, or a
// bitrate delta exceeding 5% of current's bitrate.
func differsEnough(current, candidate nativeStats) bool {
	if !current.have {
		return true
	}
	if current.width != candidate.width || current.height != candidate.height {
		return true
	}
	if fpsFactor(current.fps) != fpsFactor(candidate.fps) {
		return true
	}
	if current.bitrate > 0 && math.Abs(candidate.bitrate-current.bitrate) > 0.05*current.bitrate {
		return true
	}
	return false
}

// selectBest implements spec.md §4.7's selection algorithm over the
// current statistics snapshot of every alternative.
func selectBest(alts []*CSink, vw, vh int, haveViewport bool) *CSink {
	if len(alts) == 0 {
		return nil
	}
	if !haveViewport {
		best := alts[0]
		bestStats := best.snapshot()
		for _, c := range alts[1:] {
			cs := c.snapshot()
			if betterLowQuality(cs, bestStats) {
				best, bestStats = c, cs
			}
		}
		return best
	}

	ordered := make([]*CSink, len(alts))
	copy(ordered, alts)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].area() < ordered[j].area() })

	for _, c := range ordered {
		st := c.snapshot()
		if !st.have || st.width == 0 || st.height == 0 {
			continue
		}
		scale := math.Max(float64(vw)/float64(st.width), float64(vh)/float64(st.height))
		fitW := float64(st.width) * scale
		fitH := float64(st.height) * scale
		if 1.1*float64(st.width) >= fitW && 1.1*float64(st.height) >= fitH {
			return c
		}
	}
	return ordered[len(ordered)-1] // fall back to the largest
}

// betterLowQuality reports whether a is the better "low quality" pick than
// b: smaller area, then fewer fps, then lower bitrate.
func betterLowQuality(a, b nativeStats) bool {
	areaA, areaB := a.width*a.height, b.width*b.height
	if areaA != areaB {
		return areaA < areaB
	}
	if a.fps != b.fps {
		return a.fps < b.fps
	}
	return a.bitrate < b.bitrate
}

// reevaluate runs the selection algorithm and switches the active
// alternative if warranted (spec.md §4.7).
func (s *Source) reevaluate(ctx context.Context, qosForced bool) {
	s.mu.Lock()
	vw, vh, haveV := s.qos.Viewport()
	current := s.current
	q := s.qos
	s.mu.Unlock()

	candidate := selectBest(s.alts, vw, vh, haveV)
	if candidate == nil || candidate == current {
		return
	}

	forced := qosForced || current == nil
	if !forced {
		forced = differsEnough(current.snapshot(), candidate.snapshot())
	}

	if !forced {
		s.mu.Lock()
		s.switchRequested = true
		s.mu.Unlock()
		return
	}

	s.switchTo(ctx, candidate, q)
}

// switchTo performs the two-sink crossfade: connect candidate before
// disconnecting the previous current (spec.md §4.7 "Switch protocol").
func (s *Source) switchTo(ctx context.Context, candidate *CSink, q qos.List) {
	candidate.mu.Lock()
	if candidate.se == nil {
		candidate.se = sink.New(sink.Config{
			Target:    candidate.target,
			SinkPrefs: []rpcendpoint.Transport{rpcendpoint.InProc, rpcendpoint.Local, rpcendpoint.Tcp},
			Pid:       s.pid,
			HostID:    s.hostID,
			Initiator: s.initiator,
		}, q)
		candidate.se.Connect(&csinkSink{owner: s, c: candidate})
		if err := candidate.se.Open(ctx); err != nil {
			s.log.Warn("failed to open alternative sink endpoint", "alternative", candidate.name, "error", err)
		}
	}
	candidate.mu.Unlock()

	s.mu.Lock()
	s.incoming = candidate
	s.switchRequested = false
	s.incomingGen++
	gen := s.incomingGen
	s.mu.Unlock()

	s.log.Info("adaptive source switching alternative", "to", candidate.name)
	time.AfterFunc(crossfadeGrace, func() { s.abandonIncomingIfStale(candidate, gen) })
}

// abandonIncomingIfStale gives up on a crossfade whose incoming
// alternative has not delivered a sample within crossfadeGrace, so a
// stalled candidate cannot block downstream delivery indefinitely.
func (s *Source) abandonIncomingIfStale(candidate *CSink, gen uint64) {
	s.mu.Lock()
	if s.incoming != candidate || s.incomingGen != gen {
		s.mu.Unlock()
		return
	}
	s.incoming = nil
	s.mu.Unlock()

	s.log.Warn("adaptive source crossfade grace window elapsed without a sample; abandoning switch", "alternative", candidate.name)
	candidate.destroy()
}

// onSample is invoked by a CSink's sink adapter whenever its Sink Endpoint
// delivers a sample; it implements the crossfade promotion rule.
func (s *Source) onSample(c *CSink, smp *sample.Sample) {
	s.mu.Lock()
	switch {
	case c == s.incoming:
		old := s.current
		s.current = c
		s.incoming = nil
		s.mu.Unlock()
		if old != nil {
			s.log.Info("adaptive source completed crossfade", "from", old.name, "to", c.name)
			old.destroy()
		}
	case c == s.current:
		s.mu.Unlock()
	default:
		// Sample from a stale alternative raced past its own disconnect;
		// the crossfade already moved on.
		s.mu.Unlock()
		smp.Release()
		return
	}
	if !s.Base.Emit(smp) {
		smp.Release()
	}
}

// onDisconnected is invoked when a CSink's Sink Endpoint loses its
// transport. If it was the active alternative, force a fresh selection
// pass so another alternative takes over.
func (s *Source) onDisconnected(c *CSink) {
	s.mu.Lock()
	wasCurrent := c == s.current
	if wasCurrent {
		s.current = nil
	}
	if c == s.incoming {
		s.incoming = nil
	}
	s.mu.Unlock()
	if wasCurrent {
		s.reevaluate(context.Background(), true)
	}
}

func (c *CSink) destroy() {
	c.mu.Lock()
	se := c.se
	c.se = nil
	c.mu.Unlock()
	if se != nil {
		se.Destroy()
	}
}

// csinkSink adapts one CSink's deliveries to the owning Adaptive Source.
type csinkSink struct {
	owner *Source
	c     *CSink
}

func (a *csinkSink) Receive(s *sample.Sample) { a.owner.onSample(a.c, s) }
func (a *csinkSink) Disconnected()            { a.owner.onDisconnected(a.c) }
