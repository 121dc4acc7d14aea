// Package planner implements the Sequence Planner of spec.md §4.9: given
// an ordered list of Storage Sources and a (beginTime, startPosition,
// mode) request, it yields one pull-style source presenting their combined
// archived timeline as a single continuous stream, advancing across
// interval and Storage Source boundaries transparently.
package planner

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alxayo/mmtransport/internal/logger"
	"github.com/alxayo/mmtransport/internal/rpcendpoint"
	"github.com/alxayo/mmtransport/internal/transport/initiator"
	"github.com/alxayo/mmtransport/internal/transport/pin"
	"github.com/alxayo/mmtransport/internal/transport/sample"
	"github.com/alxayo/mmtransport/internal/transport/sink"
)

// DiscoveryWindow bounds each planning pass's interval query (spec.md §4.9).
const DiscoveryWindow = 24 * time.Hour

// endOfStreamEpsilon is the ε of spec.md §8's "timestamp = t + ε" rule for
// a synthesized terminal EndOfStream, matching the 1ms nudge activate
// already uses for the OneFrameBack trick.
const endOfStreamEpsilon = time.Millisecond

// Retry parameters for GetSourceReaderEndpoint BUSY signals (spec.md §4.9).
const (
	RetryBaseDelay = 500 * time.Millisecond
	RetryCapDelay  = 3 * time.Second
	RetryMaxTries  = 4
)

// SourceRef names one Storage Source contributing to the combined timeline.
type SourceRef struct {
	Name string
	Src  rpcendpoint.StorageSource
}

// plannedInterval is one entry of the merged, cursor-ordered plan.
type plannedInterval struct {
	ref rpcendpoint.Interval
	src SourceRef
}

// Planner is the pull-style combined-timeline source. Applications Connect
// a pin.Sink to it to receive archived samples across every planned interval.
type Planner struct {
	pin.Base

	sources   []SourceRef
	initiator *initiator.Initiator
	pid       uint32
	hostID    string
	priority  rpcendpoint.SourcePriority
	log       *slog.Logger

	mu        sync.Mutex
	plan      []plannedInterval
	planIdx   int
	mode      rpcendpoint.PlaybackMode
	startPos  rpcendpoint.StartPosition
	sessionID uint32
	current   *sink.SinkEndpoint
	runCtx    context.Context
	cancel    context.CancelFunc
}

// Config supplies the immutable parameters of one Sequence Planner.
type Config struct {
	Sources   []SourceRef
	Initiator *initiator.Initiator
	Pid       uint32
	HostID    string
	Priority  rpcendpoint.SourcePriority
}

// New constructs an idle Planner; call Seek to begin playback.
func New(cfg Config) *Planner {
	return &Planner{
		sources:   cfg.Sources,
		initiator: cfg.Initiator,
		pid:       cfg.Pid,
		hostID:    cfg.HostID,
		priority:  cfg.Priority,
		log:       logger.Logger().With("component", "sequence_planner"),
	}
}

// Seek re-plans the combined timeline from begin and starts (or restarts)
// playback. Any in-flight interval is torn down; the session id is
// incremented so samples from the superseded session are dropped
// (spec.md §4.9 "On seek").
func (p *Planner) Seek(ctx context.Context, begin time.Time, startPos rpcendpoint.StartPosition, mode rpcendpoint.PlaybackMode) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	cur := p.current
	p.current = nil
	atomic.AddUint32(&p.sessionID, 1)
	p.mu.Unlock()

	if cur != nil {
		cur.Destroy()
	}

	intervals, err := p.discover(ctx, begin, mode)
	if err != nil {
		return err
	}
	plan := mergePlan(intervals, begin)
	if mode.Reverse {
		reversePlan(plan)
	}

	p.mu.Lock()
	p.plan = plan
	p.planIdx = 0
	p.mode = mode
	p.startPos = startPos
	runCtx, cancel := context.WithCancel(ctx)
	p.runCtx = runCtx
	p.cancel = cancel
	session := atomic.LoadUint32(&p.sessionID)
	p.mu.Unlock()

	if len(plan) == 0 {
		p.emitEmptyPlanEndOfStream(begin, startPos, mode, session)
		return nil
	}
	return p.activate(runCtx, 0)
}

// emitEmptyPlanEndOfStream synthesizes the terminal sample spec.md §8
// requires when Seek's merged plan has no intervals at all: timestamp
// t+ε, or for the Reverse+OneFrameBack boundary case, min(upperBound, t)
// where upperBound is discover's own reverse-mode window edge — which is
// always t itself, collapsing the rule to t. There is no interval to
// anchor the sample's Timestamp to, so it is expressed as a duration since
// the zero time.Time rather than relative to any begin.
func (p *Planner) emitEmptyPlanEndOfStream(t time.Time, startPos rpcendpoint.StartPosition, mode rpcendpoint.PlaybackMode, session uint32) {
	target := t.Add(endOfStreamEpsilon)
	if mode.Reverse && startPos == rpcendpoint.OneFrameBack {
		target = t
	}
	s := sample.New(nil, target.Sub(time.Time{}), sample.EndOfStream, nil)
	s.SetSessionID(session)
	if !p.Base.Emit(s) {
		s.Release()
	}
}

// discover queries every Storage Source for intervals within the
// discovery window around begin (spec.md §4.9 "Interval discovery").
func (p *Planner) discover(ctx context.Context, begin time.Time, mode rpcendpoint.PlaybackMode) ([]plannedInterval, error) {
	from, to := begin, begin.Add(DiscoveryWindow)
	if mode.Reverse {
		from, to = begin.Add(-DiscoveryWindow), begin
	}
	var all []plannedInterval
	for _, ref := range p.sources {
		ivs, err := ref.Src.GetHistory(ctx, from, to, 0, 0)
		if err != nil {
			p.log.Warn("interval discovery failed for one source", "source", ref.Name, "error", err)
			continue
		}
		for _, iv := range ivs {
			all = append(all, plannedInterval{ref: iv, src: ref})
		}
	}
	return all, nil
}

// mergePlan implements spec.md §4.9 steps 1-2: repeatedly pick the
// remaining interval with the smallest forward shift from cursor
// (ties broken by later end), append it, advance cursor, and truncate the
// previous entry if it overlaps the newly appended one.
func mergePlan(candidates []plannedInterval, cursor time.Time) []plannedInterval {
	remaining := append([]plannedInterval(nil), candidates...)
	var plan []plannedInterval

	for len(remaining) > 0 {
		bestIdx := -1
		var bestShift time.Duration
		for i, c := range remaining {
			shift := c.ref.Begin.Sub(cursor)
			if shift < 0 {
				shift = 0
			}
			if bestIdx == -1 || shift < bestShift ||
				(shift == bestShift && c.ref.End.After(remaining[bestIdx].ref.End)) {
				bestIdx, bestShift = i, shift
			}
		}
		best := remaining[bestIdx]
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)

		if len(plan) > 0 {
			prev := &plan[len(plan)-1]
			if prev.ref.End.After(best.ref.Begin) {
				prev.ref.End = best.ref.Begin
			}
		}
		plan = append(plan, best)
		cursor = best.ref.End
	}
	return plan
}

func reversePlan(plan []plannedInterval) {
	for i, j := 0, len(plan)-1; i < j; i, j = i+1, j-1 {
		plan[i], plan[j] = plan[j], plan[i]
	}
}

// activate opens a pull connection to plan[idx]'s Storage Source, retrying
// on BUSY with equal-jitter exponential backoff (spec.md §4.9 "Retry").
func (p *Planner) activate(ctx context.Context, idx int) error {
	p.mu.Lock()
	if idx >= len(p.plan) {
		plan := p.plan
		mode := p.mode
		session := atomic.LoadUint32(&p.sessionID)
		p.mu.Unlock()
		p.emitPlanExhaustedEndOfStream(plan, mode, session)
		return nil
	}
	entry := p.plan[idx]
	mode := p.mode
	startPos := p.startPos
	p.mu.Unlock()

	at := entry.ref.Begin
	if mode.Reverse || startPos == rpcendpoint.OneFrameBack {
		at = entry.ref.End.Add(-time.Millisecond)
	}

	var endpoint rpcendpoint.StorageEndpoint
	var err error
	for attempt := 0; attempt < RetryMaxTries; attempt++ {
		endpoint, err = entry.src.Src.GetSourceReaderEndpoint(ctx, at, startPos, false, mode, p.priority)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(equalJitterBackoff(attempt)):
		}
	}
	if err != nil {
		return err
	}

	se := sink.New(sink.Config{
		Target:    endpoint,
		SinkPrefs: []rpcendpoint.Transport{rpcendpoint.InProc, rpcendpoint.Local, rpcendpoint.Tcp},
		Pid:       p.pid,
		HostID:    p.hostID,
		Initiator: p.initiator,
	}, nil)
	se.Connect(&plannerSink{owner: p, idx: idx, session: atomic.LoadUint32(&p.sessionID)})

	p.mu.Lock()
	p.current = se
	p.planIdx = idx
	p.mu.Unlock()

	return se.Open(ctx)
}

// emitPlanExhaustedEndOfStream synthesizes the terminal sample once
// playback has advanced past the last planned interval (spec.md §8
// scenario 6): timestamp one ε beyond the final interval's boundary in the
// direction of playback.
func (p *Planner) emitPlanExhaustedEndOfStream(plan []plannedInterval, mode rpcendpoint.PlaybackMode, session uint32) {
	if len(plan) == 0 {
		return
	}
	last := plan[len(plan)-1]
	target := last.ref.End.Add(endOfStreamEpsilon)
	if mode.Reverse {
		target = last.ref.Begin.Add(-endOfStreamEpsilon)
	}
	s := sample.New(nil, target.Sub(time.Time{}), sample.EndOfStream, nil)
	s.SetSessionID(session)
	if !p.Base.Emit(s) {
		s.Release()
	}
}

// onSample is invoked by the active interval's Sink Endpoint for every
// delivered sample. It stamps the current session id, drops stale-session
// samples, and advances to the next interval on EndOfStream or boundary
// crossing (spec.md §4.9 "Playback").
func (p *Planner) onSample(idx int, session uint32, s *sample.Sample) {
	if session != atomic.LoadUint32(&p.sessionID) {
		s.Release()
		return
	}

	p.mu.Lock()
	boundary := idx < len(p.plan) && pastBoundary(s, p.plan[idx], p.mode)
	ctxCancelled := p.cancel == nil
	p.mu.Unlock()
	if ctxCancelled {
		s.Release()
		return
	}

	s.SetSessionID(session)
	if !p.Base.Emit(s) {
		s.Release()
	}

	if s.Flags.Has(sample.EndOfStream) || boundary {
		p.advance(idx)
	}
}

func pastBoundary(s *sample.Sample, entry plannedInterval, mode rpcendpoint.PlaybackMode) bool {
	ts := entry.ref.Begin.Add(s.Timestamp)
	if mode.Reverse {
		return ts.Before(entry.ref.Begin)
	}
	return ts.After(entry.ref.End)
}

func (p *Planner) advance(idx int) {
	p.mu.Lock()
	if p.current == nil || idx != p.planIdx {
		p.mu.Unlock()
		return
	}
	cur := p.current
	p.current = nil
	nextIdx := idx + 1
	runCtx := p.runCtx
	active := p.cancel != nil
	p.mu.Unlock()

	cur.Destroy()
	if !active || runCtx == nil {
		return
	}
	if err := p.activate(runCtx, nextIdx); err != nil {
		p.log.Warn("failed to activate next planned interval", "error", err)
	}
}

// equalJitterBackoff returns a delay in [base/2 + 0, cap], doubling the
// base with each attempt and sampling uniformly within the top half
// (spec.md §4.9: "[500ms..3s]").
func equalJitterBackoff(attempt int) time.Duration {
	temp := float64(RetryBaseDelay) * math.Pow(2, float64(attempt))
	if temp > float64(RetryCapDelay) {
		temp = float64(RetryCapDelay)
	}
	half := temp / 2
	return time.Duration(half) + randDuration(time.Duration(half))
}

func randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.BigEndian.Uint64(b[:]) % uint64(max)
	return time.Duration(v)
}

// Stop tears down the active interval and cancels further advancement.
func (p *Planner) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	cur := p.current
	p.current = nil
	p.mu.Unlock()
	if cur != nil {
		cur.Destroy()
	}
}

// plannerSink adapts one activated interval's deliveries to the owning Planner.
type plannerSink struct {
	owner   *Planner
	idx     int
	session uint32
}

func (a *plannerSink) Receive(s *sample.Sample) { a.owner.onSample(a.idx, a.session, s) }
func (a *plannerSink) Disconnected()            {}
