package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alxayo/mmtransport/internal/rpcendpoint"
	"github.com/alxayo/mmtransport/internal/transport/cookie"
	"github.com/alxayo/mmtransport/internal/transport/pin"
	"github.com/alxayo/mmtransport/internal/transport/qos"
	"github.com/alxayo/mmtransport/internal/transport/sample"
)

// fakeInProcSource is a minimal pin.Source standing in for a Proxy Source
// on the other end of an InProc connection.
type fakeInProcSource struct {
	pin.Base
}

// fakeEndpoint implements rpcendpoint.Endpoint with scriptable behavior:
// it fails the first failBefore calls to RequestConnection, then succeeds
// with an InProc pointer to src.
type fakeEndpoint struct {
	mu          sync.Mutex
	failBefore  int32
	calls       int32
	src         *fakeInProcSource
	lastQoS     qos.List
	qosCalls    int32
}

func (f *fakeEndpoint) RequestConnection(ctx context.Context, pid uint32, hostID string, sinkPrefs []rpcendpoint.Transport, useAllAddresses bool, q qos.List) (rpcendpoint.ConnectionInfo, cookie.Cookie, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failBefore {
		return rpcendpoint.ConnectionInfo{}, cookie.Zero, errTransient
	}
	return rpcendpoint.ConnectionInfo{Transport: rpcendpoint.InProc, Pointer: f.src}, cookie.Zero, nil
}

func (f *fakeEndpoint) RequestQoS(ctx context.Context, c cookie.Cookie, q qos.List) error {
	f.mu.Lock()
	f.lastQoS = q
	atomic.AddInt32(&f.qosCalls, 1)
	f.mu.Unlock()
	return nil
}

func (f *fakeEndpoint) GetStatistics(ctx context.Context) (rpcendpoint.EndpointStatistics, error) {
	return rpcendpoint.EndpointStatistics{}, nil
}

func (f *fakeEndpoint) calledTimes() int32 { return atomic.LoadInt32(&f.calls) }

// noIntersectionEndpoint always reports InProc{null}, the well-defined
// "no transport intersection" outcome of spec.md §4.2/§7.
type noIntersectionEndpoint struct {
	calls int32
}

func (f *noIntersectionEndpoint) RequestConnection(ctx context.Context, pid uint32, hostID string, sinkPrefs []rpcendpoint.Transport, useAllAddresses bool, q qos.List) (rpcendpoint.ConnectionInfo, cookie.Cookie, error) {
	atomic.AddInt32(&f.calls, 1)
	return rpcendpoint.ConnectionInfo{Transport: rpcendpoint.InProc, Pointer: nil}, cookie.Zero, nil
}

func (f *noIntersectionEndpoint) RequestQoS(ctx context.Context, c cookie.Cookie, q qos.List) error {
	return nil
}

func (f *noIntersectionEndpoint) GetStatistics(ctx context.Context) (rpcendpoint.EndpointStatistics, error) {
	return rpcendpoint.EndpointStatistics{}, nil
}

func (f *noIntersectionEndpoint) calledTimes() int32 { return atomic.LoadInt32(&f.calls) }

type transientErr struct{}

func (transientErr) Error() string { return "transient failure" }

var errTransient = transientErr{}

type recordingSink struct {
	mu       sync.Mutex
	received []*sample.Sample
	gone     chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{gone: make(chan struct{})}
}

func (r *recordingSink) Receive(s *sample.Sample) {
	r.mu.Lock()
	r.received = append(r.received, s)
	r.mu.Unlock()
}

func (r *recordingSink) Disconnected() { close(r.gone) }

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func TestOpenConnectsInProcImmediately(t *testing.T) {
	ep := &fakeEndpoint{src: &fakeInProcSource{}}
	se := New(Config{Target: ep, SinkPrefs: []rpcendpoint.Transport{rpcendpoint.InProc}}, qos.List{})

	if err := se.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for se.State() != OpenConnected {
		if time.Now().After(deadline) {
			t.Fatalf("never reached OpenConnected, state=%s", se.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	se.Destroy()
}

func TestReceiveForwardsToApplicationSink(t *testing.T) {
	ep := &fakeEndpoint{src: &fakeInProcSource{}}
	se := New(Config{Target: ep, SinkPrefs: []rpcendpoint.Transport{rpcendpoint.InProc}}, qos.List{})
	app := newRecordingSink()
	se.Connect(app)

	if err := se.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitForState(t, se, OpenConnected)

	se.Request(1)
	s := sample.New([]byte("x"), 0, 0, nil)
	se.Receive(s)

	deadline := time.Now().Add(time.Second)
	for app.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sample never delivered to application sink")
		}
		time.Sleep(5 * time.Millisecond)
	}
	se.Destroy()
}

func TestReconnectsAfterTransientFailures(t *testing.T) {
	ep := &fakeEndpoint{src: &fakeInProcSource{}, failBefore: 2}
	se := New(Config{
		Target:        ep,
		SinkPrefs:     []rpcendpoint.Transport{rpcendpoint.InProc},
		RemakeTimeout: func() time.Duration { return 50 * time.Millisecond },
	}, qos.List{})

	if err := se.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitForState(t, se, OpenConnected)

	if ep.calledTimes() < 3 {
		t.Fatalf("expected at least 3 connection attempts, got %d", ep.calledTimes())
	}
	se.Destroy()
}

func TestCloseIsIdempotentAndStopsReconnectWorker(t *testing.T) {
	ep := &fakeEndpoint{src: &fakeInProcSource{}, failBefore: 1000}
	se := New(Config{
		Target:        ep,
		SinkPrefs:     []rpcendpoint.Transport{rpcendpoint.InProc},
		RemakeTimeout: func() time.Duration { return 20 * time.Millisecond },
	}, qos.List{})

	if err := se.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	se.Close()
	se.Close() // idempotent
	if se.State() != Closed {
		t.Fatalf("expected Closed, got %s", se.State())
	}

	callsAtClose := ep.calledTimes()
	time.Sleep(100 * time.Millisecond)
	if ep.calledTimes() != callsAtClose {
		t.Fatalf("reconnect worker kept running after Close: %d -> %d", callsAtClose, ep.calledTimes())
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	ep := &fakeEndpoint{src: &fakeInProcSource{}}
	se := New(Config{Target: ep, SinkPrefs: []rpcendpoint.Transport{rpcendpoint.InProc}}, qos.List{})
	se.Destroy()
	se.Destroy()
	if se.State() != Destroyed {
		t.Fatalf("expected Destroyed, got %s", se.State())
	}
}

func TestOpenTwiceIsInvalidOperation(t *testing.T) {
	ep := &fakeEndpoint{src: &fakeInProcSource{}}
	se := New(Config{Target: ep, SinkPrefs: []rpcendpoint.Transport{rpcendpoint.InProc}}, qos.List{})
	if err := se.Open(context.Background()); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := se.Open(context.Background()); err == nil {
		t.Fatalf("expected error re-opening an already-open sink")
	}
	se.Destroy()
}

func TestRequestQoSBeforeConnectIsReplayedOnConnect(t *testing.T) {
	ep := &fakeEndpoint{src: &fakeInProcSource{}, failBefore: 1}
	se := New(Config{
		Target:        ep,
		SinkPrefs:     []rpcendpoint.Transport{rpcendpoint.InProc},
		RemakeTimeout: func() time.Duration { return 20 * time.Millisecond },
	}, qos.List{})

	if err := se.RequestQoS(context.Background(), qos.List{qos.OnlyKeyFrames{Enabled: true}}); err != nil {
		t.Fatalf("request qos before connect: %v", err)
	}
	if err := se.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitForState(t, se, OpenConnected)

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&ep.qosCalls) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pending qos was never replayed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	se.Destroy()
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	ceiling := 8 * time.Second
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 8 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDelay(c.attempts, ceiling); got != c.want {
			t.Errorf("backoffDelay(%d, %s) = %s, want %s", c.attempts, ceiling, got, c.want)
		}
	}
	if got := backoffDelay(3, 3*time.Second); got != 3*time.Second {
		t.Errorf("expected low ceiling to cap the delay, got %s", got)
	}
}

// TestTransportUnavailableDestroysInsteadOfRetrying covers spec.md §7(1)/§8
// scenario 2: a sink whose preferences never intersect the source's
// capabilities must transition to Destroyed rather than backing off forever.
func TestTransportUnavailableDestroysInsteadOfRetrying(t *testing.T) {
	ep := &noIntersectionEndpoint{}
	se := New(Config{
		Target:        ep,
		SinkPrefs:     []rpcendpoint.Transport{rpcendpoint.Local},
		RemakeTimeout: func() time.Duration { return 10 * time.Millisecond },
	}, qos.List{})

	if err := se.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitForState(t, se, Destroyed)

	if ep.calledTimes() != 1 {
		t.Fatalf("expected exactly one connection attempt before destroying, got %d", ep.calledTimes())
	}
}

func waitForState(t *testing.T, se *SinkEndpoint, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for se.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("never reached state %s, stuck at %s", want, se.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
