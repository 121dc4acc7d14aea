package qos

import (
	"testing"
	"time"
)

func TestViewportReturnsLatest(t *testing.T) {
	l := List{FrameGeometry{W: 640, H: 360}, OnlyKeyFrames{Enabled: true}, FrameGeometry{W: 1920, H: 1080}}
	w, h, ok := l.Viewport()
	if !ok || w != 1920 || h != 1080 {
		t.Fatalf("expected latest viewport 1920x1080, got %d x %d ok=%v", w, h, ok)
	}
}

func TestViewportAbsent(t *testing.T) {
	l := List{OnlyKeyFrames{Enabled: true}}
	if _, _, ok := l.Viewport(); ok {
		t.Fatalf("expected no viewport present")
	}
}

func TestKeyFramesOnlyDefaultFalse(t *testing.T) {
	var l List
	if l.KeyFramesOnly() {
		t.Fatalf("expected default false")
	}
}

func TestEquivalentSameViewportCloseFPS(t *testing.T) {
	a := List{FrameGeometry{W: 640, H: 360}, FrameRate{FPS: 25}}
	b := List{FrameGeometry{W: 640, H: 360}, FrameRate{FPS: 26}}
	if !Equivalent(a, b) {
		t.Fatalf("expected equivalent within 5%% fps tolerance")
	}
}

func TestEquivalentDifferentGeometry(t *testing.T) {
	a := List{FrameGeometry{W: 640, H: 360}}
	b := List{FrameGeometry{W: 1920, H: 1080}}
	if Equivalent(a, b) {
		t.Fatalf("expected non-equivalent across different viewports")
	}
}

func TestEquivalentFPSBeyondTolerance(t *testing.T) {
	a := List{FrameRate{FPS: 25}}
	b := List{FrameRate{FPS: 10}}
	if Equivalent(a, b) {
		t.Fatalf("expected non-equivalent: fps differs by more than 5%%")
	}
}

func TestLimiterUncappedAlwaysAllows(t *testing.T) {
	l := NewLimiter(List{OnlyKeyFrames{Enabled: true}})
	for i := 0; i < 100; i++ {
		if !l.Allow() {
			t.Fatalf("uncapped limiter should never block")
		}
	}
	if l.FPS() != 0 {
		t.Fatalf("expected 0 fps for uncapped limiter")
	}
}

func TestLimiterCapsBurst(t *testing.T) {
	l := NewLimiter(List{FrameRate{FPS: 1}})
	if !l.Allow() {
		t.Fatalf("first token should be available immediately")
	}
	if l.Allow() {
		t.Fatalf("second token should be throttled at 1fps")
	}
}

func TestDecoderRequirementsRoundTrip(t *testing.T) {
	l := List{DecoderRequirements{DeviceTypeMask: 0x1, TargetProcessID: 42}}
	d, ok := l.Decoder()
	if !ok || d.TargetProcessID != 42 {
		t.Fatalf("expected decoder requirements with pid 42, got %+v ok=%v", d, ok)
	}
}

func TestStartFromAndPlaybackDepthAreRequests(t *testing.T) {
	l := List{StartFrom{Timestamp: time.Unix(0, 0)}, PlaybackDepth{Seconds: 2.5}, Buffer{Duration: time.Second}}
	if len(l) != 3 {
		t.Fatalf("expected 3 entries")
	}
}
