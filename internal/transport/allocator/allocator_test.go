package allocator

import "testing"

func TestAllocReleaseRoundTrip(t *testing.T) {
	f := New(None)
	if f.Flavor() != None {
		t.Fatalf("expected None flavor")
	}
	s := f.Alloc(256)
	if len(s.Body) != 256 {
		t.Fatalf("expected 256 byte body, got %d", len(s.Body))
	}
	if f.LiveCount() != 1 {
		t.Fatalf("expected 1 live buffer, got %d", f.LiveCount())
	}
	s.Release()
	if f.LiveCount() != 0 {
		t.Fatalf("expected 0 live buffers after release, got %d", f.LiveCount())
	}
}

func TestWaitDrainedUnblocksOnLastRelease(t *testing.T) {
	f := New(None)
	s1 := f.Alloc(64)
	s2 := f.Alloc(64)

	done := make(chan struct{})
	go func() {
		f.WaitDrained()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("WaitDrained returned before all samples released")
	default:
	}

	s1.Release()
	select {
	case <-done:
		t.Fatalf("WaitDrained returned before last sample released")
	default:
	}

	s2.Release()
	<-done // must unblock now
}

func TestRetainDefersRelease(t *testing.T) {
	f := New(None)
	s := f.Alloc(32)
	s.Retain()
	s.Release() // one of two refs
	if f.LiveCount() != 1 {
		t.Fatalf("expected buffer still live after single release of retained sample")
	}
	s.Release()
	if f.LiveCount() != 0 {
		t.Fatalf("expected buffer released after matching release count")
	}
}

func TestIDStringIsStable(t *testing.T) {
	f := New(POSIX)
	if f.ID().String() == "" {
		t.Fatalf("expected non-empty id string")
	}
	if f.ID().String() != f.ID().String() {
		t.Fatalf("id string should be stable across calls")
	}
}
