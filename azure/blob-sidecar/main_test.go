package main

import (
	"testing"
	"time"
)

func TestParseSegmentBegin(t *testing.T) {
	begin, ok := parseSegmentBegin("cam-1_20260730_143015.flv", "cam-1")
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	want := time.Date(2026, 7, 30, 14, 30, 15, 0, time.Local)
	if !begin.Equal(want) {
		t.Fatalf("begin = %v, want %v", begin, want)
	}
}

func TestParseSegmentBeginRejectsOtherStreamKeys(t *testing.T) {
	if _, ok := parseSegmentBegin("cam-2_20260730_143015.flv", "cam-1"); ok {
		t.Fatalf("expected mismatched stream key prefix to be rejected")
	}
}

func TestParseSegmentBeginRejectsMalformedTimestamp(t *testing.T) {
	if _, ok := parseSegmentBegin("cam-1_not-a-timestamp.flv", "cam-1"); ok {
		t.Fatalf("expected malformed timestamp to be rejected")
	}
}

func TestParseSegmentBeginHandlesUnderscoresInStreamKey(t *testing.T) {
	// safeKey already had "/" replaced with "_" by the recorder, so a camera
	// path like "site/cam_1" becomes "site_cam_1" before this sidecar ever
	// sees it; the prefix match must still recover the right timestamp.
	begin, ok := parseSegmentBegin("site_cam_1_20260101_000000.flv", "site_cam_1")
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if begin.IsZero() {
		t.Fatalf("expected non-zero begin timestamp")
	}
}
