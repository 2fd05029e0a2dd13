package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testRecorder(t *testing.T) *Recorder {
	t.Helper()
	dir := t.TempDir()
	return New(dir, zerolog.Nop(), nil)
}

func TestStartOpensSegmentForCurrentHour(t *testing.T) {
	r := testRecorder(t)
	now := time.Date(2026, 7, 30, 14, 5, 0, 0, time.UTC)

	if err := r.Start(now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.CurrentSegment() != "20260730_14" {
		t.Fatalf("expected segment key 20260730_14, got %s", r.CurrentSegment())
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestAcceptRejectsUnregisteredChannel(t *testing.T) {
	r := testRecorder(t)
	now := time.Date(2026, 7, 30, 14, 0, 0, 0, time.UTC)
	if err := r.Start(now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Close()

	if err := r.Accept(now, 99, 1, 1, []byte("x")); err == nil {
		t.Fatalf("expected error for unregistered channel")
	}
}

func TestAcceptRecordsRegisteredChannel(t *testing.T) {
	r := testRecorder(t)
	now := time.Date(2026, 7, 30, 14, 0, 0, 0, time.UTC)
	if err := r.Start(now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Close()

	r.RegisterChannel(1, ChannelDescriptor{
		Topic:           "/telemetry",
		MessageEncoding: "json",
		SchemaName:      "Telemetry",
		SchemaText:      []byte(`{"type":"object"}`),
	})

	if err := r.Accept(now, 1, 1000, 2000, []byte(`{"x":1}`)); err != nil {
		t.Fatalf("Accept: %v", err)
	}
}

func TestAcceptRotatesOnNewHour(t *testing.T) {
	r := testRecorder(t)
	start := time.Date(2026, 7, 30, 14, 0, 0, 0, time.UTC)
	if err := r.Start(start); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Close()

	r.RegisterChannel(1, ChannelDescriptor{Topic: "/t", MessageEncoding: "json", SchemaName: "S"})

	next := start.Add(time.Hour)
	if err := r.Accept(next, 1, uint64(next.UnixNano()), uint64(next.UnixNano()), []byte("{}")); err != nil {
		t.Fatalf("Accept across rotation: %v", err)
	}
	if r.CurrentSegment() != "20260730_15" {
		t.Fatalf("expected rotated segment key 20260730_15, got %s", r.CurrentSegment())
	}
}

func TestDropChannelForgetsRegistration(t *testing.T) {
	r := testRecorder(t)
	now := time.Date(2026, 7, 30, 14, 0, 0, 0, time.UTC)
	if err := r.Start(now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Close()

	r.RegisterChannel(1, ChannelDescriptor{Topic: "/t", MessageEncoding: "json", SchemaName: "S"})
	r.DropChannel(1)

	if err := r.Accept(now, 1, 1, 1, []byte("{}")); err == nil {
		t.Fatalf("expected error after DropChannel")
	}
}

func TestInferSchemaEncoding(t *testing.T) {
	cases := map[string]string{
		"json": "jsonschema",
		"ros1": "ros1msg",
		"cdr":  "ros2msg",
		"":     "text",
	}
	for enc, want := range cases {
		if got := inferSchemaEncoding(enc); got != want {
			t.Fatalf("inferSchemaEncoding(%q) = %q, want %q", enc, got, want)
		}
	}
}

func TestParseSegmentKeyRoundTrip(t *testing.T) {
	got, ok := ParseSegmentKey("20260730_14." + SegmentExt)
	if !ok {
		t.Fatalf("expected ParseSegmentKey to succeed")
	}
	want := time.Date(2026, 7, 30, 14, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	if _, ok := ParseSegmentKey("not-a-segment.txt"); ok {
		t.Fatalf("expected ParseSegmentKey to reject a non-matching name")
	}
}

func TestSweepRemovesOnlyOldSegments(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "20260101_00."+SegmentExt)
	newPath := filepath.Join(dir, "20260730_14."+SegmentExt)

	for _, p := range []string{oldPath, newPath} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	oldTime := time.Now().Add(-30 * 24 * time.Hour)
	if err := os.Chtimes(oldPath, oldTime, oldTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	Sweep(dir, 7*24*time.Hour, time.Now(), zerolog.Nop(), nil)

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatalf("expected old segment to be removed")
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Fatalf("expected new segment to survive sweep: %v", err)
	}
}
