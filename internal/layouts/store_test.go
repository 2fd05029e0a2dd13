package layouts

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSlugDerivation(t *testing.T) {
	cases := map[string]string{
		"wss://telemetry.example.com/robot-1": "wss-telemetry-example-com-robot-1",
		"  Mixed--CASE//url  ":                "mixed-case-url",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Fatalf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUpsertThenReadBlobAndIndex(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	opts := UpsertOpts{TargetSet: true, Target: "wss://a", Retention: "true", TopicsSet: true, Topics: []string{"/a", "/b"}}
	if err := s.Upsert("layout1", []byte(`{"panels":[]}`), opts); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	blob, err := s.ReadBlob("layout1")
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if string(blob) != `{"panels":[]}` {
		t.Fatalf("unexpected blob contents: %s", blob)
	}

	entries, err := s.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 index entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Target != "wss://a" || !e.Retention || len(e.Topics) != 2 {
		t.Fatalf("unexpected index entry: %+v", e)
	}
}

func TestUpsertTwiceUpdatesSameEntry(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Upsert("layout1", []byte(`{}`), UpsertOpts{TargetSet: true, Target: "wss://a"}); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if err := s.Upsert("layout1", []byte(`{}`), UpsertOpts{Retention: "true"}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	entries, err := s.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single entry after repeated upsert, got %d", len(entries))
	}
	if entries[0].Target != "wss://a" || !entries[0].Retention {
		t.Fatalf("expected fields from both upserts to merge, got %+v", entries[0])
	}
}

func TestDeleteRemovesBlobAndIndexEntry(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Upsert("layout1", []byte(`{}`), UpsertOpts{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := s.Delete("layout1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.ReadBlob("layout1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete("layout1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestSetRetentionFlipsFlag(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Upsert("layout1", []byte(`{}`), UpsertOpts{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := s.SetRetention("layout1", true); err != nil {
		t.Fatalf("SetRetention: %v", err)
	}
	entries, _ := s.Index()
	if !entries[0].Retention {
		t.Fatalf("expected retention true")
	}

	if err := s.SetRetention("missing", true); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown layout, got %v", err)
	}
}

func TestLoadIndexMigratesLegacyArray(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "index.json")
	if err := os.WriteFile(indexPath, []byte(`["layout-a", "layout-b"]`), 0o644); err != nil {
		t.Fatalf("seed legacy index: %v", err)
	}

	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entries, err := s.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 migrated entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.CreatedAt.IsZero() || e.UpdatedAt.IsZero() {
			t.Fatalf("expected migrated entry to have synthesised timestamps: %+v", e)
		}
	}
}
