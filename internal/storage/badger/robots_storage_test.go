package badger

import (
	"bytes"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/aranea/internal/models"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	options := badgerhold.DefaultOptions
	options.Dir = t.TempDir()
	options.ValueDir = options.Dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return &BadgerDB{store: store, logger: arbor.NewLogger()}
}

func TestRobotsStoragePutGet(t *testing.T) {
	storage := NewRobotsStorage(newTestDB(t), arbor.NewLogger())

	rec := &models.RobotsRecord{
		Host:       "example.com",
		Origin:     "https://example.com",
		Body:       []byte("User-agent: *\nDisallow: /private/\n"),
		StatusCode: 200,
		FetchedAt:  time.Now().UTC(),
	}
	if err := storage.Put(rec); err != nil {
		t.Fatalf("Failed to store robots record: %v", err)
	}

	loaded, err := storage.Get("example.com")
	if err != nil {
		t.Fatalf("Failed to load robots record: %v", err)
	}
	if loaded == nil {
		t.Fatal("Expected a stored record, got nil")
	}
	if loaded.StatusCode != 200 || !bytes.Equal(loaded.Body, rec.Body) {
		t.Errorf("Loaded record does not match: %+v", loaded)
	}
	if loaded.Origin != "https://example.com" {
		t.Errorf("Expected origin to round-trip, got %q", loaded.Origin)
	}

	// A second Put for the same host replaces the record
	rec.StatusCode = 404
	if err := storage.Put(rec); err != nil {
		t.Fatalf("Failed to replace robots record: %v", err)
	}
	loaded, err = storage.Get("example.com")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.StatusCode != 404 {
		t.Errorf("Expected replaced status 404, got %d", loaded.StatusCode)
	}
}

func TestRobotsStorageGetMissing(t *testing.T) {
	storage := NewRobotsStorage(newTestDB(t), arbor.NewLogger())

	loaded, err := storage.Get("unknown.example")
	if err != nil {
		t.Fatalf("Missing record should not error: %v", err)
	}
	if loaded != nil {
		t.Errorf("Expected nil for missing host, got %+v", loaded)
	}
}

func TestRobotsStorageSweepExpired(t *testing.T) {
	storage := NewRobotsStorage(newTestDB(t), arbor.NewLogger())

	now := time.Now().UTC()
	fresh := &models.RobotsRecord{Host: "fresh.example", StatusCode: 200, FetchedAt: now}
	stale := &models.RobotsRecord{Host: "stale.example", StatusCode: 200, FetchedAt: now.Add(-48 * time.Hour)}
	if err := storage.Put(fresh); err != nil {
		t.Fatal(err)
	}
	if err := storage.Put(stale); err != nil {
		t.Fatal(err)
	}

	removed, err := storage.SweepExpired(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Failed to sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed record, got %d", removed)
	}

	gone, err := storage.Get("stale.example")
	if err != nil {
		t.Fatal(err)
	}
	if gone != nil {
		t.Error("Stale record should be gone after sweep")
	}
	kept, err := storage.Get("fresh.example")
	if err != nil {
		t.Fatal(err)
	}
	if kept == nil {
		t.Error("Fresh record should survive the sweep")
	}

	if err := storage.GC(); err != nil {
		t.Fatalf("GC after sweep failed: %v", err)
	}
}

func TestRobotsStorageSweepEmpty(t *testing.T) {
	storage := NewRobotsStorage(newTestDB(t), arbor.NewLogger())

	removed, err := storage.SweepExpired(time.Now())
	if err != nil {
		t.Fatalf("Sweep on empty store failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("Expected 0 removed, got %d", removed)
	}
}
