// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconstruct

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/spyglass/internal/classify"
	"grimm.is/spyglass/internal/events"
	"grimm.is/spyglass/internal/kb"
	"grimm.is/spyglass/internal/scoring"
	"grimm.is/spyglass/internal/timeline"
)

func testSnapshot(t *testing.T) *kb.Snapshot {
	t.Helper()
	snap, err := kb.Parse([]byte(`{
		"schema_version": "1.0",
		"version": "test",
		"entities": [{
			"id": "google_advertising",
			"name": "Google Advertising",
			"category": "ad_network",
			"risk_score": 9.0,
			"domains": ["doubleclick.net"]
		}]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func newTestReconstructor(t *testing.T) (*Reconstructor, *timeline.Store) {
	t.Helper()
	store, err := timeline.Open(filepath.Join(t.TempDir(), "timeline.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	values, err := scoring.LoadValueTable("")
	if err != nil {
		t.Fatal(err)
	}
	return New(classify.New(classify.Options{}), values, store, nil), store
}

// chromeMicros converts a time to Chromium's epoch (µs since 1601).
func chromeMicros(t time.Time) int64 {
	return t.UnixMicro() + 11644473600*1_000_000
}

func writeChromiumHistory(t *testing.T, dir string, visits map[string]time.Time) string {
	t.Helper()
	path := filepath.Join(dir, "History")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Exec(`
		CREATE TABLE urls (id INTEGER PRIMARY KEY, url TEXT, title TEXT, visit_count INTEGER, last_visit_time INTEGER);
		CREATE TABLE visits (id INTEGER PRIMARY KEY, url INTEGER, visit_time INTEGER);
	`); err != nil {
		t.Fatal(err)
	}

	id := 1
	for u, ts := range visits {
		micros := chromeMicros(ts)
		if _, err := db.Exec("INSERT INTO urls (id, url, title, visit_count, last_visit_time) VALUES (?, ?, '', 1, ?)", id, u, micros); err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec("INSERT INTO visits (url, visit_time) VALUES (?, ?)", id, micros); err != nil {
			t.Fatal(err)
		}
		id++
	}
	return path
}

func writeFirefoxPlaces(t *testing.T, dir string, visits map[string]time.Time) string {
	t.Helper()
	path := filepath.Join(dir, "places.sqlite")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Exec(`
		CREATE TABLE moz_places (id INTEGER PRIMARY KEY, url TEXT, title TEXT, visit_count INTEGER);
		CREATE TABLE moz_historyvisits (id INTEGER PRIMARY KEY, place_id INTEGER, visit_date INTEGER);
	`); err != nil {
		t.Fatal(err)
	}

	id := 1
	for u, ts := range visits {
		if _, err := db.Exec("INSERT INTO moz_places (id, url, title, visit_count) VALUES (?, ?, '', 1)", id, u); err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec("INSERT INTO moz_historyvisits (place_id, visit_date) VALUES (?, ?)", id, ts.UnixMicro()); err != nil {
			t.Fatal(err)
		}
		id++
	}
	return path
}

func TestIngestChromiumHistory(t *testing.T) {
	r, store := newTestReconstructor(t)
	visitTime := time.Date(2024, 6, 1, 14, 30, 0, 0, time.UTC)

	path := writeChromiumHistory(t, t.TempDir(), map[string]time.Time{
		"https://doubleclick.net/ads?x=1": visitTime,
		"https://example.org/article":     visitTime.Add(time.Minute),
	})

	res, err := r.Ingest(ArtifactSource{Browser: "chromium", HistoryPath: path}, testSnapshot(t))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.RecordsProcessed != 2 || res.RecordsFailed != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.EventsAppended != 2 {
		t.Errorf("EventsAppended = %d", res.EventsAppended)
	}

	got, err := store.Query(visitTime.Add(-time.Hour), visitTime.Add(time.Hour), timeline.Filters{Entity: "google_advertising"})
	if err != nil || len(got) != 1 {
		t.Fatalf("Query: %v (%d)", err, len(got))
	}
	ev := got[0]
	if ev.Provenance != events.ProvenanceReconstructed {
		t.Errorf("Provenance = %q", ev.Provenance)
	}
	if ev.Confidence != 0.7 {
		t.Errorf("Confidence = %v, want 0.7 for a visit", ev.Confidence)
	}
	// The Chromium epoch conversion must land on the original time.
	if !ev.Timestamp.Equal(visitTime) {
		t.Errorf("Timestamp = %v, want %v", ev.Timestamp, visitTime)
	}
}

func TestIngestFirefoxHistory(t *testing.T) {
	r, store := newTestReconstructor(t)
	visitTime := time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)

	path := writeFirefoxPlaces(t, t.TempDir(), map[string]time.Time{
		"https://doubleclick.net/pixel": visitTime,
	})

	res, err := r.Ingest(ArtifactSource{Browser: "firefox", HistoryPath: path}, testSnapshot(t))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.EventsAppended != 1 {
		t.Errorf("EventsAppended = %d", res.EventsAppended)
	}

	got, _ := store.Query(visitTime.Add(-time.Hour), visitTime.Add(time.Hour), timeline.Filters{})
	if len(got) != 1 || !got[0].Timestamp.Equal(visitTime) {
		t.Errorf("firefox timestamp = %v, want %v", got[0].Timestamp, visitTime)
	}
}

func TestReingestIsIdempotent(t *testing.T) {
	r, store := newTestReconstructor(t)
	visitTime := time.Date(2024, 6, 1, 14, 30, 0, 0, time.UTC)

	path := writeChromiumHistory(t, t.TempDir(), map[string]time.Time{
		"https://doubleclick.net/ads?x=1": visitTime,
	})
	snap := testSnapshot(t)

	first, err := r.Ingest(ArtifactSource{Browser: "chromium", HistoryPath: path}, snap)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Ingest(ArtifactSource{Browser: "chromium", HistoryPath: path}, snap)
	if err != nil {
		t.Fatal(err)
	}

	if first.EventsAppended != 1 {
		t.Errorf("first EventsAppended = %d", first.EventsAppended)
	}
	if second.EventsAppended != 0 || second.Duplicates != 1 {
		t.Errorf("second ingest = %+v, want all duplicates", second)
	}
	if n, _ := store.Count(); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestIngestPerRecordFailure(t *testing.T) {
	r, _ := newTestReconstructor(t)
	dir := t.TempDir()

	// One good row, one row with no timestamp.
	path := filepath.Join(dir, "History")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`
		CREATE TABLE urls (id INTEGER PRIMARY KEY, url TEXT, title TEXT, visit_count INTEGER, last_visit_time INTEGER);
		CREATE TABLE visits (id INTEGER PRIMARY KEY, url INTEGER, visit_time INTEGER);
		INSERT INTO urls VALUES (1, 'https://doubleclick.net/a', '', 1, 13300000000000000);
		INSERT INTO visits (url, visit_time) VALUES (1, 13300000000000000);
		INSERT INTO urls VALUES (2, 'https://broken.example/', '', 1, 0);
	`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	res, err := r.Ingest(ArtifactSource{Browser: "chromium", HistoryPath: path}, testSnapshot(t))
	if err != nil {
		t.Fatalf("batch should survive per-record failures: %v", err)
	}
	if res.RecordsProcessed != 2 {
		t.Errorf("RecordsProcessed = %d", res.RecordsProcessed)
	}
	if res.RecordsFailed != 1 || len(res.Failures) != 1 {
		t.Errorf("RecordsFailed = %d, failures = %v", res.RecordsFailed, res.Failures)
	}
	if res.EventsAppended != 1 {
		t.Errorf("EventsAppended = %d", res.EventsAppended)
	}
}

func TestIngestMissingArtifact(t *testing.T) {
	r, _ := newTestReconstructor(t)
	if _, err := r.Ingest(ArtifactSource{Browser: "chromium", HistoryPath: "/nonexistent/History"}, testSnapshot(t)); err == nil {
		t.Fatal("expected error for missing artifact")
	}
}

func TestIngestUnknownBrowser(t *testing.T) {
	r, _ := newTestReconstructor(t)
	if _, err := r.Ingest(ArtifactSource{Browser: "netscape", HistoryPath: "x"}, testSnapshot(t)); err == nil {
		t.Fatal("expected error for unknown browser")
	}
}
