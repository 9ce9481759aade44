// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/spyglass/internal/classify"
	"grimm.is/spyglass/internal/config"
	"grimm.is/spyglass/internal/events"
	"grimm.is/spyglass/internal/kb"
	"grimm.is/spyglass/internal/monitor"
	"grimm.is/spyglass/internal/reconstruct"
	"grimm.is/spyglass/internal/scoring"
	"grimm.is/spyglass/internal/timeline"
)

type testEnv struct {
	server *Server
	store  *timeline.Store
	hub    *events.Hub
	http   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Capture.Source = "replay"
	replay := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(replay, []byte(`{"timestamp":"2026-08-01T10:00:00Z","method":"GET","url":"https://doubleclick.net/ads?id=1","site":"news.example.com"}
`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Capture.ReplayPath = replay

	provider, err := kb.NewProvider("", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { provider.Close() })

	store, err := timeline.Open(filepath.Join(t.TempDir(), "timeline.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	values, err := scoring.LoadValueTable("")
	if err != nil {
		t.Fatal(err)
	}

	classifier := classify.New(classify.Options{})
	agg := scoring.NewAggregator(values, cfg.Scoring.HighRiskThreshold, nil)
	hub := events.NewHub()
	mon := monitor.New(monitor.Options{
		Config:     cfg,
		Provider:   provider,
		Classifier: classifier,
		Store:      store,
		Aggregator: agg,
		Hub:        hub,
	})
	t.Cleanup(func() { mon.Stop() })

	srv := NewServer(ServerOptions{
		Config:        cfg,
		Store:         store,
		Aggregator:    agg,
		Monitor:       mon,
		Provider:      provider,
		Reconstructor: reconstruct.New(classifier, values, store, nil),
		Hub:           hub,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: srv, store: store, hub: hub, http: ts}
}

func seedEvent(t *testing.T, store *timeline.Store, ts time.Time, entity, site string, risk float64) {
	t.Helper()
	inserted, err := store.Append(&events.TrackingEvent{
		ID:         "ev-" + entity + "-" + ts.Format("150405"),
		Timestamp:  ts,
		Method:     "GET",
		URL:        "https://" + entity + ".example/" + ts.Format("150405.000"),
		Host:       entity + ".example",
		Site:       site,
		EntityID:   entity,
		EntityName: entity,
		Category:   kb.CategoryAdNetwork,
		RiskScore:  risk,
		Provenance: events.ProvenanceLive,
		Confidence: 1.0,
	}, 0.02)
	if err != nil || !inserted {
		t.Fatalf("seed append: inserted=%v err=%v", inserted, err)
	}
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	seedEvent(t, env.store, base, "acme_ads", "news.example.com", 9.0)
	seedEvent(t, env.store, base.Add(time.Minute), "acme_ads", "shop.example.com", 9.0)
	seedEvent(t, env.store, base.Add(2*time.Minute), "other_corp", "news.example.com", 5.0)

	var resp struct {
		Events []timeline.StoredEvent `json:"events"`
		Count  int                    `json:"count"`
	}
	getJSON(t, env.http.URL+"/api/v1/events?start=2026-08-01T00:00:00Z&end=2026-08-02T00:00:00Z", &resp)
	if resp.Count != 3 {
		t.Errorf("count = %d, want 3", resp.Count)
	}

	getJSON(t, env.http.URL+"/api/v1/events?start=2026-08-01T00:00:00Z&end=2026-08-02T00:00:00Z&entity=acme_ads", &resp)
	if resp.Count != 2 {
		t.Errorf("entity filter count = %d, want 2", resp.Count)
	}
}

func TestEventsInvertedRangeWarns(t *testing.T) {
	env := newTestEnv(t)

	var resp struct {
		Count   int    `json:"count"`
		Warning string `json:"warning"`
	}
	r := getJSON(t, env.http.URL+"/api/v1/events?start=2026-08-02T00:00:00Z&end=2026-08-01T00:00:00Z", &resp)
	if r.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", r.StatusCode)
	}
	if resp.Count != 0 || resp.Warning == "" {
		t.Errorf("inverted range: count=%d warning=%q", resp.Count, resp.Warning)
	}
}

func TestEventsBadTimestamp(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.http.URL + "/api/v1/events?start=notatime")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestScoreEndpoint(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 9; i++ {
		seedEvent(t, env.store, base.Add(time.Duration(i)*time.Second), "acme_ads", "news.example.com", 9.0)
	}

	var snap scoring.Snapshot
	getJSON(t, env.http.URL+"/api/v1/score?start=2026-08-01T00:00:00Z&end=2026-08-02T00:00:00Z", &snap)

	// 9 events: event penalty log10(10)*10 = 10, high-risk 0.9, one
	// site 0.5.
	want := 100.0 - 10 - 0.9 - 0.5
	if snap.Score < want-0.01 || snap.Score > want+0.01 {
		t.Errorf("score = %v, want ~%v", snap.Score, want)
	}
	if snap.Grade != "A" {
		t.Errorf("grade = %q, want A", snap.Grade)
	}
}

func TestExportEndpoint(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	seedEvent(t, env.store, base, "acme_ads", "news.example.com", 9.0)

	resp, err := http.Get(env.http.URL + "/api/v1/export?start=2026-08-01T00:00:00Z&end=2026-08-02T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q", ct)
	}

	rows, err := csv.NewReader(resp.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header + 1", len(rows))
	}
	if rows[0][0] != "timestamp" || rows[1][1] != "acme_ads" {
		t.Errorf("unexpected export rows: %v", rows)
	}
}

func TestClearEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seedEvent(t, env.store, time.Now().UTC(), "acme_ads", "news.example.com", 9.0)

	var resp struct {
		Deleted int `json:"deleted"`
	}
	req, _ := http.NewRequest(http.MethodPost, env.http.URL+"/api/v1/clear", nil)
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", resp.Deleted)
	}
	if n, _ := env.store.Count(); n != 0 {
		t.Errorf("count after clear = %d", n)
	}
}

func TestKBStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var stats kb.Stats
	getJSON(t, env.http.URL+"/api/v1/kb/stats", &stats)
	if stats.TotalEntities < 20 {
		t.Errorf("TotalEntities = %d, want the built-in set", stats.TotalEntities)
	}
	if stats.HighRiskCount == 0 {
		t.Error("HighRiskCount = 0")
	}
}

func TestMonitorEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var status monitor.Status
	getJSON(t, env.http.URL+"/api/v1/monitor/status", &status)
	if status.State != monitor.StateStopped {
		t.Errorf("initial state = %q", status.State)
	}

	var sess monitor.Session
	r, err := http.Post(env.http.URL+"/api/v1/monitor/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if sess.ID == "" || sess.Source != "replay" {
		t.Errorf("session = %+v", sess)
	}

	if _, err := http.Post(env.http.URL+"/api/v1/monitor/stop", "application/json", nil); err != nil {
		t.Fatal(err)
	}
	getJSON(t, env.http.URL+"/api/v1/monitor/status", &status)
	if status.State != monitor.StateStopped {
		t.Errorf("state after stop = %q", status.State)
	}
}

func TestReconstructEndpointValidation(t *testing.T) {
	env := newTestEnv(t)

	r, err := http.Post(env.http.URL+"/api/v1/reconstruct", "application/json",
		strings.NewReader(`{"browser":"netscape","history_path":"/tmp/x"}`))
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", r.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestLiveWebsocket(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/v1/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	published := events.TrackingEvent{
		ID:         "live-1",
		Timestamp:  time.Now().UTC(),
		URL:        "https://doubleclick.net/ads",
		Host:       "doubleclick.net",
		EntityID:   "google_advertising",
		Provenance: events.ProvenanceLive,
		Confidence: 1.0,
	}

	// The subscription is registered during the upgrade; publish until
	// the frame arrives or the deadline passes.
	got := make(chan events.TrackingEvent, 1)
	go func() {
		var ev events.TrackingEvent
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-got:
			if ev.EntityID != published.EntityID {
				t.Errorf("entity = %q", ev.EntityID)
			}
			return
		case <-tick.C:
			env.hub.Publish(published)
		case <-deadline:
			t.Fatal("no live event received")
		}
	}
}
