// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scoring

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"grimm.is/spyglass/internal/clock"
	"grimm.is/spyglass/internal/events"
)

func TestValueTableDefaults(t *testing.T) {
	table, err := LoadValueTable("")
	if err != nil {
		t.Fatalf("LoadValueTable: %v", err)
	}

	// Unmatched traffic is worthless to a tracker.
	if v := table.EventValue(&events.TrackingEvent{URL: "https://x.test"}); v != 0 {
		t.Errorf("unmatched value = %v, want 0", v)
	}

	// Unknown entity falls back to the default, scaled by risk.
	v := table.EventValue(&events.TrackingEvent{EntityID: "nobody", RiskScore: 5.0})
	if v != 0.03 { // 0.02 * 1.5
		t.Errorf("default value = %v, want 0.03", v)
	}

	// Entity override applies.
	v = table.EventValue(&events.TrackingEvent{EntityID: "acxiom", RiskScore: 0})
	if v != 0.08 {
		t.Errorf("acxiom value = %v, want 0.08", v)
	}

	// Decoded event type outranks the entity rate.
	v = table.EventValue(&events.TrackingEvent{
		EntityID:  "meta_platforms",
		RiskScore: 0,
		Payload:   &events.Payload{EventType: "Purchase"},
	})
	if v != 0.08 {
		t.Errorf("Purchase value = %v, want 0.08", v)
	}
}

func TestValueTableCustomFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "values.yaml")
	content := `
default: 0.5
risk_multiplier: false
event_types:
  PageView: 1.25
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := LoadValueTable(path)
	if err != nil {
		t.Fatalf("LoadValueTable: %v", err)
	}

	v := table.EventValue(&events.TrackingEvent{EntityID: "anyone", RiskScore: 10})
	if v != 0.5 {
		t.Errorf("value = %v, want 0.5 without risk multiplier", v)
	}
	v = table.EventValue(&events.TrackingEvent{
		EntityID: "anyone",
		Payload:  &events.Payload{EventType: "PageView"},
	})
	if v != 1.25 {
		t.Errorf("PageView = %v, want 1.25", v)
	}
}

func TestAggregatorMonotonic(t *testing.T) {
	table, _ := LoadValueTable("")
	agg := NewAggregator(table, 8.0, nil)

	var last float64
	for i := 0; i < 50; i++ {
		agg.Observe(&events.TrackingEvent{EntityID: "meta_platforms", RiskScore: 9.5, Site: "s.test"})
		s := agg.Stats()
		if s.ValueTotal < last {
			t.Fatalf("value total decreased: %v -> %v", last, s.ValueTotal)
		}
		last = s.ValueTotal
	}

	s := agg.Stats()
	if s.EventsTotal != 50 || s.HighRiskCount != 50 || s.UniqueEntities != 1 {
		t.Errorf("stats = %+v", s)
	}

	agg.Reset()
	if s := agg.Stats(); s.EventsTotal != 0 || s.ValueTotal != 0 {
		t.Errorf("stats after reset = %+v", s)
	}
}

func TestAggregatorDailyRollover(t *testing.T) {
	table, _ := LoadValueTable("")

	start := time.Date(2026, 8, 20, 23, 50, 0, 0, time.Local)
	mock := clock.NewMock(start)
	clock.Set(mock)
	defer clock.Set(nil)

	agg := NewAggregator(table, 8.0, nil)
	agg.Observe(&events.TrackingEvent{EntityID: "meta_platforms", RiskScore: 9.5})

	before := agg.Stats()
	if before.TodayEvents != 1 {
		t.Fatalf("TodayEvents = %d", before.TodayEvents)
	}

	// Cross local midnight: today's tally resets, totals persist.
	mock.Advance(20 * time.Minute)
	after := agg.Stats()
	if after.TodayEvents != 0 {
		t.Errorf("TodayEvents after midnight = %d, want 0", after.TodayEvents)
	}
	if after.EventsTotal != 1 {
		t.Errorf("EventsTotal after midnight = %d, want 1", after.EventsTotal)
	}
}
