// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scoring

import (
	"math"
	"sync"
	"time"

	"grimm.is/spyglass/internal/clock"
	"grimm.is/spyglass/internal/events"
	"grimm.is/spyglass/internal/logging"
)

// LiveStats is the running view of the current session plus today's
// tallies.
type LiveStats struct {
	EventsTotal    uint64  `json:"events_total"`
	MatchedTotal   uint64  `json:"matched_total"`
	UniqueEntities int     `json:"unique_entities"`
	UniqueSites    int     `json:"unique_sites"`
	HighRiskCount  uint64  `json:"high_risk_count"`
	ValueTotal     float64 `json:"value_total"`
	TodayEvents    uint64  `json:"today_events"`
	TodayValue     float64 `json:"today_value"`
}

// Aggregator maintains running totals over observed events. Totals
// are monotonically non-decreasing; only Reset lowers them. The
// "today" tallies roll over at local midnight without touching
// anything persisted.
type Aggregator struct {
	log      *logging.Logger
	values   *ValueTable
	highRisk float64

	mu         sync.Mutex
	events     uint64
	matched    uint64
	highRiskN  uint64
	value      float64
	entities   map[string]struct{}
	sites      map[string]struct{}
	todayStart time.Time
	todayN     uint64
	todayValue float64
}

// NewAggregator creates an aggregator using the given value table and
// high-risk threshold.
func NewAggregator(values *ValueTable, highRiskThreshold float64, log *logging.Logger) *Aggregator {
	if log == nil {
		log = logging.Default()
	}
	return &Aggregator{
		log:        log.WithComponent("scoring"),
		values:     values,
		highRisk:   highRiskThreshold,
		entities:   make(map[string]struct{}),
		sites:      make(map[string]struct{}),
		todayStart: localMidnight(clock.Now()),
	}
}

// Observe folds one classified event into the running totals and
// returns its estimated value.
func (a *Aggregator) Observe(ev *events.TrackingEvent) float64 {
	v := a.values.EventValue(ev)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverLocked(clock.Now())

	a.events++
	a.todayN++
	if ev.Matched() {
		a.matched++
		a.entities[ev.EntityID] = struct{}{}
		if ev.Site != "" {
			a.sites[ev.Site] = struct{}{}
		}
		if ev.RiskScore >= a.highRisk {
			a.highRiskN++
		}
		a.value += v
		a.todayValue += v
	}
	return v
}

// Stats returns the current totals.
func (a *Aggregator) Stats() LiveStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverLocked(clock.Now())

	return LiveStats{
		EventsTotal:    a.events,
		MatchedTotal:   a.matched,
		UniqueEntities: len(a.entities),
		UniqueSites:    len(a.sites),
		HighRiskCount:  a.highRiskN,
		ValueTotal:     a.value,
		TodayEvents:    a.todayN,
		TodayValue:     a.todayValue,
	}
}

// ScoreInputs returns the counts the incremental privacy score is
// built from.
func (a *Aggregator) ScoreInputs() ScoreInputs {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ScoreInputs{
		TotalEvents:   int(a.matched),
		HighRiskCount: int(a.highRiskN),
		DistinctSites: len(a.sites),
	}
}

// Reset clears all running totals. This is the only operation that
// decreases them.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = 0
	a.matched = 0
	a.highRiskN = 0
	a.value = 0
	a.entities = make(map[string]struct{})
	a.sites = make(map[string]struct{})
	a.todayN = 0
	a.todayValue = 0
	a.todayStart = localMidnight(clock.Now())
}

// Reconcile compares the incremental score against a from-scratch
// recompute and reports whether they diverged beyond tolerance. A
// divergence is a defect in the incremental path; the recomputed
// value is authoritative.
func (a *Aggregator) Reconcile(reference Snapshot) bool {
	incremental := Compute(a.ScoreInputs())
	drift := math.Abs(incremental.Score - reference.Score)
	if drift > 0.001 {
		a.log.Warn("incremental score drifted from recompute",
			"incremental", incremental.Score,
			"recomputed", reference.Score,
			"drift", drift)
		return false
	}
	return true
}

// rolloverLocked resets the daily tallies once local midnight passes.
func (a *Aggregator) rolloverLocked(now time.Time) {
	midnight := localMidnight(now)
	if midnight.After(a.todayStart) {
		a.todayStart = midnight
		a.todayN = 0
		a.todayValue = 0
	}
}

func localMidnight(t time.Time) time.Time {
	local := t.Local()
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}
