// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scoring

import (
	"math"
	"time"

	"grimm.is/spyglass/internal/events"
)

// ScoreInputs are the aggregate counts the privacy score is a pure
// function of.
type ScoreInputs struct {
	TotalEvents   int `json:"total_events"`
	HighRiskCount int `json:"high_risk_count"`
	DistinctSites int `json:"distinct_sites"`
}

// Breakdown itemizes the penalties applied to the base score of 100.
type Breakdown struct {
	EventPenalty    float64 `json:"event_penalty"`
	HighRiskPenalty float64 `json:"high_risk_penalty"`
	SitePenalty     float64 `json:"site_penalty"`
}

// Snapshot is a privacy score over a stated window.
type Snapshot struct {
	Score       float64     `json:"score"`
	Grade       string      `json:"grade"`
	Breakdown   Breakdown   `json:"breakdown"`
	Inputs      ScoreInputs `json:"inputs"`
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`
}

// Compute derives the privacy score from aggregate counts. Penalties
// are capped so no single factor can zero the score: event volume up
// to 30 points (logarithmic), high-risk events up to 25, distinct
// tracked sites up to 20. The result is clamped to [0,100].
func Compute(in ScoreInputs) Snapshot {
	score := 100.0
	var b Breakdown

	if in.TotalEvents > 0 {
		b.EventPenalty = math.Min(30, math.Log10(float64(in.TotalEvents)+1)*10)
		score -= b.EventPenalty
	}
	if in.HighRiskCount > 0 {
		b.HighRiskPenalty = math.Min(25, float64(in.HighRiskCount)/10)
		score -= b.HighRiskPenalty
	}
	if in.DistinctSites > 0 {
		b.SitePenalty = math.Min(20, float64(in.DistinctSites)/2)
		score -= b.SitePenalty
	}

	score = math.Max(0, math.Min(100, score))
	return Snapshot{
		Score:     score,
		Grade:     Grade(score),
		Breakdown: b,
		Inputs:    in,
	}
}

// ComputeWindow recomputes the score from scratch over an event set.
// This is the reference the incremental aggregator is reconciled
// against.
func ComputeWindow(evs []*events.TrackingEvent, highRiskThreshold float64, start, end time.Time) Snapshot {
	in := ScoreInputs{}
	sites := make(map[string]struct{})
	for _, ev := range evs {
		if !ev.Matched() {
			continue
		}
		in.TotalEvents++
		if ev.RiskScore >= highRiskThreshold {
			in.HighRiskCount++
		}
		if ev.Site != "" {
			sites[ev.Site] = struct{}{}
		}
	}
	in.DistinctSites = len(sites)

	snap := Compute(in)
	snap.WindowStart = start
	snap.WindowEnd = end
	return snap
}

// Grade maps a score to its letter grade.
func Grade(score float64) string {
	switch {
	case score >= 90:
		return "A+"
	case score >= 80:
		return "A"
	case score >= 70:
		return "B"
	case score >= 60:
		return "C"
	case score >= 50:
		return "D"
	default:
		return "F"
	}
}
