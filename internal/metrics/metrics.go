// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes pipeline health as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all spyglass Prometheus metrics.
type Metrics struct {
	// Capture pipeline
	EventsCaptured prometheus.Counter
	EventsDropped  prometheus.Counter
	QueueDepth     prometheus.Gauge

	// Classification
	EventsClassified *prometheus.CounterVec
	EventsMatched    prometheus.Counter
	HighRiskEvents   prometheus.Counter
	DecodeErrors     prometheus.Counter

	// Persistence
	StoreWrites        prometheus.Counter
	StoreWriteFailures prometheus.Counter
	StoreRetries       prometheus.Counter

	// Scoring
	ValueTotal   prometheus.Counter
	ScoreDrift   prometheus.Counter
	PrivacyScore prometheus.Gauge

	// Monitor
	MonitorRunning prometheus.Gauge
	DrainDiscarded prometheus.Counter
}

// NewMetrics creates the spyglass metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spyglass_events_captured_total",
			Help: "Total raw requests produced by the capture source",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spyglass_events_dropped_total",
			Help: "Total events evicted from the bounded capture queue",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spyglass_queue_depth",
			Help: "Current number of events waiting in the capture queue",
		}),

		EventsClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spyglass_events_classified_total",
			Help: "Total events classified, by provenance",
		}, []string{"provenance"}),
		EventsMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spyglass_events_matched_total",
			Help: "Total events matched to a tracker entity",
		}),
		HighRiskEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spyglass_high_risk_events_total",
			Help: "Total matched events at or above the high-risk threshold",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spyglass_decode_errors_total",
			Help: "Total payloads that failed protocol decoding",
		}),

		StoreWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spyglass_store_writes_total",
			Help: "Total events appended to the timeline store",
		}),
		StoreWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spyglass_store_write_failures_total",
			Help: "Total store appends that failed after retries",
		}),
		StoreRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spyglass_store_retries_total",
			Help: "Total retried store appends",
		}),

		ValueTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spyglass_estimated_value_usd_total",
			Help: "Accumulated estimated value of tracked data in USD",
		}),
		ScoreDrift: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spyglass_score_drift_total",
			Help: "Times the incremental privacy score diverged from a recompute",
		}),
		PrivacyScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spyglass_privacy_score",
			Help: "Most recently computed privacy score (0-100)",
		}),

		MonitorRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spyglass_monitor_running",
			Help: "Whether a monitor session is active (1 running, 0 stopped)",
		}),
		DrainDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spyglass_drain_discarded_total",
			Help: "Queued events discarded because stop() hit the drain timeout",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.EventsCaptured.Describe(ch)
	m.EventsDropped.Describe(ch)
	m.QueueDepth.Describe(ch)

	m.EventsClassified.Describe(ch)
	m.EventsMatched.Describe(ch)
	m.HighRiskEvents.Describe(ch)
	m.DecodeErrors.Describe(ch)

	m.StoreWrites.Describe(ch)
	m.StoreWriteFailures.Describe(ch)
	m.StoreRetries.Describe(ch)

	m.ValueTotal.Describe(ch)
	m.ScoreDrift.Describe(ch)
	m.PrivacyScore.Describe(ch)

	m.MonitorRunning.Describe(ch)
	m.DrainDiscarded.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.EventsCaptured.Collect(ch)
	m.EventsDropped.Collect(ch)
	m.QueueDepth.Collect(ch)

	m.EventsClassified.Collect(ch)
	m.EventsMatched.Collect(ch)
	m.HighRiskEvents.Collect(ch)
	m.DecodeErrors.Collect(ch)

	m.StoreWrites.Collect(ch)
	m.StoreWriteFailures.Collect(ch)
	m.StoreRetries.Collect(ch)

	m.ValueTotal.Collect(ch)
	m.ScoreDrift.Collect(ch)
	m.PrivacyScore.Collect(ch)

	m.MonitorRunning.Collect(ch)
	m.DrainDiscarded.Collect(ch)
}
