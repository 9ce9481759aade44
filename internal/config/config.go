// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config defines the spyglass configuration schema and loaders.
// Config arrives either as an HCL file or as a raw map (embedders pass
// settings programmatically); both are normalized into the one Config
// struct so internal logic sees a single contract.
package config

import (
	"time"

	"grimm.is/spyglass/internal/errors"
	"grimm.is/spyglass/internal/logging"
)

// CurrentSchemaVersion is the configuration schema version this build
// understands. A file declaring a different version fails fast.
const CurrentSchemaVersion = "1.0"

// Config is the top-level spyglass configuration.
type Config struct {
	// Schema version for forward compatibility.
	// @default: "1.0"
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// Minimum log level: debug, info, warn, error.
	// @default: "info"
	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"`
	// Log output format: text or json.
	// @default: "text"
	LogFormat string `hcl:"log_format,optional" json:"log_format,omitempty"`
	// Optional forwarding of log output to a remote syslog collector.
	Syslog *logging.SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`

	KnowledgeBase *KnowledgeBaseConfig `hcl:"knowledge_base,block" json:"knowledge_base,omitempty"`
	Capture       *CaptureConfig       `hcl:"capture,block" json:"capture,omitempty"`
	Classifier    *ClassifierConfig    `hcl:"classifier,block" json:"classifier,omitempty"`
	Scoring       *ScoringConfig       `hcl:"scoring,block" json:"scoring,omitempty"`
	Store         *StoreConfig         `hcl:"store,block" json:"store,omitempty"`
	API           *APIConfig           `hcl:"api,block" json:"api,omitempty"`
}

// KnowledgeBaseConfig locates the tracker knowledge base.
type KnowledgeBaseConfig struct {
	// Path to the KB JSON snapshot. Empty uses the built-in set.
	Path string `hcl:"path,optional" json:"path,omitempty"`
	// Watch the KB file and hot-swap snapshots on change.
	// @default: false
	Watch bool `hcl:"watch,optional" json:"watch,omitempty"`
}

// CaptureConfig selects and tunes the interception source.
type CaptureConfig struct {
	// Source type: proxy, sniffer, or replay.
	// @default: "proxy"
	Source string `hcl:"source,optional" json:"source,omitempty"`
	// Proxy listen address (forwarding intermediary).
	// @default: "127.0.0.1:8118"
	ProxyListen string `hcl:"proxy_listen,optional" json:"proxy_listen,omitempty"`
	// Network interface for the packet sniffer.
	Interface string `hcl:"interface,optional" json:"interface,omitempty"`
	// Optional BPF filter for the sniffer.
	BPFFilter string `hcl:"bpf_filter,optional" json:"bpf_filter,omitempty"`
	// Replay input: a JSONL request log or a pcap file.
	ReplayPath string `hcl:"replay_path,optional" json:"replay_path,omitempty"`
	// Bounded capture queue capacity. Overflow drops oldest.
	// @default: 1000
	QueueSize int `hcl:"queue_size,optional" json:"queue_size,omitempty"`
	// How long stop() waits for queued events to drain.
	// @default: "5s"
	DrainTimeout string `hcl:"drain_timeout,optional" json:"drain_timeout,omitempty"`
}

// ClassifierConfig tunes event classification.
type ClassifierConfig struct {
	// Drop requests that match no tracker entity instead of
	// persisting them unmatched.
	// @default: false
	DiscardUnmatched bool `hcl:"discard_unmatched,optional" json:"discard_unmatched,omitempty"`
	// Optional GeoLite2 country database for destination enrichment.
	GeoIPDatabase string `hcl:"geoip_database,optional" json:"geoip_database,omitempty"`
}

// ScoringConfig tunes the privacy score and value estimation.
type ScoringConfig struct {
	// YAML table mapping decoded event types to estimated USD values.
	// Empty uses the built-in heuristic table.
	ValueTablePath string `hcl:"value_table,optional" json:"value_table,omitempty"`
	// Events at or above this risk score count as high risk.
	// @default: 8.0
	HighRiskThreshold float64 `hcl:"high_risk_threshold,optional" json:"high_risk_threshold,omitempty"`
	// Interval between incremental-vs-recompute reconciliations.
	// @default: "10m"
	ReconcileInterval string `hcl:"reconcile_interval,optional" json:"reconcile_interval,omitempty"`
}

// StoreConfig locates the timeline database.
type StoreConfig struct {
	// SQLite database path.
	// @default: "spyglass.db"
	Path string `hcl:"path,optional" json:"path,omitempty"`
}

// APIConfig configures the HTTP query/control surface.
type APIConfig struct {
	// Listen address for the REST API and /metrics.
	// @default: "127.0.0.1:8439"
	ListenAddr string `hcl:"listen,optional" json:"listen,omitempty"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	cfg := &Config{SchemaVersion: CurrentSchemaVersion}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Syslog == nil {
		def := logging.DefaultSyslogConfig()
		c.Syslog = &def
	}
	if c.KnowledgeBase == nil {
		c.KnowledgeBase = &KnowledgeBaseConfig{}
	}
	if c.Capture == nil {
		c.Capture = &CaptureConfig{}
	}
	if c.Capture.Source == "" {
		c.Capture.Source = "proxy"
	}
	if c.Capture.ProxyListen == "" {
		c.Capture.ProxyListen = "127.0.0.1:8118"
	}
	if c.Capture.QueueSize == 0 {
		c.Capture.QueueSize = 1000
	}
	if c.Capture.DrainTimeout == "" {
		c.Capture.DrainTimeout = "5s"
	}
	if c.Classifier == nil {
		c.Classifier = &ClassifierConfig{}
	}
	if c.Scoring == nil {
		c.Scoring = &ScoringConfig{}
	}
	if c.Scoring.HighRiskThreshold == 0 {
		c.Scoring.HighRiskThreshold = 8.0
	}
	if c.Scoring.ReconcileInterval == "" {
		c.Scoring.ReconcileInterval = "10m"
	}
	if c.Store == nil {
		c.Store = &StoreConfig{}
	}
	if c.Store.Path == "" {
		c.Store.Path = "spyglass.db"
	}
	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = "127.0.0.1:8439"
	}
}

// Validate checks cross-field constraints. Defaults must already be applied.
func (c *Config) Validate() error {
	if c.SchemaVersion != CurrentSchemaVersion {
		return errors.Errorf(errors.KindValidation,
			"unsupported config schema version %q (this build understands %q)",
			c.SchemaVersion, CurrentSchemaVersion)
	}

	if c.Syslog.Enabled {
		if c.Syslog.Host == "" {
			return errors.New(errors.KindValidation, "syslog.host is required when syslog is enabled")
		}
		switch c.Syslog.Protocol {
		case "", "udp", "tcp":
		default:
			return errors.Errorf(errors.KindValidation,
				"unknown syslog protocol %q (want udp or tcp)", c.Syslog.Protocol)
		}
	}

	switch c.Capture.Source {
	case "proxy", "sniffer", "replay":
	default:
		return errors.Errorf(errors.KindValidation,
			"unknown capture source %q (want proxy, sniffer, or replay)", c.Capture.Source)
	}

	if c.Capture.Source == "sniffer" && c.Capture.Interface == "" {
		return errors.New(errors.KindValidation, "capture.interface is required for the sniffer source")
	}
	if c.Capture.Source == "replay" && c.Capture.ReplayPath == "" {
		return errors.New(errors.KindValidation, "capture.replay_path is required for the replay source")
	}
	if c.Capture.QueueSize < 1 {
		return errors.New(errors.KindValidation, "capture.queue_size must be positive")
	}
	if _, err := time.ParseDuration(c.Capture.DrainTimeout); err != nil {
		return errors.Wrapf(err, errors.KindValidation, "invalid capture.drain_timeout %q", c.Capture.DrainTimeout)
	}
	if c.Scoring.HighRiskThreshold < 0 || c.Scoring.HighRiskThreshold > 10 {
		return errors.New(errors.KindValidation, "scoring.high_risk_threshold must be within [0,10]")
	}
	if _, err := time.ParseDuration(c.Scoring.ReconcileInterval); err != nil {
		return errors.Wrapf(err, errors.KindValidation, "invalid scoring.reconcile_interval %q", c.Scoring.ReconcileInterval)
	}
	return nil
}

// DrainTimeoutDuration returns the parsed drain timeout.
func (c *CaptureConfig) DrainTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.DrainTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// ReconcileIntervalDuration returns the parsed reconcile interval.
func (c *ScoringConfig) ReconcileIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.ReconcileInterval)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}
