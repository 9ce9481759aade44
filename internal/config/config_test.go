// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"

	"grimm.is/spyglass/internal/errors"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("SchemaVersion = %q, want %q", cfg.SchemaVersion, CurrentSchemaVersion)
	}
	if cfg.Capture.Source != "proxy" {
		t.Errorf("Capture.Source = %q, want proxy", cfg.Capture.Source)
	}
	if cfg.Capture.QueueSize != 1000 {
		t.Errorf("Capture.QueueSize = %d, want 1000", cfg.Capture.QueueSize)
	}
	if cfg.Scoring.HighRiskThreshold != 8.0 {
		t.Errorf("Scoring.HighRiskThreshold = %v, want 8.0", cfg.Scoring.HighRiskThreshold)
	}
	if cfg.API.ListenAddr != "127.0.0.1:8439" {
		t.Errorf("API.ListenAddr = %q", cfg.API.ListenAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateSchemaVersion(t *testing.T) {
	cfg := Default()
	cfg.SchemaVersion = "99.0"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for unknown schema version")
	}
	if errors.GetKind(err) != errors.KindValidation {
		t.Errorf("kind = %v, want KindValidation", errors.GetKind(err))
	}
}

func TestValidateCaptureSource(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"proxy ok", func(c *Config) { c.Capture.Source = "proxy" }, false},
		{"unknown source", func(c *Config) { c.Capture.Source = "mirror" }, true},
		{"sniffer without interface", func(c *Config) { c.Capture.Source = "sniffer" }, true},
		{"sniffer with interface", func(c *Config) {
			c.Capture.Source = "sniffer"
			c.Capture.Interface = "eth0"
		}, false},
		{"replay without path", func(c *Config) { c.Capture.Source = "replay" }, true},
		{"replay with path", func(c *Config) {
			c.Capture.Source = "replay"
			c.Capture.ReplayPath = "/tmp/requests.jsonl"
		}, false},
		{"zero queue", func(c *Config) { c.Capture.QueueSize = -1 }, true},
		{"bad drain timeout", func(c *Config) { c.Capture.DrainTimeout = "soon" }, true},
		{"threshold out of range", func(c *Config) { c.Scoring.HighRiskThreshold = 11 }, true},
		{"bad reconcile interval", func(c *Config) { c.Scoring.ReconcileInterval = "often" }, true},
		{"syslog enabled without host", func(c *Config) { c.Syslog.Enabled = true }, true},
		{"syslog enabled with host", func(c *Config) {
			c.Syslog.Enabled = true
			c.Syslog.Host = "logs.internal"
		}, false},
		{"syslog bad protocol", func(c *Config) {
			c.Syslog.Enabled = true
			c.Syslog.Host = "logs.internal"
			c.Syslog.Protocol = "sctp"
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadHCL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spyglass.hcl")
	content := `
schema_version = "1.0"
log_level      = "debug"

capture {
  source     = "replay"
  replay_path = "/tmp/session.jsonl"
  queue_size = 64
}

scoring {
  high_risk_threshold = 7.5
}

syslog {
  enabled = true
  host    = "logs.internal"
  port    = 1514
}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Capture.Source != "replay" || cfg.Capture.QueueSize != 64 {
		t.Errorf("capture block not decoded: %+v", cfg.Capture)
	}
	if cfg.Scoring.HighRiskThreshold != 7.5 {
		t.Errorf("HighRiskThreshold = %v", cfg.Scoring.HighRiskThreshold)
	}
	if !cfg.Syslog.Enabled || cfg.Syslog.Host != "logs.internal" || cfg.Syslog.Port != 1514 {
		t.Errorf("syslog block not decoded: %+v", cfg.Syslog)
	}
	// Unset fields still receive defaults.
	if cfg.Store.Path != "spyglass.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/spyglass.hcl")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if errors.GetKind(err) != errors.KindNotFound {
		t.Errorf("kind = %v, want KindNotFound", errors.GetKind(err))
	}
}

func TestFromMap(t *testing.T) {
	cfg, err := FromMap(map[string]any{
		"log_level": "warn",
		"capture": map[string]any{
			"source":     "proxy",
			"queue_size": 10,
		},
	})
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Capture.QueueSize != 10 {
		t.Errorf("QueueSize = %d", cfg.Capture.QueueSize)
	}
}

func TestFromMapUnknownKey(t *testing.T) {
	_, err := FromMap(map[string]any{"log_levle": "warn"})
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}
