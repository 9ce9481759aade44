// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"time"
)

// SyslogConfig configures forwarding of log lines to a remote syslog
// collector (RFC 3164 framing over UDP or TCP).
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Host     string `hcl:"host,optional" json:"host,omitempty"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"` // "udp" or "tcp"
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
	Facility int    `hcl:"facility,optional" json:"facility,omitempty"`
}

// DefaultSyslogConfig returns the default (disabled) syslog configuration.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "spyglass",
		Facility: 1,
	}
}

// SyslogWriter is an io.Writer that frames each write as a syslog message.
type SyslogWriter struct {
	conn     net.Conn
	tag      string
	facility int
}

// NewSyslogWriter connects to the configured syslog host.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "spyglass"
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	conn, err := net.DialTimeout(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog %s: %w", addr, err)
	}

	return &SyslogWriter{conn: conn, tag: cfg.Tag, facility: cfg.Facility}, nil
}

// Write frames p as a single syslog message at severity "info".
func (w *SyslogWriter) Write(p []byte) (int, error) {
	// PRI = facility*8 + severity (6 = informational)
	pri := w.facility*8 + 6
	msg := fmt.Sprintf("<%d>%s %s: %s", pri, time.Now().Format(time.Stamp), w.tag, p)
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying connection.
func (w *SyslogWriter) Close() error {
	return w.conn.Close()
}
