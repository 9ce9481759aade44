// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestSyslogWriterFraming(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	host, portStr, err := net.SplitHostPort(pc.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	w, err := NewSyslogWriter(SyslogConfig{
		Enabled:  true,
		Host:     host,
		Port:     port,
		Protocol: "udp",
		Tag:      "spyglass",
		Facility: 1,
	})
	if err != nil {
		t.Fatalf("NewSyslogWriter: %v", err)
	}
	defer w.Close()

	line := []byte("monitor session started\n")
	n, err := w.Write(line)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(line) {
		t.Errorf("Write returned %d, want %d", n, len(line))
	}

	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	rn, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("reading forwarded message: %v", err)
	}
	msg := string(buf[:rn])

	// PRI is facility*8 + severity 6 (informational).
	if !strings.HasPrefix(msg, "<14>") {
		t.Errorf("message %q lacks PRI <14>", msg)
	}
	if !strings.Contains(msg, "spyglass: monitor session started") {
		t.Errorf("message %q lacks tag and payload", msg)
	}
}

func TestSyslogWriterAppliesDefaults(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	host, portStr, _ := net.SplitHostPort(pc.LocalAddr().String())
	port, _ := strconv.Atoi(portStr)

	// Only the host and port set: protocol and tag are defaulted.
	w, err := NewSyslogWriter(SyslogConfig{Host: host, Port: port})
	if err != nil {
		t.Fatalf("NewSyslogWriter: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("kb snapshot swapped")); err != nil {
		t.Fatal(err)
	}

	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	rn, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(buf[:rn]), "spyglass: kb snapshot swapped") {
		t.Errorf("default tag not applied: %q", buf[:rn])
	}
}

func TestNewSyslogWriterRequiresHost(t *testing.T) {
	if _, err := NewSyslogWriter(SyslogConfig{Enabled: true}); err == nil {
		t.Error("expected an error for a missing host")
	}
}

func TestDefaultSyslogConfig(t *testing.T) {
	cfg := DefaultSyslogConfig()
	if cfg.Enabled {
		t.Error("syslog forwarding should default off")
	}
	if cfg.Port != 514 || cfg.Protocol != "udp" || cfg.Tag != "spyglass" {
		t.Errorf("defaults = %+v", cfg)
	}
}
