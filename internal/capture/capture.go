// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture produces raw request events from one of three
// sources: a forwarding proxy, a packet sniffer, or an artifact
// replay. All sources feed the same bounded queue; the capture path
// never blocks on downstream consumers.
package capture

import (
	"context"
	"net"
	"time"
)

// RawRequest is one observed outbound request before classification.
type RawRequest struct {
	Timestamp time.Time
	Method    string
	URL       string
	Host      string
	// Site is the origin context the request was made from (referer
	// or initiator), when known.
	Site string
	// App is the initiating application or tab, when known.
	App         string
	ContentType string
	Body        []byte
	DestIP      net.IP
	// Degraded marks a request with no decrypted payload visibility;
	// classification falls back to host-only matching.
	Degraded bool
	TLS      *TLSInfo
}

// TLSInfo carries transport metadata recovered from a TLS handshake.
type TLSInfo struct {
	SNI     string
	JA3     string
	Version uint16
}

// Source is a capture backend. Open acquires the capture resource
// (port, interface, file) so acquisition failures surface to the
// caller synchronously. Run then blocks, pushing events into the
// queue until the context is cancelled or an unrecoverable capture
// failure occurs. Close releases whatever Open acquired.
type Source interface {
	Name() string
	Open() error
	Run(ctx context.Context, q *Queue) error
	Close() error
}
