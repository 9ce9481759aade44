// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package events defines the classified tracking event, the unit that
// flows from the classifier into scoring, storage, and live feeds.
package events

import (
	"time"

	"grimm.is/spyglass/internal/kb"
)

// Provenance records how an event was obtained.
type Provenance string

const (
	ProvenanceLive          Provenance = "live"
	ProvenanceReconstructed Provenance = "reconstructed"
)

// Payload holds fields decoded from a known tracker beacon format.
type Payload struct {
	// EventType is the tracker's own event name (PageView, Purchase).
	EventType string `json:"event_type,omitempty"`
	// PixelID is the advertiser or property identifier in the beacon.
	PixelID string `json:"pixel_id,omitempty"`
	// PageURL is the page the beacon reported.
	PageURL   string `json:"page_url,omitempty"`
	PageTitle string `json:"page_title,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	// ConversionLabel is set for ad conversion pings.
	ConversionLabel string `json:"conversion_label,omitempty"`
	// Value and Currency are present when the beacon carried an
	// explicit monetary amount.
	Value    float64 `json:"value,omitempty"`
	Currency string  `json:"currency,omitempty"`
	// HashedEmail and HashedPhone flag advanced-matching fields that
	// carried (hashed) personal data. The values themselves are never
	// retained.
	HashedEmail bool `json:"hashed_email,omitempty"`
	HashedPhone bool `json:"hashed_phone,omitempty"`
	// DecodeError is set when the entity declared a protocol but the
	// payload did not parse. The event is kept regardless.
	DecodeError bool `json:"decode_error,omitempty"`
}

// TrackingEvent is one classified request, immutable once persisted.
type TrackingEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method,omitempty"`
	URL       string    `json:"url"`
	Host      string    `json:"host"`
	// Site is the origin site the request was observed from.
	Site string `json:"site,omitempty"`
	App  string `json:"app,omitempty"`

	// EntityID and the denormalized entity fields are empty for
	// unmatched traffic.
	EntityID   string      `json:"entity_id,omitempty"`
	EntityName string      `json:"entity_name,omitempty"`
	Category   kb.Category `json:"category,omitempty"`
	// RiskScore is the entity's risk at classification time. It is
	// never recomputed from a later KB snapshot.
	RiskScore float64 `json:"risk_score"`

	Payload *Payload `json:"payload,omitempty"`

	// Degraded marks host-only classification without payload
	// visibility.
	Degraded bool `json:"degraded,omitempty"`
	// Country is the destination country code when GeoIP enrichment
	// is configured.
	Country string `json:"country,omitempty"`
	// JA3 is the TLS client fingerprint when the capture source saw
	// the handshake.
	JA3 string `json:"ja3,omitempty"`

	Provenance Provenance `json:"provenance"`
	// Confidence is 1.0 for live capture, lower for events
	// reconstructed from browser artifacts.
	Confidence float64 `json:"confidence"`
}

// Matched reports whether the event resolved to a tracker entity.
func (e *TrackingEvent) Matched() bool { return e.EntityID != "" }

// DedupKey identifies an event for idempotent appends: re-ingesting
// the same source data produces the same key.
func (e *TrackingEvent) DedupKey() string {
	return string(e.Provenance) + "|" + e.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + e.EntityID + "|" + e.URL
}
