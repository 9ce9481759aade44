// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package classify turns raw captured requests into tracking events
// by matching them against a KB snapshot and decoding known beacon
// formats.
package classify

import (
	"github.com/google/uuid"
	"github.com/oschwald/geoip2-golang"

	"grimm.is/spyglass/internal/capture"
	"grimm.is/spyglass/internal/events"
	"grimm.is/spyglass/internal/kb"
	"grimm.is/spyglass/internal/logging"
)

// Options tunes classifier behavior.
type Options struct {
	// DiscardUnmatched drops requests that match no tracker entity.
	// Off by default: unmatched traffic is recorded with a null
	// entity.
	DiscardUnmatched bool
	// GeoIPPath points at a GeoLite2 country database. Empty disables
	// destination enrichment.
	GeoIPPath string
	Logger    *logging.Logger
}

// Classifier is stateless per request; the KB snapshot is passed into
// each call so in-flight work keeps the snapshot it started with.
type Classifier struct {
	log              *logging.Logger
	discardUnmatched bool
	geo              *geoip2.Reader
}

// New creates a classifier. A missing or unreadable GeoIP database is
// logged and enrichment disabled, not fatal.
func New(opts Options) *Classifier {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	c := &Classifier{
		log:              log.WithComponent("classify"),
		discardUnmatched: opts.DiscardUnmatched,
	}
	if opts.GeoIPPath != "" {
		geo, err := geoip2.Open(opts.GeoIPPath)
		if err != nil {
			c.log.Warn("GeoIP database unavailable, enrichment disabled",
				"path", opts.GeoIPPath, "error", err)
		} else {
			c.geo = geo
		}
	}
	return c
}

// Close releases the GeoIP reader.
func (c *Classifier) Close() error {
	if c.geo != nil {
		return c.geo.Close()
	}
	return nil
}

// Classify matches req against snap and builds the event. The second
// return is false when the event should be discarded (unmatched
// traffic with DiscardUnmatched set).
func (c *Classifier) Classify(req capture.RawRequest, snap *kb.Snapshot) (*events.TrackingEvent, bool) {
	entity := snap.Classify(req.Host, req.URL)
	if entity == nil && c.discardUnmatched {
		return nil, false
	}

	ev := &events.TrackingEvent{
		ID:         uuid.NewString(),
		Timestamp:  req.Timestamp.UTC(),
		Method:     req.Method,
		URL:        req.URL,
		Host:       req.Host,
		Site:       req.Site,
		App:        req.App,
		Degraded:   req.Degraded,
		Provenance: events.ProvenanceLive,
		Confidence: 1.0,
	}
	if req.TLS != nil {
		ev.JA3 = req.TLS.JA3
	}

	if entity != nil {
		ev.EntityID = entity.ID
		ev.EntityName = entity.Name
		ev.Category = entity.Category
		// Snapshot the risk now; later KB edits never touch stored
		// events.
		ev.RiskScore = entity.RiskScore

		if entity.Protocol != "" && !req.Degraded {
			payload, err := Decode(entity.Protocol, req)
			if err != nil {
				c.log.Debug("payload decode failed",
					"protocol", entity.Protocol, "url", req.URL, "error", err)
				ev.Payload = &events.Payload{DecodeError: true}
			} else if payload != nil {
				ev.Payload = payload
			}
		}
	}

	if c.geo != nil && req.DestIP != nil {
		if rec, err := c.geo.Country(req.DestIP); err == nil && rec.Country.IsoCode != "" {
			ev.Country = rec.Country.IsoCode
		}
	}

	return ev, true
}
