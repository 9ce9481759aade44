// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package kb holds the tracker knowledge base: the versioned set of
// tracker entities and the domain index used to classify requests.
// A Snapshot is immutable after load; updates replace the whole
// snapshot atomically via the Provider.
package kb

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"grimm.is/spyglass/internal/errors"
)

// SchemaVersion is the KB snapshot schema this build reads. A snapshot
// declaring a different version fails fast at load.
const SchemaVersion = "1.0"

// Category groups tracker entities by what they do with the data.
type Category string

const (
	CategoryAdNetwork      Category = "ad_network"
	CategoryAnalytics      Category = "analytics"
	CategorySocialTracking Category = "social_tracking"
	CategoryDataBroker     Category = "data_broker"
	CategoryFingerprinting Category = "fingerprinting"
	CategoryABTesting      Category = "ab_testing"
	CategoryCDNSecurity    Category = "cdn_security"
	CategoryUserTracking   Category = "user_tracking"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryAdNetwork, CategoryAnalytics, CategorySocialTracking,
		CategoryDataBroker, CategoryFingerprinting, CategoryABTesting,
		CategoryCDNSecurity, CategoryUserTracking:
		return true
	}
	return false
}

// TrackerEntity is one known tracking organization.
type TrackerEntity struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Organization string   `json:"organization,omitempty"`
	Category     Category `json:"category"`
	// RiskScore rates privacy impact on a 0-10 scale.
	RiskScore float64 `json:"risk_score"`
	// Domains are exact hosts this entity serves from. Subdomains of a
	// listed domain match by suffix.
	Domains []string `json:"domains"`
	// Patterns are URL substrings (host+path prefixes like
	// "facebook.com/tr") matched against the full URL as a fallback.
	Patterns []string `json:"patterns,omitempty"`
	// Protocol selects the payload decoder for this entity's beacons.
	Protocol string `json:"protocol,omitempty"`
}

type snapshotFile struct {
	SchemaVersion string           `json:"schema_version"`
	Version       string           `json:"version"`
	Entities      []*TrackerEntity `json:"entities"`
}

// Snapshot is an immutable, versioned view of the knowledge base.
// All lookups go through the domain index; the entity slice is never
// scanned per request.
type Snapshot struct {
	version  string
	entities []*TrackerEntity
	byID     map[string]*TrackerEntity
	// byDomain maps an exact host to its owning entity.
	byDomain map[string]*TrackerEntity
	// patterns pairs a URL substring with its owning entity, checked
	// only when no domain match exists.
	patterns []patternEntry
}

type patternEntry struct {
	substr string
	entity *TrackerEntity
}

// Version returns the snapshot's data version string.
func (s *Snapshot) Version() string { return s.version }

// Entities returns all entities in the snapshot.
func (s *Snapshot) Entities() []*TrackerEntity { return s.entities }

// Len returns the number of entities.
func (s *Snapshot) Len() int { return len(s.entities) }

// EntityByID returns the entity with the given id, or nil.
func (s *Snapshot) EntityByID(id string) *TrackerEntity { return s.byID[id] }

// Load reads a KB snapshot from a JSON file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "reading KB snapshot %s", path)
	}
	return Parse(data)
}

// Parse builds a Snapshot from JSON bytes. Duplicate domain claims
// across entities are a data-quality error and fail the whole load.
func Parse(data []byte) (*Snapshot, error) {
	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "parsing KB snapshot")
	}
	if file.SchemaVersion != SchemaVersion {
		return nil, errors.Errorf(errors.KindValidation,
			"KB snapshot schema version %q, this build reads %q", file.SchemaVersion, SchemaVersion)
	}
	if len(file.Entities) == 0 {
		return nil, errors.New(errors.KindValidation, "KB snapshot has no entities")
	}

	snap := &Snapshot{
		version:  file.Version,
		entities: file.Entities,
		byID:     make(map[string]*TrackerEntity, len(file.Entities)),
		byDomain: make(map[string]*TrackerEntity),
	}

	for _, e := range file.Entities {
		if e.ID == "" || e.Name == "" {
			return nil, errors.Errorf(errors.KindValidation, "entity %q missing id or name", e.Name)
		}
		if !e.Category.Valid() {
			return nil, errors.Errorf(errors.KindValidation, "entity %s: unknown category %q", e.ID, e.Category)
		}
		if e.RiskScore < 0 || e.RiskScore > 10 {
			return nil, errors.Errorf(errors.KindValidation, "entity %s: risk score %.1f outside [0,10]", e.ID, e.RiskScore)
		}
		if prev, dup := snap.byID[e.ID]; dup {
			return nil, errors.Errorf(errors.KindConflict, "duplicate entity id %q (%s, %s)", e.ID, prev.Name, e.Name)
		}
		snap.byID[e.ID] = e

		for _, d := range e.Domains {
			host := normalizeHost(d)
			if host == "" || strings.Contains(host, "/") {
				return nil, errors.Errorf(errors.KindValidation, "entity %s: %q is not a bare host (use patterns for URL prefixes)", e.ID, d)
			}
			if prev, claimed := snap.byDomain[host]; claimed && prev != e {
				return nil, errors.Errorf(errors.KindConflict,
					"domain %q claimed by both %s and %s", host, prev.Name, e.Name)
			}
			snap.byDomain[host] = e
		}
		for _, p := range e.Patterns {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" {
				continue
			}
			snap.patterns = append(snap.patterns, patternEntry{substr: p, entity: e})
		}
	}
	return snap, nil
}

// Classify matches a request against the snapshot. Precedence: exact
// host, then longest matching domain suffix, then URL substring
// patterns. Returns nil when nothing matches.
func (s *Snapshot) Classify(host, fullURL string) *TrackerEntity {
	host = normalizeHost(host)
	if host == "" && fullURL == "" {
		return nil
	}

	if e, ok := s.byDomain[host]; ok {
		return e
	}

	// Walk suffixes from the most specific: stripping labels from the
	// left finds the longest registered suffix first.
	rest := host
	for {
		i := strings.IndexByte(rest, '.')
		if i < 0 {
			break
		}
		rest = rest[i+1:]
		if e, ok := s.byDomain[rest]; ok {
			return e
		}
	}

	if fullURL != "" {
		u := strings.ToLower(fullURL)
		u = strings.TrimPrefix(u, "https://")
		u = strings.TrimPrefix(u, "http://")
		for _, p := range s.patterns {
			if strings.Contains(u, p.substr) {
				return p.entity
			}
		}
	}
	return nil
}

// Stats summarizes a snapshot for status surfaces.
type Stats struct {
	Version       string           `json:"version"`
	TotalEntities int              `json:"total_entities"`
	TotalDomains  int              `json:"total_domains"`
	ByCategory    map[Category]int `json:"by_category"`
	HighRiskCount int              `json:"high_risk_count"`
}

// Stats computes summary statistics. Entities with risk at or above
// threshold count as high risk.
func (s *Snapshot) Stats(threshold float64) Stats {
	st := Stats{
		Version:       s.version,
		TotalEntities: len(s.entities),
		TotalDomains:  len(s.byDomain),
		ByCategory:    make(map[Category]int),
	}
	for _, e := range s.entities {
		st.ByCategory[e.Category]++
		if e.RiskScore >= threshold {
			st.HighRiskCount++
		}
	}
	return st
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimSuffix(h, ".")
	// SplitHostPort handles host:port and [v6]:port; bare hosts and
	// bare IPv6 addresses fail the split and pass through unchanged.
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	h = strings.Trim(h, "[]")
	return h
}

// String implements fmt.Stringer for log lines.
func (e *TrackerEntity) String() string {
	return fmt.Sprintf("%s (%s, risk %.1f)", e.Name, e.Category, e.RiskScore)
}
