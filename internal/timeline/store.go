// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package timeline persists classified tracking events in an
// append-only, time-indexed SQLite log and answers range queries over
// it.
package timeline

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/spyglass/internal/clock"
	"grimm.is/spyglass/internal/errors"
	"grimm.is/spyglass/internal/events"
	"grimm.is/spyglass/internal/kb"
	"grimm.is/spyglass/internal/logging"
	"grimm.is/spyglass/internal/scoring"
)

// schemaVersion is bumped on incompatible schema changes. A database
// created by a different version fails open rather than being
// silently misread.
const schemaVersion = "1"

// Store is the durable timeline. Appends are idempotent on the
// event's dedup key; rows are immutable once written.
type Store struct {
	db  *sql.DB
	log *logging.Logger
}

// Open opens or creates the timeline database. Integrity is verified
// before use; a corrupted database is surfaced as fatal, never
// silently truncated.
func Open(path string, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Default()
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "opening timeline db %s", path)
	}

	s := &Store{db: db, log: log.WithComponent("timeline")}
	if err := s.checkIntegrity(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// checkIntegrity runs SQLite's quick check. Failure means the index
// is corrupt and needs operator action (rebuild from an export).
func (s *Store) checkIntegrity() error {
	var result string
	if err := s.db.QueryRow("PRAGMA quick_check(1)").Scan(&result); err != nil {
		return errors.Wrap(err, errors.KindInternal, "timeline integrity check")
	}
	if result != "ok" {
		return errors.Errorf(errors.KindInternal,
			"timeline database failed integrity check (%s): rebuild required", result)
	}
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_info (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tracking_events (
		id TEXT PRIMARY KEY,
		dedup_key TEXT NOT NULL UNIQUE,
		timestamp INTEGER NOT NULL, -- Unix milliseconds, UTC
		method TEXT,
		url TEXT NOT NULL,
		host TEXT NOT NULL,
		site TEXT,
		app TEXT,
		entity_id TEXT,
		entity_name TEXT,
		category TEXT,
		risk_score REAL NOT NULL DEFAULT 0,
		payload TEXT,
		degraded BOOLEAN NOT NULL DEFAULT 0,
		country TEXT,
		ja3 TEXT,
		provenance TEXT NOT NULL,
		confidence REAL NOT NULL,
		value REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON tracking_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_entity ON tracking_events(entity_id);
	CREATE INDEX IF NOT EXISTS idx_events_category ON tracking_events(category);
	CREATE INDEX IF NOT EXISTS idx_events_site ON tracking_events(site);
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		action TEXT NOT NULL,
		detail TEXT
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, errors.KindInternal, "creating timeline schema")
	}

	// Version check fails fast: old data is never reinterpreted.
	var stored string
	err := s.db.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec("INSERT INTO schema_info (key, value) VALUES ('version', ?)", schemaVersion)
		return err
	case err != nil:
		return errors.Wrap(err, errors.KindInternal, "reading schema version")
	case stored != schemaVersion:
		return errors.Errorf(errors.KindValidation,
			"timeline schema version %s, this build uses %s: migrate before use", stored, schemaVersion)
	}
	return nil
}

// Append persists one event with its estimated value. Appends are
// idempotent: a duplicate dedup key is acknowledged without writing a
// second row. Returns whether a new row was inserted.
func (s *Store) Append(ev *events.TrackingEvent, value float64) (bool, error) {
	var payload []byte
	if ev.Payload != nil {
		payload, _ = json.Marshal(ev.Payload)
	}

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO tracking_events
		(id, dedup_key, timestamp, method, url, host, site, app,
		 entity_id, entity_name, category, risk_score, payload,
		 degraded, country, ja3, provenance, confidence, value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		ev.DedupKey(),
		ev.Timestamp.UnixMilli(),
		ev.Method,
		ev.URL,
		ev.Host,
		ev.Site,
		ev.App,
		ev.EntityID,
		ev.EntityName,
		string(ev.Category),
		ev.RiskScore,
		nullableString(payload),
		ev.Degraded,
		ev.Country,
		ev.JA3,
		string(ev.Provenance),
		ev.Confidence,
		value,
	)
	if err != nil {
		return false, errors.Attr(
			errors.Wrap(err, errors.KindUnavailable, "appending event"),
			"event_id", ev.ID)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Filters narrows a timeline query. Zero values mean no constraint.
type Filters struct {
	Entity   string
	Category kb.Category
	Site     string
	Limit    int
}

// StoredEvent is a persisted event with its estimated value.
type StoredEvent struct {
	events.TrackingEvent
	Value float64 `json:"value"`
}

// Query returns events in [start, end] matching the filters,
// ascending by timestamp. An inverted range returns an empty result
// with a warning, not an error.
func (s *Store) Query(start, end time.Time, f Filters) ([]StoredEvent, error) {
	if start.After(end) {
		s.log.Warn("query range inverted, returning empty result",
			"start", start, "end", end)
		return nil, nil
	}

	query := `
		SELECT id, timestamp, method, url, host, site, app,
		       entity_id, entity_name, category, risk_score, payload,
		       degraded, country, ja3, provenance, confidence, value
		FROM tracking_events
		WHERE timestamp >= ? AND timestamp <= ?`
	args := []any{start.UnixMilli(), end.UnixMilli()}

	if f.Entity != "" {
		query += " AND entity_id = ?"
		args = append(args, f.Entity)
	}
	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, string(f.Category))
	}
	if f.Site != "" {
		query += " AND site = ?"
		args = append(args, f.Site)
	}

	query += " ORDER BY timestamp ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "querying timeline")
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var ts int64
		var payload sql.NullString
		var category, provenance string
		err := rows.Scan(
			&ev.ID, &ts, &ev.Method, &ev.URL, &ev.Host, &ev.Site, &ev.App,
			&ev.EntityID, &ev.EntityName, &category, &ev.RiskScore, &payload,
			&ev.Degraded, &ev.Country, &ev.JA3, &provenance, &ev.Confidence, &ev.Value,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "scanning event row")
		}
		ev.Timestamp = time.UnixMilli(ts).UTC()
		ev.Category = kb.Category(category)
		ev.Provenance = events.Provenance(provenance)
		if payload.Valid && payload.String != "" {
			var p events.Payload
			if json.Unmarshal([]byte(payload.String), &p) == nil {
				ev.Payload = &p
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SiteStat aggregates tracking per origin site. Always derived by
// query, never cached as a source of truth.
type SiteStat struct {
	Site           string  `json:"site"`
	Events         int     `json:"events"`
	UniqueEntities int     `json:"unique_entities"`
	Value          float64 `json:"value"`
}

// SiteStats aggregates matched events per site over a window.
func (s *Store) SiteStats(start, end time.Time) ([]SiteStat, error) {
	rows, err := s.db.Query(`
		SELECT site, COUNT(*), COUNT(DISTINCT entity_id), COALESCE(SUM(value), 0)
		FROM tracking_events
		WHERE timestamp >= ? AND timestamp <= ? AND entity_id != '' AND site != ''
		GROUP BY site
		ORDER BY COUNT(*) DESC`,
		start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "querying site stats")
	}
	defer rows.Close()

	var out []SiteStat
	for rows.Next() {
		var st SiteStat
		if err := rows.Scan(&st.Site, &st.Events, &st.UniqueEntities, &st.Value); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ScoreInputs computes the privacy-score counts for a window straight
// from storage. This is the from-scratch reference for reconciling
// incremental scores. A non-empty provenance narrows the counts to one
// ingestion path; empty covers everything.
func (s *Store) ScoreInputs(start, end time.Time, highRiskThreshold float64, provenance events.Provenance) (scoring.ScoreInputs, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN risk_score >= ? THEN 1 ELSE 0 END), 0),
		       COUNT(DISTINCT CASE WHEN site != '' THEN site END)
		FROM tracking_events
		WHERE timestamp >= ? AND timestamp <= ? AND entity_id != ''`
	args := []any{highRiskThreshold, start.UnixMilli(), end.UnixMilli()}
	if provenance != "" {
		query += " AND provenance = ?"
		args = append(args, string(provenance))
	}

	var in scoring.ScoreInputs
	if err := s.db.QueryRow(query, args...).Scan(&in.TotalEvents, &in.HighRiskCount, &in.DistinctSites); err != nil {
		return in, errors.Wrap(err, errors.KindInternal, "computing score inputs")
	}
	return in, nil
}

// Count returns the number of stored events.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM tracking_events").Scan(&n)
	return n, err
}

// Audit appends an entry to the audit log (session boundaries,
// administrative actions).
func (s *Store) Audit(action string, detail any) error {
	_, err := s.db.Exec(
		"INSERT INTO audit_log (timestamp, action, detail) VALUES (?, ?, ?)",
		clock.Now().UnixMilli(), action, jsonDetail(detail))
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "writing audit entry")
	}
	return nil
}

// Clear removes all events atomically. The deletion itself is
// recorded in the audit log inside the same transaction.
func (s *Store) Clear() (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "starting clear transaction")
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRow("SELECT COUNT(*) FROM tracking_events").Scan(&n); err != nil {
		return 0, err
	}
	if _, err := tx.Exec("DELETE FROM tracking_events"); err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "clearing timeline")
	}
	if _, err := tx.Exec(
		"INSERT INTO audit_log (timestamp, action, detail) VALUES (?, 'clear', ?)",
		clock.Now().UnixMilli(), jsonDetail(map[string]int{"events_removed": n}),
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "committing clear")
	}

	s.log.Info("timeline cleared", "events_removed", n)
	return n, nil
}

// AuditEntries returns the audit trail, newest first.
func (s *Store) AuditEntries(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		"SELECT timestamp, action, COALESCE(detail, '') FROM audit_log ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		if err := rows.Scan(&ts, &e.Action, &e.Detail); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// AuditEntry is one administrative action recorded in the store.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func jsonDetail(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
