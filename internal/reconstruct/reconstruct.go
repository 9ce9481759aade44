// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reconstruct backfills the timeline from pre-existing
// browser artifacts (history and cookie databases). Reconstructed
// events flow through the same classifier and store as live capture,
// tagged with lower confidence.
package reconstruct

import (
	"grimm.is/spyglass/internal/capture"
	"grimm.is/spyglass/internal/classify"
	"grimm.is/spyglass/internal/errors"
	"grimm.is/spyglass/internal/events"
	"grimm.is/spyglass/internal/kb"
	"grimm.is/spyglass/internal/logging"
	"grimm.is/spyglass/internal/scoring"
	"grimm.is/spyglass/internal/timeline"
)

// Confidence assigned to reconstructed events. A visit row proves a
// navigation happened; a cookie only proves the tracker was present
// at some point.
const (
	visitConfidence  = 0.7
	cookieConfidence = 0.6
)

// maxRecordedFailures bounds how many per-record failure reasons a
// Result retains. The counters keep counting past it.
const maxRecordedFailures = 100

// Failure describes one record that could not be ingested.
type Failure struct {
	Record string `json:"record"`
	Reason string `json:"reason"`
}

// Result summarizes one ingestion batch.
type Result struct {
	RecordsProcessed int       `json:"records_processed"`
	RecordsFailed    int       `json:"records_failed"`
	EventsAppended   int       `json:"events_appended"`
	Duplicates       int       `json:"duplicates"`
	Failures         []Failure `json:"failures,omitempty"`
}

func (r *Result) fail(record string, err error) {
	r.RecordsFailed++
	if len(r.Failures) < maxRecordedFailures {
		r.Failures = append(r.Failures, Failure{Record: record, Reason: err.Error()})
	}
}

// ArtifactSource names one browser artifact store to ingest. Paths
// may point at live databases; they are copied before reading.
type ArtifactSource struct {
	// Browser is "chromium" (Chrome, Edge, Brave) or "firefox".
	Browser string
	// HistoryPath is the visit database (History / places.sqlite).
	HistoryPath string
	// CookiesPath is the cookie database; optional.
	CookiesPath string
}

// Reconstructor converts artifact records into timeline events.
type Reconstructor struct {
	log        *logging.Logger
	classifier *classify.Classifier
	values     *scoring.ValueTable
	store      *timeline.Store
}

// New creates a reconstructor writing into store.
func New(classifier *classify.Classifier, values *scoring.ValueTable, store *timeline.Store, log *logging.Logger) *Reconstructor {
	if log == nil {
		log = logging.Default()
	}
	return &Reconstructor{
		log:        log.WithComponent("reconstruct"),
		classifier: classifier,
		values:     values,
		store:      store,
	}
}

// Ingest reads src and appends classified events. Per-record failures
// never abort the batch; they are counted with their reasons. The
// dedup key makes re-ingesting the same source a no-op.
func (r *Reconstructor) Ingest(src ArtifactSource, snap *kb.Snapshot) (*Result, error) {
	var records []artifactRecord
	res := &Result{}

	switch src.Browser {
	case "chromium":
		visits, err := readChromiumHistory(src.HistoryPath)
		if err != nil {
			return nil, err
		}
		records = append(records, visits...)
		if src.CookiesPath != "" {
			cookies, err := readChromiumCookies(src.CookiesPath)
			if err != nil {
				// History already loaded; a locked cookie jar skips
				// that half of the batch, not the whole run.
				r.log.Warn("cookie database unreadable, skipping",
					"path", src.CookiesPath, "error", err)
			} else {
				records = append(records, cookies...)
			}
		}
	case "firefox":
		visits, err := readFirefoxHistory(src.HistoryPath)
		if err != nil {
			return nil, err
		}
		records = append(records, visits...)
		if src.CookiesPath != "" {
			cookies, err := readFirefoxCookies(src.CookiesPath)
			if err != nil {
				r.log.Warn("cookie database unreadable, skipping",
					"path", src.CookiesPath, "error", err)
			} else {
				records = append(records, cookies...)
			}
		}
	default:
		return nil, errors.Errorf(errors.KindValidation, "unknown browser %q (want chromium or firefox)", src.Browser)
	}

	for _, rec := range records {
		res.RecordsProcessed++
		if rec.err != nil {
			res.fail(rec.url, rec.err)
			continue
		}
		r.ingestRecord(rec, snap, res)
	}

	r.log.Info("artifact ingestion complete",
		"browser", src.Browser,
		"processed", res.RecordsProcessed,
		"failed", res.RecordsFailed,
		"appended", res.EventsAppended,
		"duplicates", res.Duplicates)
	return res, nil
}

func (r *Reconstructor) ingestRecord(rec artifactRecord, snap *kb.Snapshot, res *Result) {
	ev, keep := r.classifier.Classify(capture.RawRequest{
		Timestamp: rec.timestamp,
		Method:    "GET",
		URL:       rec.url,
		Host:      rec.host,
		App:       rec.browser,
	}, snap)
	if !keep {
		return
	}

	ev.Provenance = events.ProvenanceReconstructed
	if rec.kind == recordCookie {
		ev.Confidence = cookieConfidence
	} else {
		ev.Confidence = visitConfidence
	}

	inserted, err := r.store.Append(ev, r.values.EventValue(ev))
	if err != nil {
		res.fail(rec.url, err)
		return
	}
	if inserted {
		res.EventsAppended++
	} else {
		res.Duplicates++
	}
}
