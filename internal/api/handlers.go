// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"grimm.is/spyglass/internal/clock"
	"grimm.is/spyglass/internal/errors"
	"grimm.is/spyglass/internal/export"
	"grimm.is/spyglass/internal/kb"
	"grimm.is/spyglass/internal/monitor"
	"grimm.is/spyglass/internal/reconstruct"
	"grimm.is/spyglass/internal/scoring"
	"grimm.is/spyglass/internal/timeline"
)

const defaultQueryWindow = 24 * time.Hour

// queryWindow parses start/end query parameters (RFC 3339). Absent
// bounds default to the last 24 hours.
func queryWindow(r *http.Request) (start, end time.Time, err error) {
	end = clock.Now().UTC()
	start = end.Add(-defaultQueryWindow)

	if v := r.URL.Query().Get("start"); v != "" {
		start, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return start, end, errors.Wrapf(err, errors.KindValidation, "invalid start %q", v)
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		end, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return start, end, errors.Wrapf(err, errors.KindValidation, "invalid end %q", v)
		}
	}
	return start, end, nil
}

func queryFilters(r *http.Request) timeline.Filters {
	q := r.URL.Query()
	f := timeline.Filters{
		Entity:   q.Get("entity"),
		Category: kb.Category(q.Get("category")),
		Site:     q.Get("site"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	return f
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	start, end, err := queryWindow(r)
	if err != nil {
		respondWithError(w, err)
		return
	}

	resp := map[string]any{}
	if start.After(end) {
		// An inverted range is answered, not rejected.
		resp["events"] = []timeline.StoredEvent{}
		resp["count"] = 0
		resp["warning"] = "start is after end; empty result"
		respondWithJSON(w, http.StatusOK, resp)
		return
	}

	evs, err := s.store.Query(start, end, queryFilters(r))
	if err != nil {
		respondWithError(w, err)
		return
	}
	if evs == nil {
		evs = []timeline.StoredEvent{}
	}
	resp["events"] = evs
	resp["count"] = len(evs)
	respondWithJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	status := s.monitor.Status()
	respondWithJSON(w, http.StatusOK, map[string]any{
		"live":           s.agg.Stats(),
		"monitor":        status,
		"active_session": status.State == monitor.StateRunning,
		"score":          scoring.Compute(s.agg.ScoreInputs()),
	})
}

// handleScore recomputes the privacy score from the store over the
// requested window (?window=24h or explicit start/end).
func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	start, end, err := queryWindow(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			respondWithError(w, errors.Wrapf(err, errors.KindValidation, "invalid window %q", v))
			return
		}
		end = clock.Now().UTC()
		start = end.Add(-d)
	}

	in, err := s.store.ScoreInputs(start, end, s.cfg.Scoring.HighRiskThreshold, "")
	if err != nil {
		respondWithError(w, err)
		return
	}
	snap := scoring.Compute(in)
	snap.WindowStart = start
	snap.WindowEnd = end
	respondWithJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	start, end, err := queryWindow(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	sites, err := s.store.SiteStats(start, end)
	if err != nil {
		respondWithError(w, err)
		return
	}
	if sites == nil {
		sites = []timeline.SiteStat{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"sites": sites})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	start, end, err := queryWindow(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	evs, err := s.store.Query(start, end, queryFilters(r))
	if err != nil {
		respondWithError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="spyglass-export.csv"`)
	if err := export.WriteCSV(w, evs); err != nil {
		s.log.Error("export failed", "error", err)
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Clear()
	if err != nil {
		respondWithError(w, err)
		return
	}
	s.agg.Reset()
	s.log.Info("timeline cleared", "deleted", n)
	respondWithJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.store.AuditEntries(limit)
	if err != nil {
		respondWithError(w, err)
		return
	}
	if entries == nil {
		entries = []timeline.AuditEntry{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.monitor.Start()
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sess)
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.Stop(); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleKBStats(w http.ResponseWriter, r *http.Request) {
	snap := s.provider.Snapshot()
	respondWithJSON(w, http.StatusOK, snap.Stats(s.cfg.Scoring.HighRiskThreshold))
}

func (s *Server) handleKBReload(w http.ResponseWriter, r *http.Request) {
	if err := s.provider.Reload(); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{
		"version": s.provider.Snapshot().Version(),
	})
}

type reconstructRequest struct {
	Browser     string `json:"browser"`
	HistoryPath string `json:"history_path"`
	CookiesPath string `json:"cookies_path,omitempty"`
}

func (s *Server) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	var req reconstructRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		respondWithError(w, errors.Wrap(err, errors.KindValidation, "decoding request"))
		return
	}

	res, err := s.reconstructor.Ingest(reconstruct.ArtifactSource{
		Browser:     req.Browser,
		HistoryPath: req.HistoryPath,
		CookiesPath: req.CookiesPath,
	}, s.provider.Snapshot())
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}
