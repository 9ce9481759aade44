// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api exposes the query and control surface over HTTP: the
// timeline, live stats, the privacy score, monitor control, exports,
// and a websocket live feed.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/spyglass/internal/config"
	"grimm.is/spyglass/internal/errors"
	"grimm.is/spyglass/internal/events"
	"grimm.is/spyglass/internal/kb"
	"grimm.is/spyglass/internal/logging"
	"grimm.is/spyglass/internal/metrics"
	"grimm.is/spyglass/internal/monitor"
	"grimm.is/spyglass/internal/reconstruct"
	"grimm.is/spyglass/internal/scoring"
	"grimm.is/spyglass/internal/timeline"
)

// ServerOptions holds dependencies for the API server.
type ServerOptions struct {
	Config        *config.Config
	Store         *timeline.Store
	Aggregator    *scoring.Aggregator
	Monitor       *monitor.Monitor
	Provider      *kb.Provider
	Reconstructor *reconstruct.Reconstructor
	Hub           *events.Hub
	Metrics       *metrics.Metrics
	Logger        *logging.Logger
}

// Server handles API requests.
type Server struct {
	cfg           *config.Config
	store         *timeline.Store
	agg           *scoring.Aggregator
	monitor       *monitor.Monitor
	provider      *kb.Provider
	reconstructor *reconstruct.Reconstructor
	hub           *events.Hub
	log           *logging.Logger
	registry      *prometheus.Registry

	router     *mux.Router
	httpServer *http.Server
}

// NewServer creates the API server and registers its routes.
func NewServer(opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}

	registry := prometheus.NewRegistry()
	if opts.Metrics != nil {
		registry.MustRegister(opts.Metrics)
	}

	s := &Server{
		cfg:           opts.Config,
		store:         opts.Store,
		agg:           opts.Aggregator,
		monitor:       opts.Monitor,
		provider:      opts.Provider,
		reconstructor: opts.Reconstructor,
		hub:           opts.Hub,
		log:           log.WithComponent("api"),
		registry:      registry,
		router:        mux.NewRouter(),
	}
	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/score", s.handleScore).Methods("GET")
	api.HandleFunc("/sites", s.handleSites).Methods("GET")
	api.HandleFunc("/export", s.handleExport).Methods("GET")
	api.HandleFunc("/clear", s.handleClear).Methods("POST")
	api.HandleFunc("/audit", s.handleAudit).Methods("GET")

	api.HandleFunc("/monitor/start", s.handleMonitorStart).Methods("POST")
	api.HandleFunc("/monitor/stop", s.handleMonitorStop).Methods("POST")
	api.HandleFunc("/monitor/status", s.handleMonitorStatus).Methods("GET")

	api.HandleFunc("/kb/stats", s.handleKBStats).Methods("GET")
	api.HandleFunc("/kb/reload", s.handleKBReload).Methods("POST")

	api.HandleFunc("/reconstruct", s.handleReconstruct).Methods("POST")

	api.HandleFunc("/live", s.handleLive).Methods("GET")

	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.API.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.log.Info("API listening", "addr", s.cfg.API.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Wrap(err, errors.KindUnavailable, "API server")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondWithJSON sends a JSON response.
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithError maps an error kind onto its HTTP status.
func respondWithError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errors.GetKind(err) {
	case errors.KindValidation:
		code = http.StatusBadRequest
	case errors.KindNotFound:
		code = http.StatusNotFound
	case errors.KindConflict:
		code = http.StatusConflict
	case errors.KindPermission:
		code = http.StatusForbidden
	case errors.KindUnavailable:
		code = http.StatusServiceUnavailable
	case errors.KindTimeout:
		code = http.StatusGatewayTimeout
	}
	body := map[string]any{"error": err.Error()}
	if attrs := errors.GetAttributes(err); len(attrs) > 0 {
		body["details"] = attrs
	}
	respondWithJSON(w, code, body)
}
