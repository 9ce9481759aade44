// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command spyglass monitors outbound traffic for tracker beacons,
// stores a queryable timeline, and scores the result. Subcommands:
//
//	run          start the monitor and the API server
//	reconstruct  backfill the timeline from browser artifacts
//	export       write a timeline window as CSV to stdout
//	score        print the privacy score over a window
//	status       query a running instance for its monitor state
//	kb           print knowledge base statistics
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/spyglass/internal/api"
	"grimm.is/spyglass/internal/classify"
	"grimm.is/spyglass/internal/config"
	"grimm.is/spyglass/internal/events"
	"grimm.is/spyglass/internal/export"
	"grimm.is/spyglass/internal/kb"
	"grimm.is/spyglass/internal/logging"
	"grimm.is/spyglass/internal/metrics"
	"grimm.is/spyglass/internal/monitor"
	"grimm.is/spyglass/internal/reconstruct"
	"grimm.is/spyglass/internal/scoring"
	"grimm.is/spyglass/internal/timeline"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logOut := io.Writer(os.Stderr)
	if cfg.Syslog != nil && cfg.Syslog.Enabled {
		sw, err := logging.NewSyslogWriter(*cfg.Syslog)
		if err != nil {
			fmt.Fprintf(os.Stderr, "syslog unavailable, logging to stderr only: %v\n", err)
		} else {
			defer sw.Close()
			logOut = io.MultiWriter(os.Stderr, sw)
		}
	}
	logging.SetDefault(logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
		Output: logOut,
	}))

	args := flag.Args()
	subcmd := "run"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "run":
		err = runMonitor(cfg)
	case "reconstruct":
		err = runReconstruct(cfg, args)
	case "export":
		err = runExport(cfg, args)
	case "score":
		err = runScore(cfg, args)
	case "status":
		err = runStatus(cfg)
	case "kb":
		err = runKBStats(cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", subcmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// pipeline bundles the components every subcommand builds from config.
type pipeline struct {
	provider   *kb.Provider
	classifier *classify.Classifier
	store      *timeline.Store
	values     *scoring.ValueTable
	agg        *scoring.Aggregator
	hub        *events.Hub
}

func buildPipeline(cfg *config.Config) (*pipeline, error) {
	provider, err := kb.NewProvider(cfg.KnowledgeBase.Path, logging.Default())
	if err != nil {
		return nil, err
	}
	if cfg.KnowledgeBase.Watch {
		if err := provider.Watch(); err != nil {
			logging.Default().Warn("KB watch unavailable", "error", err)
		}
	}

	store, err := timeline.Open(cfg.Store.Path, logging.Default())
	if err != nil {
		provider.Close()
		return nil, err
	}

	values, err := scoring.LoadValueTable(cfg.Scoring.ValueTablePath)
	if err != nil {
		provider.Close()
		store.Close()
		return nil, err
	}

	return &pipeline{
		provider: provider,
		classifier: classify.New(classify.Options{
			DiscardUnmatched: cfg.Classifier.DiscardUnmatched,
			GeoIPPath:        cfg.Classifier.GeoIPDatabase,
			Logger:           logging.Default(),
		}),
		store:  store,
		values: values,
		agg:    scoring.NewAggregator(values, cfg.Scoring.HighRiskThreshold, logging.Default()),
		hub:    events.NewHub(),
	}, nil
}

func (p *pipeline) close() {
	p.classifier.Close()
	p.store.Close()
	p.provider.Close()
}

func runMonitor(cfg *config.Config) error {
	p, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.close()

	m := metrics.NewMetrics()
	mon := monitor.New(monitor.Options{
		Config:     cfg,
		Provider:   p.provider,
		Classifier: p.classifier,
		Store:      p.store,
		Aggregator: p.agg,
		Hub:        p.hub,
		Metrics:    m,
		Logger:     logging.Default(),
	})
	if _, err := mon.Start(); err != nil {
		return err
	}
	defer mon.Stop()

	server := api.NewServer(api.ServerOptions{
		Config:        cfg,
		Store:         p.store,
		Aggregator:    p.agg,
		Monitor:       mon,
		Provider:      p.provider,
		Reconstructor: reconstruct.New(p.classifier, p.values, p.store, logging.Default()),
		Hub:           p.hub,
		Metrics:       m,
		Logger:        logging.Default(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.ListenAndServe(ctx)
}

func runReconstruct(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("reconstruct", flag.ExitOnError)
	browser := fs.String("browser", "chromium", "Browser type: chromium or firefox")
	history := fs.String("history", "", "Path to the history database")
	cookies := fs.String("cookies", "", "Path to the cookie database (optional)")
	fs.Parse(args)

	if *history == "" {
		return fmt.Errorf("-history is required")
	}

	p, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.close()

	r := reconstruct.New(p.classifier, p.values, p.store, logging.Default())
	res, err := r.Ingest(reconstruct.ArtifactSource{
		Browser:     *browser,
		HistoryPath: *history,
		CookiesPath: *cookies,
	}, p.provider.Snapshot())
	if err != nil {
		return err
	}

	fmt.Printf("processed %d records: %d appended, %d duplicates, %d failed\n",
		res.RecordsProcessed, res.EventsAppended, res.Duplicates, res.RecordsFailed)
	return nil
}

// parseWindow reads -start/-end/-window flags into a concrete range.
func parseWindow(fs *flag.FlagSet, args []string) (time.Time, time.Time, error) {
	start := fs.String("start", "", "Window start (RFC 3339)")
	end := fs.String("end", "", "Window end (RFC 3339)")
	window := fs.Duration("window", 24*time.Hour, "Window length ending now, when start/end are unset")
	fs.Parse(args)

	e := time.Now().UTC()
	s := e.Add(-*window)
	var err error
	if *start != "" {
		if s, err = time.Parse(time.RFC3339, *start); err != nil {
			return s, e, fmt.Errorf("invalid -start: %w", err)
		}
	}
	if *end != "" {
		if e, err = time.Parse(time.RFC3339, *end); err != nil {
			return s, e, fmt.Errorf("invalid -end: %w", err)
		}
	}
	return s, e, nil
}

func runExport(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	start, end, err := parseWindow(fs, args)
	if err != nil {
		return err
	}

	store, err := timeline.Open(cfg.Store.Path, logging.Default())
	if err != nil {
		return err
	}
	defer store.Close()

	evs, err := store.Query(start, end, timeline.Filters{})
	if err != nil {
		return err
	}
	return export.WriteCSV(os.Stdout, evs)
}

func runScore(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	start, end, err := parseWindow(fs, args)
	if err != nil {
		return err
	}

	store, err := timeline.Open(cfg.Store.Path, logging.Default())
	if err != nil {
		return err
	}
	defer store.Close()

	in, err := store.ScoreInputs(start, end, cfg.Scoring.HighRiskThreshold, "")
	if err != nil {
		return err
	}
	snap := scoring.Compute(in)

	fmt.Printf("privacy score: %.1f (%s)\n", snap.Score, snap.Grade)
	fmt.Printf("  events: %d (-%.1f)\n", in.TotalEvents, snap.Breakdown.EventPenalty)
	fmt.Printf("  high risk: %d (-%.1f)\n", in.HighRiskCount, snap.Breakdown.HighRiskPenalty)
	fmt.Printf("  tracked sites: %d (-%.1f)\n", in.DistinctSites, snap.Breakdown.SitePenalty)
	return nil
}

// runStatus asks a running instance for its monitor state.
func runStatus(cfg *config.Config) error {
	url := "http://" + cfg.API.ListenAddr + "/api/v1/monitor/status"
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("no spyglass instance reachable at %s: %w", cfg.API.ListenAddr, err)
	}
	defer resp.Body.Close()

	var st monitor.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	fmt.Printf("state: %s\n", st.State)
	if st.Session != nil {
		fmt.Printf("session: %s (%s, started %s, %d events)\n",
			st.Session.ID, st.Session.Source,
			st.Session.StartedAt.Format(time.RFC3339), st.Session.Events)
	}
	fmt.Printf("queue: %d deep, %d dropped, %d discarded\n", st.QueueDepth, st.Dropped, st.Discarded)
	return nil
}

func runKBStats(cfg *config.Config) error {
	provider, err := kb.NewProvider(cfg.KnowledgeBase.Path, logging.Default())
	if err != nil {
		return err
	}
	defer provider.Close()

	st := provider.Snapshot().Stats(cfg.Scoring.HighRiskThreshold)
	fmt.Printf("knowledge base %s: %d entities, %d domains, %d high risk\n",
		st.Version, st.TotalEntities, st.TotalDomains, st.HighRiskCount)
	for cat, n := range st.ByCategory {
		fmt.Printf("  %-16s %d\n", cat, n)
	}
	return nil
}
