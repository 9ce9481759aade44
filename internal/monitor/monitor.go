// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package monitor orchestrates a capture session: it owns the source,
// the bounded queue, the classification workers, and the session
// lifecycle. One session is active at a time.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/spyglass/internal/capture"
	"grimm.is/spyglass/internal/classify"
	"grimm.is/spyglass/internal/clock"
	"grimm.is/spyglass/internal/config"
	"grimm.is/spyglass/internal/errors"
	"grimm.is/spyglass/internal/events"
	"grimm.is/spyglass/internal/kb"
	"grimm.is/spyglass/internal/logging"
	"grimm.is/spyglass/internal/metrics"
	"grimm.is/spyglass/internal/scoring"
	"grimm.is/spyglass/internal/timeline"
)

// State is the monitor lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	// StateCrashed means the capture source failed mid-session. The
	// monitor stays crashed until an explicit Start.
	StateCrashed State = "crashed"
)

const (
	numWorkers     = 2
	appendAttempts = 3
	appendBackoff  = 100 * time.Millisecond
	statsInterval  = time.Second
)

// Session describes one capture run.
type Session struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Events    uint64    `json:"events"`
	// CrashReason is set when the session ended in a crash.
	CrashReason string `json:"crash_reason,omitempty"`
}

// Status is the externally visible monitor state.
type Status struct {
	State      State    `json:"state"`
	Session    *Session `json:"session,omitempty"`
	QueueDepth int      `json:"queue_depth"`
	Dropped    uint64   `json:"dropped"`
	Discarded  uint64   `json:"discarded"`
}

// Options carries the monitor's collaborators.
type Options struct {
	Config     *config.Config
	Provider   *kb.Provider
	Classifier *classify.Classifier
	Store      *timeline.Store
	Aggregator *scoring.Aggregator
	Hub        *events.Hub
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
	// NewSource overrides source construction. Nil builds the source
	// the capture config names.
	NewSource func(cfg *config.CaptureConfig, log *logging.Logger) (capture.Source, error)
}

// Monitor drives the capture pipeline.
type Monitor struct {
	cfg        *config.Config
	provider   *kb.Provider
	classifier *classify.Classifier
	store      *timeline.Store
	agg        *scoring.Aggregator
	hub        *events.Hub
	metrics    *metrics.Metrics
	log        *logging.Logger
	newSource  func(cfg *config.CaptureConfig, log *logging.Logger) (capture.Source, error)

	mu        sync.Mutex
	state     State
	session   *Session
	source    capture.Source
	queue     *capture.Queue
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	discarded uint64

	// seenPushed and seenDropped track the queue counters already
	// folded into metrics.
	seenPushed  uint64
	seenDropped uint64
}

// New creates a stopped monitor.
func New(opts Options) *Monitor {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	ns := opts.NewSource
	if ns == nil {
		ns = buildSource
	}
	return &Monitor{
		cfg:        opts.Config,
		provider:   opts.Provider,
		classifier: opts.Classifier,
		store:      opts.Store,
		agg:        opts.Aggregator,
		hub:        opts.Hub,
		metrics:    opts.Metrics,
		log:        log.WithComponent("monitor"),
		newSource:  ns,
		state:      StateStopped,
	}
}

func buildSource(cfg *config.CaptureConfig, log *logging.Logger) (capture.Source, error) {
	switch cfg.Source {
	case "proxy":
		return capture.NewProxySource(cfg.ProxyListen, log), nil
	case "sniffer":
		return capture.NewSnifferSource(cfg.Interface, cfg.BPFFilter, log), nil
	case "replay":
		return capture.NewReplaySource(cfg.ReplayPath, log), nil
	default:
		return nil, errors.Errorf(errors.KindValidation, "unknown capture source %q", cfg.Source)
	}
}

// Start begins a capture session. Calling Start while a session is
// already active returns that session unchanged. Source acquisition
// failures (port conflict, missing interface privileges, absent replay
// file) are returned synchronously and leave the monitor stopped.
func (m *Monitor) Start() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateStarting, StateRunning:
		return m.session, nil
	case StateStopping:
		return nil, errors.New(errors.KindConflict, "monitor is stopping")
	}

	m.state = StateStarting

	src, err := m.newSource(m.cfg.Capture, m.log)
	if err != nil {
		m.state = StateStopped
		return nil, err
	}
	if err := src.Open(); err != nil {
		m.state = StateStopped
		return nil, errors.Wrapf(err, errors.GetKind(err), "starting %s source", src.Name())
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.source = src
	m.queue = capture.NewQueue(m.cfg.Capture.QueueSize)
	m.cancel = cancel
	m.discarded = 0
	m.seenPushed = 0
	m.seenDropped = 0
	m.session = &Session{
		ID:        uuid.NewString(),
		Source:    src.Name(),
		StartedAt: clock.Now().UTC(),
	}
	m.state = StateRunning
	if m.metrics != nil {
		m.metrics.MonitorRunning.Set(1)
	}

	m.wg.Add(1)
	go m.captureLoop(ctx, src, m.queue)

	for i := 0; i < numWorkers; i++ {
		m.wg.Add(1)
		go m.workerLoop(ctx, m.queue)
	}

	m.wg.Add(1)
	go m.housekeepingLoop(ctx, m.queue)

	if err := m.store.Audit("session_start", map[string]string{
		"session": m.session.ID, "source": src.Name(),
	}); err != nil {
		m.log.Warn("audit write failed", "error", err)
	}

	m.log.Info("session started", "id", m.session.ID, "source", src.Name())
	return m.session, nil
}

// Stop ends the active session. Queued events are drained for up to
// the configured drain timeout; whatever remains is discarded and
// counted. Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopping
	cancel := m.cancel
	src := m.source
	q := m.queue
	m.mu.Unlock()

	cancel()
	src.Close()
	m.wg.Wait()

	// Workers are gone; finish what they left behind.
	remaining := q.Drain(m.cfg.Capture.DrainTimeoutDuration(), func(r capture.RawRequest) {
		m.process(r)
	})
	if remaining > 0 {
		m.log.Warn("drain timeout hit, discarding queued events", "discarded", remaining)
		if m.metrics != nil {
			m.metrics.DrainDiscarded.Add(float64(remaining))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.discarded += uint64(remaining)
	m.session.EndedAt = clock.Now().UTC()
	m.state = StateStopped
	if m.metrics != nil {
		m.metrics.MonitorRunning.Set(0)
	}
	if err := m.store.Audit("session_end", map[string]any{
		"session": m.session.ID, "events": m.session.Events, "discarded": remaining,
	}); err != nil {
		m.log.Warn("audit write failed", "error", err)
	}
	m.log.Info("session stopped", "id", m.session.ID, "events", m.session.Events, "discarded", remaining)
	return nil
}

// Status reports the current state and session.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{State: m.state, Discarded: m.discarded}
	if m.session != nil {
		s := *m.session
		st.Session = &s
	}
	if m.queue != nil {
		st.QueueDepth = m.queue.Len()
		st.Dropped = m.queue.Dropped()
	}
	return st
}

// ActiveSession returns the session when the monitor is running.
func (m *Monitor) ActiveSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning || m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// captureLoop runs the source. A Run error with the context still
// live means the source failed on its own; the session crashes.
func (m *Monitor) captureLoop(ctx context.Context, src capture.Source, q *capture.Queue) {
	defer m.wg.Done()

	err := src.Run(ctx, q)
	if err != nil && ctx.Err() == nil {
		m.crash(err)
		return
	}

	// A replay source finishes on its own when the file is exhausted;
	// the session stays running so the operator can inspect results
	// and stop explicitly.
	if err == nil && ctx.Err() == nil {
		m.log.Info("capture source finished", "source", src.Name())
	}
}

func (m *Monitor) crash(cause error) {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.state = StateCrashed
	m.session.EndedAt = clock.Now().UTC()
	m.session.CrashReason = cause.Error()
	cancel := m.cancel
	src := m.source
	m.mu.Unlock()

	m.log.Error("capture source failed, session crashed", "error", cause)
	cancel()
	src.Close()
	if m.metrics != nil {
		m.metrics.MonitorRunning.Set(0)
	}
	if err := m.store.Audit("session_crash", map[string]string{"reason": cause.Error()}); err != nil {
		m.log.Warn("audit write failed", "error", err)
	}
}

func (m *Monitor) workerLoop(ctx context.Context, q *capture.Queue) {
	defer m.wg.Done()
	for {
		r, ok := q.Pop(ctx)
		if !ok {
			return
		}
		m.process(r)
	}
}

// process runs one raw request through classify, score, persist, and
// publish. Nothing here can take the pipeline down.
func (m *Monitor) process(r capture.RawRequest) {
	ev, keep := m.classifier.Classify(r, m.provider.Snapshot())
	if !keep {
		return
	}

	if m.metrics != nil {
		m.metrics.EventsClassified.WithLabelValues(string(ev.Provenance)).Inc()
		if ev.Matched() {
			m.metrics.EventsMatched.Inc()
			if ev.RiskScore >= m.cfg.Scoring.HighRiskThreshold {
				m.metrics.HighRiskEvents.Inc()
			}
		}
		if ev.Payload != nil && ev.Payload.DecodeError {
			m.metrics.DecodeErrors.Inc()
		}
	}

	value := m.agg.Observe(ev)
	if m.metrics != nil && value > 0 {
		m.metrics.ValueTotal.Add(value)
	}

	m.appendWithRetry(ev, value)
	m.hub.Publish(*ev)

	m.mu.Lock()
	if m.session != nil {
		m.session.Events++
	}
	m.mu.Unlock()
}

// appendWithRetry persists the event, retrying transient store errors
// with exponential backoff. A final failure is logged and counted; it
// never takes the capture loop down.
func (m *Monitor) appendWithRetry(ev *events.TrackingEvent, value float64) {
	backoff := appendBackoff
	for attempt := 1; ; attempt++ {
		_, err := m.store.Append(ev, value)
		if err == nil {
			if m.metrics != nil {
				m.metrics.StoreWrites.Inc()
			}
			return
		}
		if attempt >= appendAttempts {
			m.log.Error("store append failed, event lost", "id", ev.ID, "attempts", attempt, "error", err)
			if m.metrics != nil {
				m.metrics.StoreWriteFailures.Inc()
			}
			return
		}
		if m.metrics != nil {
			m.metrics.StoreRetries.Inc()
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

// housekeepingLoop updates queue metrics and periodically reconciles
// the incremental score against a recompute from the store.
func (m *Monitor) housekeepingLoop(ctx context.Context, q *capture.Queue) {
	defer m.wg.Done()

	stats := time.NewTicker(statsInterval)
	defer stats.Stop()
	reconcile := time.NewTicker(m.cfg.Scoring.ReconcileIntervalDuration())
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stats.C:
			m.updateQueueMetrics(q)
		case <-reconcile.C:
			m.reconcile()
		}
	}
}

func (m *Monitor) updateQueueMetrics(q *capture.Queue) {
	if m.metrics == nil {
		return
	}
	m.metrics.QueueDepth.Set(float64(q.Len()))

	m.mu.Lock()
	pushed, dropped := q.Pushed(), q.Dropped()
	dp, dd := pushed-m.seenPushed, dropped-m.seenDropped
	m.seenPushed, m.seenDropped = pushed, dropped
	m.mu.Unlock()

	if dp > 0 {
		m.metrics.EventsCaptured.Add(float64(dp))
	}
	if dd > 0 {
		m.metrics.EventsDropped.Add(float64(dd))
	}
}

// reconcile recomputes the session score from the store and checks the
// incremental tallies against it. The recomputed value is
// authoritative for the exported gauge.
func (m *Monitor) reconcile() {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	start := m.session.StartedAt
	m.mu.Unlock()

	// The aggregator only ever observes live capture; reconstructed
	// backfill landing in the same window must not count against it.
	end := clock.Now().UTC()
	in, err := m.store.ScoreInputs(start, end, m.cfg.Scoring.HighRiskThreshold, events.ProvenanceLive)
	if err != nil {
		m.log.Warn("score reconcile skipped, store query failed", "error", err)
		return
	}
	ref := scoring.Compute(in)
	ref.WindowStart = start
	ref.WindowEnd = end

	if !m.agg.Reconcile(ref) && m.metrics != nil {
		m.metrics.ScoreDrift.Inc()
	}
	if m.metrics != nil {
		m.metrics.PrivacyScore.Set(ref.Score)
	}
}
