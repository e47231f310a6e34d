// Package tracker assembles the tracking pipeline: tab state, event queue,
// checkpoints, aggregation, pruning and startup recovery on one store.
package tracker

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"github.com/runnerr0/dwell/internal/aggregate"
	"github.com/runnerr0/dwell/internal/alarm"
	"github.com/runnerr0/dwell/internal/checkpoint"
	"github.com/runnerr0/dwell/internal/clock"
	"github.com/runnerr0/dwell/internal/config"
	"github.com/runnerr0/dwell/internal/events"
	"github.com/runnerr0/dwell/internal/queue"
	"github.com/runnerr0/dwell/internal/storage"
	"github.com/runnerr0/dwell/internal/tabstate"
	"github.com/runnerr0/dwell/internal/urlfilter"
)

// Status is a point-in-time view of the pipeline.
type Status struct {
	Log      *storage.LogStats `json:"log"`
	Queue    queue.Stats       `json:"queue"`
	Dedup    queue.DedupStats  `json:"dedup"`
	Sessions int               `json:"sessions"`
	Alarms   []string          `json:"alarms"`
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(s *Service) { s.clk = clk }
}

// WithIDSource replaces the visit/activity id generator.
func WithIDSource(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithoutSchedules disables the periodic checkpoint, aggregation and prune
// alarms. Shutdown still aggregates once.
func WithoutSchedules() Option {
	return func(s *Service) { s.periodic = false }
}

// Service owns every pipeline component. Handle is safe for concurrent use.
type Service struct {
	cfg      *config.Config
	store    *storage.SQLiteStore
	clk      clock.Clock
	log      zerolog.Logger
	newID    func() string
	periodic bool

	filter      *urlfilter.Filter
	queue       *queue.Queue
	tabs        *tabstate.Manager
	alarms      *alarm.Scheduler
	checkpoints *checkpoint.Scheduler
	aggregator  *aggregate.Scheduler
	pruner      *aggregate.Pruner
	recovery    *aggregate.Recovery

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a Service on store. The URL filter combines cfg.Filter with the
// exclusion rules stored in the database.
func New(ctx context.Context, cfg *config.Config, store *storage.SQLiteStore, log zerolog.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		store:    store,
		clk:      clock.New(),
		log:      log.With().Str("component", "tracker").Logger(),
		periodic: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("load time zone: %w", err)
	}

	s.filter, err = BuildFilter(ctx, cfg, store)
	if err != nil {
		return nil, err
	}
	gen := events.NewGenerator(s.filter)

	s.queue = queue.New(queue.Options{
		MaxQueueSize:    cfg.Queue.MaxQueueSize,
		MaxWait:         cfg.Queue.MaxWait.D(),
		MaxRetries:      cfg.Queue.MaxRetries,
		RetryBaseDelay:  cfg.Queue.RetryBaseDelay.D(),
		DedupWindow:     cfg.Queue.DedupWindow.D(),
		DedupCacheSize:  cfg.Queue.DedupCacheSize,
		ShutdownTimeout: cfg.Queue.ShutdownTimeout.D(),
	}, store, s.clk, log)

	s.tabs = tabstate.NewManager(tabstate.Options{
		IdleTimeout:        cfg.Tracking.IdleTimeout.D(),
		AudibleIdleTimeout: cfg.Tracking.AudibleIdleTimeout.D(),
		ScrollThreshold:    float64(cfg.Tracking.ScrollThresholdPx),
		MouseMoveThreshold: float64(cfg.Tracking.MouseMoveThresholdPx),
	}, s.filter, gen, s.queue, s.clk, log)
	if s.newID != nil {
		s.tabs.WithIDSource(s.newID)
	}

	s.alarms = alarm.New(s.clk, store, log)
	s.checkpoints = checkpoint.New(checkpoint.Options{
		Interval:        cfg.Checkpoint.Interval.D(),
		ActiveThreshold: cfg.Checkpoint.ActiveThreshold.D(),
		OpenThreshold:   cfg.Checkpoint.OpenThreshold.D(),
	}, s.tabs, gen, s.queue, s.clk, s.alarms, log)

	engine := aggregate.NewEngine(store, s.clk, loc, log)
	s.aggregator = aggregate.NewScheduler(engine, s.alarms, cfg.Aggregation.Interval.D(), log)
	s.pruner = aggregate.NewPruner(store, s.clk, cfg.Retention.Days, log)
	s.recovery = aggregate.NewRecovery(store, gen, s.queue, engine, s.clk, cfg.Aggregation.RecoveryWindow.D(), log)

	return s, nil
}

// BuildFilter compiles the URL filter from configuration and the stored
// exclusion rules. Default rules are included when
// cfg.Filter.UseDefaultDenylist is set.
func BuildFilter(ctx context.Context, cfg *config.Config, store *storage.SQLiteStore) (*urlfilter.Filter, error) {
	rules, err := store.Exclusions(ctx, cfg.Filter.UseDefaultDenylist)
	if err != nil {
		return nil, fmt.Errorf("load exclusions: %w", err)
	}
	domains, patterns := storage.SplitExclusions(rules)
	domains = append(domains, cfg.Filter.DenylistDomains...)
	for _, expr := range cfg.Filter.DenylistRegex {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile denylist pattern %q: %w", expr, err)
		}
		patterns = append(patterns, re)
	}

	return urlfilter.New(urlfilter.Options{
		DenylistDomains: domains,
		DenylistRegex:   patterns,
		StripParams:     cfg.Filter.StripParams,
	}), nil
}

// Start closes sessions orphaned by a previous crash and then arms the
// periodic schedules. It must be called before the first Handle.
func (s *Service) Start(ctx context.Context) (aggregate.RecoveryResult, error) {
	res, err := s.recovery.Run(ctx)
	if err != nil {
		return res, fmt.Errorf("crash recovery: %w", err)
	}

	if s.periodic {
		if err := s.checkpoints.Start(ctx); err != nil {
			return res, fmt.Errorf("start checkpoints: %w", err)
		}
		if err := s.aggregator.Start(ctx); err != nil {
			return res, fmt.Errorf("start aggregation: %w", err)
		}
		if err := s.pruner.Start(ctx, s.alarms, s.cfg.Retention.PruneInterval.D()); err != nil {
			return res, fmt.Errorf("start pruner: %w", err)
		}
	}

	s.log.Info().
		Int("recovered_sessions", res.Synthesized).
		Bool("periodic", s.periodic).
		Msg("tracker started")
	return res, nil
}

// Handle feeds one browser notification into the tab state machine.
func (s *Service) Handle(ctx context.Context, ev tabstate.BrowserEventData) error {
	return s.tabs.Handle(ctx, ev)
}

// Checkpoint forces a checkpoint pass over the live sessions.
func (s *Service) Checkpoint(ctx context.Context) (int, error) {
	return s.checkpoints.Tick(ctx)
}

// Flush persists buffered events immediately.
func (s *Service) Flush(ctx context.Context) (int, error) {
	return s.queue.Flush(ctx)
}

// Aggregate forces an aggregation run.
func (s *Service) Aggregate(ctx context.Context) (aggregate.Result, error) {
	return s.aggregator.RunNow(ctx)
}

// Prune deletes processed events outside the retention window.
func (s *Service) Prune(ctx context.Context) aggregate.PruneResult {
	return s.pruner.Run(ctx)
}

// Status reports log, queue and session counters.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	logStats, err := s.store.LogStats(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Log:      logStats,
		Queue:    s.queue.Stats(),
		Dedup:    s.queue.DedupStats(),
		Sessions: s.tabs.Len(),
		Alarms:   s.alarms.Names(),
	}, nil
}

// Shutdown ends every open session, stops the schedules, drains the queue
// and folds what was written. It is safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		suspend := tabstate.BrowserEventData{
			Kind:      tabstate.KindRuntimeSuspend,
			Timestamp: clock.NowMillis(s.clk),
		}
		if err := s.tabs.Handle(ctx, suspend); err != nil {
			s.log.Warn().Err(err).Msg("ending sessions on shutdown")
		}
		s.tabs.Close()
		s.alarms.Stop()

		if err := s.queue.Shutdown(ctx); err != nil {
			s.shutdownErr = fmt.Errorf("drain queue: %w", err)
		}

		if res, err := s.aggregator.RunNow(ctx); err != nil {
			s.log.Warn().Err(err).Msg("final aggregation failed, events stay queued for the next start")
		} else {
			s.log.Info().Int("events", res.Events).Msg("final aggregation complete")
		}
	})
	return s.shutdownErr
}
