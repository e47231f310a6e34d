package aggregate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/runnerr0/dwell/internal/alarm"
)

// AlarmName is the persisted alarm that drives scheduled aggregation.
const AlarmName = "aggregate"

var (
	// ErrRunInProgress is returned by RunNow while another run holds the engine.
	ErrRunInProgress = errors.New("aggregation already running")
	// ErrNotInitialized is returned by a Scheduler not built with NewScheduler.
	ErrNotInitialized = errors.New("aggregation scheduler not initialized")
)

// Scheduler runs the engine on a persisted interval and on demand. Scheduled
// and forced runs never overlap.
type Scheduler struct {
	engine   *Engine
	alarms   *alarm.Scheduler
	interval time.Duration
	log      zerolog.Logger

	running sync.Mutex
}

// NewScheduler creates a Scheduler. alarms may be nil when only RunNow is
// used.
func NewScheduler(engine *Engine, alarms *alarm.Scheduler, interval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		engine:   engine,
		alarms:   alarms,
		interval: interval,
		log:      log.With().Str("component", "aggregate_scheduler").Logger(),
	}
}

// Start registers the periodic run.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.engine == nil || s.alarms == nil {
		return ErrNotInitialized
	}
	return s.alarms.Every(ctx, AlarmName, s.interval, s.scheduled)
}

// Stop cancels the periodic run. A run in progress completes.
func (s *Scheduler) Stop() {
	if s.alarms != nil {
		s.alarms.Clear(AlarmName)
	}
}

// RunNow folds every unprocessed event immediately.
func (s *Scheduler) RunNow(ctx context.Context) (Result, error) {
	if s.engine == nil {
		return Result{}, ErrNotInitialized
	}
	if !s.running.TryLock() {
		return Result{}, ErrRunInProgress
	}
	defer s.running.Unlock()
	return s.engine.Run(ctx, 0)
}

func (s *Scheduler) scheduled(ctx context.Context) {
	if !s.running.TryLock() {
		s.log.Debug().Msg("skipping scheduled run, another run in progress")
		return
	}
	defer s.running.Unlock()

	if _, err := s.engine.Run(ctx, 0); err != nil {
		s.log.Error().Err(err).Msg("scheduled aggregation failed, retrying next interval")
	}
}
