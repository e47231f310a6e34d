// Package alarm runs named periodic callbacks whose last-fire instants are
// persisted, so an interval keeps its phase across process restarts.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/runnerr0/dwell/internal/clock"
	"github.com/runnerr0/dwell/internal/storage"
)

// ErrStopped is returned by Every after Stop.
var ErrStopped = errors.New("alarm scheduler stopped")

// Store persists last-fire instants in unix milliseconds. LastFired returns
// storage.ErrAlarmNotFound for alarms that never fired.
type Store interface {
	LastFired(ctx context.Context, name string) (int64, error)
	SetLastFired(ctx context.Context, name string, ts int64) error
}

// Func is an alarm callback.
type Func func(ctx context.Context)

type entry struct {
	name     string
	interval time.Duration
	fn       Func
	timer    clock.Timer
}

// Scheduler owns a set of named alarms.
type Scheduler struct {
	clk   clock.Clock
	store Store
	log   zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	alarms  map[string]*entry
	stopped bool
}

// New creates a Scheduler. Callbacks receive a context that is cancelled by
// Stop.
func New(clk clock.Clock, store Store, log zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clk:    clk,
		store:  store,
		log:    log.With().Str("component", "alarm").Logger(),
		ctx:    ctx,
		cancel: cancel,
		alarms: make(map[string]*entry),
	}
}

// Every registers fn to run every interval under name, replacing any alarm
// with the same name. The first run is scheduled interval after the
// persisted last fire, or interval from now if the alarm never fired.
func (s *Scheduler) Every(ctx context.Context, name string, interval time.Duration, fn Func) error {
	if interval <= 0 {
		return fmt.Errorf("alarm %s: interval must be positive", name)
	}

	delay := interval
	last, err := s.store.LastFired(ctx, name)
	switch {
	case err == nil:
		elapsed := s.clk.Now().Sub(time.UnixMilli(last))
		delay = max(interval-elapsed, 0)
	case errors.Is(err, storage.ErrAlarmNotFound):
	default:
		return fmt.Errorf("alarm %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if old, ok := s.alarms[name]; ok && old.timer != nil {
		old.timer.Stop()
	}

	e := &entry{name: name, interval: interval, fn: fn}
	s.alarms[name] = e
	s.armLocked(e, delay)

	s.log.Debug().Str("alarm", name).Dur("interval", interval).Dur("first_in", delay).Msg("alarm registered")
	return nil
}

// Clear removes the named alarm. It reports whether one existed.
func (s *Scheduler) Clear(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.alarms[name]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.alarms, name)
	return true
}

// Names lists the registered alarms.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.alarms))
	for name := range s.alarms {
		out = append(out, name)
	}
	return out
}

// Stop cancels every alarm. Callbacks already running see a cancelled
// context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
	for _, e := range s.alarms {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.alarms = map[string]*entry{}
}

func (s *Scheduler) armLocked(e *entry, d time.Duration) {
	e.timer = s.clk.AfterFunc(d, func() { s.fire(e) })
}

func (s *Scheduler) fire(e *entry) {
	s.mu.Lock()
	if s.stopped || s.alarms[e.name] != e {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	now := clock.NowMillis(s.clk)
	if err := s.store.SetLastFired(ctx, e.name, now); err != nil {
		s.log.Warn().Err(err).Str("alarm", e.name).Msg("failed to persist alarm fire time")
	}

	e.fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.alarms[e.name] != e {
		return
	}
	s.armLocked(e, e.interval)
}
