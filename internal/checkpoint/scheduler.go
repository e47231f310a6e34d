// Package checkpoint periodically publishes progress markers for long
// running sessions so a crash loses at most one checkpoint interval.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/runnerr0/dwell/internal/alarm"
	"github.com/runnerr0/dwell/internal/clock"
	"github.com/runnerr0/dwell/internal/events"
	"github.com/runnerr0/dwell/internal/tabstate"
)

// AlarmName is the persisted alarm that drives Tick.
const AlarmName = "checkpoint"

// Tabs enumerates the live sessions.
type Tabs interface {
	Snapshots() ([]tabstate.TabState, error)
}

// Sink receives generated checkpoint events.
type Sink interface {
	Enqueue(ctx context.Context, ev events.DomainEvent) error
}

// Options configures the tick interval and the elapsed time after which a
// session is checkpointed.
type Options struct {
	Interval        time.Duration
	ActiveThreshold time.Duration
	OpenThreshold   time.Duration
}

// Scheduler emits at most one checkpoint per tab per tick.
type Scheduler struct {
	opts   Options
	tabs   Tabs
	gen    *events.Generator
	sink   Sink
	clk    clock.Clock
	alarms *alarm.Scheduler
	log    zerolog.Logger

	mu sync.Mutex
	// last checkpoint instant per visit or activity id
	last map[string]int64
}

// New creates a Scheduler. alarms may be nil when only Tick is used.
func New(opts Options, tabs Tabs, gen *events.Generator, sink Sink, clk clock.Clock, alarms *alarm.Scheduler, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		opts:   opts,
		tabs:   tabs,
		gen:    gen,
		sink:   sink,
		clk:    clk,
		alarms: alarms,
		log:    log.With().Str("component", "checkpoint").Logger(),
		last:   make(map[string]int64),
	}
}

// Start registers the periodic tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.alarms == nil {
		return fmt.Errorf("checkpoint scheduler has no alarm source")
	}
	return s.alarms.Every(ctx, AlarmName, s.opts.Interval, func(ctx context.Context) {
		if _, err := s.Tick(ctx); err != nil {
			s.log.Error().Err(err).Msg("checkpoint tick failed")
		}
	})
}

// Stop cancels the periodic tick.
func (s *Scheduler) Stop() {
	if s.alarms != nil {
		s.alarms.Clear(AlarmName)
	}
}

// Tick evaluates every live session and returns the number of checkpoints
// enqueued. Failures for a single tab are logged and skipped; only a
// failure to enumerate the sessions is returned.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	tabs, err := s.tabs.Snapshots()
	if err != nil {
		return 0, fmt.Errorf("enumerating tab state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := clock.NowMillis(s.clk)
	live := make(map[string]struct{}, len(tabs)*2)
	emitted := 0

	for _, t := range tabs {
		live[t.VisitID] = struct{}{}
		if t.ActivityID != "" {
			live[t.ActivityID] = struct{}{}
		}

		info, id, ok := s.due(t, now)
		if !ok {
			continue
		}

		res, err := s.gen.NewCheckpoint(events.Context{
			Timestamp:  now,
			TabID:      t.TabID,
			URL:        t.URL,
			VisitID:    t.VisitID,
			ActivityID: t.ActivityID,
		}, info)
		if err != nil {
			s.log.Warn().Err(err).Int("tab_id", t.TabID).Msg("checkpoint generation failed")
			continue
		}
		if res.Rejected {
			s.log.Debug().Int("tab_id", t.TabID).Str("reason", res.Reason).Msg("checkpoint rejected")
			continue
		}
		if err := s.sink.Enqueue(ctx, res.Event); err != nil {
			s.log.Warn().Err(err).Int("tab_id", t.TabID).Msg("checkpoint enqueue failed")
			continue
		}

		s.last[id] = now
		emitted++
		s.log.Debug().
			Int("tab_id", t.TabID).
			Str("checkpoint_type", string(info.Type)).
			Int64("duration_ms", info.Duration).
			Msg("checkpoint emitted")
	}

	for id := range s.last {
		if _, ok := live[id]; !ok {
			delete(s.last, id)
		}
	}
	return emitted, nil
}

// due picks the checkpoint for t, if any. Active time wins when both
// thresholds are exceeded. The recorded duration covers the whole session.
func (s *Scheduler) due(t tabstate.TabState, now int64) (events.CheckpointInfo, string, bool) {
	if t.ActivityID != "" && t.ActiveTimeStart > 0 {
		since := max(t.ActiveTimeStart, s.last[t.ActivityID])
		if now-since > s.opts.ActiveThreshold.Milliseconds() {
			return events.CheckpointInfo{
				Type:       events.CheckpointActive,
				Duration:   now - t.ActiveTimeStart,
				IsPeriodic: true,
			}, t.ActivityID, true
		}
	}
	if t.VisitID != "" && t.OpenTimeStart > 0 {
		since := max(t.OpenTimeStart, s.last[t.VisitID])
		if now-since > s.opts.OpenThreshold.Milliseconds() {
			return events.CheckpointInfo{
				Type:       events.CheckpointOpen,
				Duration:   now - t.OpenTimeStart,
				IsPeriodic: true,
			}, t.VisitID, true
		}
	}
	return events.CheckpointInfo{}, "", false
}
