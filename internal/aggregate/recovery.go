package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/runnerr0/dwell/internal/clock"
	"github.com/runnerr0/dwell/internal/events"
)

// RecoveryStore is the part of the log store recovery reads.
type RecoveryStore interface {
	QueryUnprocessedSince(ctx context.Context, since int64) ([]events.DomainEvent, error)
	QueryByVisitIDs(ctx context.Context, visitIDs []string) ([]events.DomainEvent, error)
}

// Queue persists synthesized events.
type Queue interface {
	Enqueue(ctx context.Context, ev events.DomainEvent) error
	Flush(ctx context.Context) (int, error)
}

// RecoveryResult summarizes a startup recovery pass.
type RecoveryResult struct {
	Orphans     int    `json:"orphans"`
	Synthesized int    `json:"synthesized"`
	Aggregation Result `json:"aggregation"`
}

// Recovery closes sessions left open by a process that died without a clean
// shutdown. It must run before any new session is opened.
type Recovery struct {
	store  RecoveryStore
	gen    *events.Generator
	queue  Queue
	engine *Engine
	clk    clock.Clock
	window time.Duration
	log    zerolog.Logger
}

// NewRecovery creates a Recovery scanning the last window of the log.
func NewRecovery(store RecoveryStore, gen *events.Generator, q Queue, engine *Engine, clk clock.Clock, window time.Duration, log zerolog.Logger) *Recovery {
	return &Recovery{
		store:  store,
		gen:    gen,
		queue:  q,
		engine: engine,
		clk:    clk,
		window: window,
		log:    log.With().Str("component", "recovery").Logger(),
	}
}

// Run synthesizes a crash_recovery end at the last seen timestamp for every
// started session without an end, persists them and aggregates the window.
// Active ends are emitted before the open end of the same visit.
func (r *Recovery) Run(ctx context.Context) (RecoveryResult, error) {
	var res RecoveryResult
	since := int64(0)
	if r.window > 0 {
		since = r.clk.Now().Add(-r.window).UnixMilli()
	}

	pending, err := r.store.QueryUnprocessedSince(ctx, since)
	if err != nil {
		return res, fmt.Errorf("query unprocessed events: %w", err)
	}
	if len(pending) == 0 {
		return res, nil
	}

	visitSet := make(map[string]struct{})
	for _, ev := range pending {
		visitSet[ev.VisitID] = struct{}{}
	}
	visitIDs := make([]string, 0, len(visitSet))
	for id := range visitSet {
		visitIDs = append(visitIDs, id)
	}
	sort.Strings(visitIDs)

	history, err := r.store.QueryByVisitIDs(ctx, visitIDs)
	if err != nil {
		return res, fmt.Errorf("query visit history: %w", err)
	}

	for _, ev := range r.orphanEnds(history) {
		res.Orphans++
		gen, err := r.gen.Generate(ev.Type, events.Context{
			Timestamp:  ev.Timestamp,
			TabID:      ev.TabID,
			URL:        ev.URL,
			VisitID:    ev.VisitID,
			ActivityID: ev.ActivityID,
			Resolution: events.ResolutionCrashRecovery,
		})
		if err != nil {
			r.log.Warn().Err(err).Str("visit_id", ev.VisitID).Msg("cannot synthesize session end")
			continue
		}
		if gen.Rejected {
			r.log.Warn().Str("visit_id", ev.VisitID).Str("reason", gen.Reason).Msg("session end rejected")
			continue
		}
		if err := r.queue.Enqueue(ctx, gen.Event); err != nil {
			return res, fmt.Errorf("enqueue recovered end: %w", err)
		}
		res.Synthesized++
	}

	if res.Synthesized > 0 {
		if _, err := r.queue.Flush(ctx); err != nil {
			return res, fmt.Errorf("flush recovered ends: %w", err)
		}
		r.log.Info().Int("sessions", res.Synthesized).Msg("closed sessions left open by a crash")
	}

	res.Aggregation, err = r.engine.Run(ctx, since)
	if err != nil {
		return res, err
	}
	return res, nil
}

// orphanEnds returns template end events for started groups that have no
// end. history must be ordered by timestamp.
func (r *Recovery) orphanEnds(history []events.DomainEvent) []events.DomainEvent {
	type state struct {
		start    *events.DomainEvent
		ended    bool
		lastSeen int64
	}
	groups := make(map[groupKey]*state)
	visitLast := make(map[string]int64)
	var order []groupKey

	for i := range history {
		ev := &history[i]
		k := groupKey{ev.VisitID, ev.ActivityID}
		g, ok := groups[k]
		if !ok {
			g = &state{}
			groups[k] = g
			order = append(order, k)
		}
		switch {
		case ev.Type.IsStart():
			if g.start == nil {
				g.start = ev
			}
		case ev.Type.IsEnd():
			g.ended = true
		}
		g.lastSeen = max(g.lastSeen, ev.Timestamp)
		visitLast[ev.VisitID] = max(visitLast[ev.VisitID], ev.Timestamp)
	}

	var active, open []events.DomainEvent
	for _, k := range order {
		g := groups[k]
		if g.start == nil || g.ended {
			continue
		}
		end := events.DomainEvent{
			TabID:      g.start.TabID,
			URL:        g.start.URL,
			VisitID:    k.visitID,
			ActivityID: k.activityID,
		}
		if k.activityID == "" {
			end.Type = events.OpenTimeEnd
			end.Timestamp = visitLast[k.visitID]
			open = append(open, end)
		} else {
			end.Type = events.ActiveTimeEnd
			end.Timestamp = g.lastSeen
			active = append(active, end)
		}
	}
	return append(active, open...)
}
