package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/runnerr0/dwell/internal/alarm"
	"github.com/runnerr0/dwell/internal/clock"
	"github.com/runnerr0/dwell/internal/events"
)

// PruneAlarmName is the persisted alarm that drives scheduled pruning.
const PruneAlarmName = "prune"

// pruneChunk bounds one delete statement.
const pruneChunk = 500

// PruneStore is the part of the log store the pruner needs.
type PruneStore interface {
	QueryProcessedOlderThan(ctx context.Context, cutoff int64) ([]events.DomainEvent, error)
	QueryUnprocessedSince(ctx context.Context, since int64) ([]events.DomainEvent, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
}

// PruneResult summarizes one pruning pass.
type PruneResult struct {
	Cutoff     int64 `json:"cutoff"`
	Candidates int   `json:"candidates"`
	Deleted    int64 `json:"deleted"`
	Held       int   `json:"held,omitempty"`
	DryRun     bool  `json:"dryRun,omitempty"`
}

// Pruner deletes processed events that fell out of the retention window.
// Unprocessed events are never touched. Processed events of a visit that
// still has unprocessed events are held back: aggregation keys a visit's
// later deltas by the date and URL of its earliest stored event.
type Pruner struct {
	store PruneStore
	clk   clock.Clock
	days  int
	log   zerolog.Logger
}

// NewPruner creates a Pruner keeping days of processed history. A days value
// of zero or less prunes every processed event up to now.
func NewPruner(store PruneStore, clk clock.Clock, days int, log zerolog.Logger) *Pruner {
	return &Pruner{
		store: store,
		clk:   clk,
		days:  days,
		log:   log.With().Str("component", "pruner").Logger(),
	}
}

// Cutoff returns the newest timestamp eligible for pruning right now.
func (p *Pruner) Cutoff() int64 {
	now := p.clk.Now()
	if p.days <= 0 {
		return now.UnixMilli()
	}
	return now.Add(-time.Duration(p.days) * 24 * time.Hour).UnixMilli()
}

// Run prunes at Cutoff. Errors are logged and never returned.
func (p *Pruner) Run(ctx context.Context) PruneResult {
	res, err := p.Prune(ctx, p.Cutoff(), false)
	if err != nil {
		p.log.Error().Err(err).Int64("deleted", res.Deleted).Msg("prune failed, retrying next interval")
	}
	return res
}

// Start registers a periodic Run under the prune alarm.
func (p *Pruner) Start(ctx context.Context, alarms *alarm.Scheduler, interval time.Duration) error {
	return alarms.Every(ctx, PruneAlarmName, interval, func(ctx context.Context) {
		p.Run(ctx)
	})
}

// Prune deletes processed events with timestamp <= cutoff in chunks. Rows
// deleted before a failing chunk stay deleted and are counted.
func (p *Pruner) Prune(ctx context.Context, cutoff int64, dryRun bool) (PruneResult, error) {
	res := PruneResult{Cutoff: cutoff, DryRun: dryRun}

	old, err := p.store.QueryProcessedOlderThan(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("query prunable events: %w", err)
	}

	pending, err := p.store.QueryUnprocessedSince(ctx, 0)
	if err != nil {
		return res, fmt.Errorf("query open visits: %w", err)
	}
	openVisits := make(map[string]struct{})
	for _, ev := range pending {
		if ev.VisitID != "" {
			openVisits[ev.VisitID] = struct{}{}
		}
	}

	ids := make([]int64, 0, len(old))
	for _, ev := range old {
		if ev.ID <= 0 {
			continue
		}
		if _, ok := openVisits[ev.VisitID]; ok {
			res.Held++
			continue
		}
		ids = append(ids, ev.ID)
	}
	res.Candidates = len(ids)
	if dryRun || len(ids) == 0 {
		return res, nil
	}

	for start := 0; start < len(ids); start += pruneChunk {
		end := min(start+pruneChunk, len(ids))
		n, err := p.store.DeleteByIDs(ctx, ids[start:end])
		res.Deleted += n
		if err != nil {
			return res, fmt.Errorf("delete events: %w", err)
		}
	}

	p.log.Info().
		Int64("deleted", res.Deleted).
		Int("held", res.Held).
		Time("cutoff", time.UnixMilli(cutoff)).
		Msg("pruned processed events")
	return res, nil
}
