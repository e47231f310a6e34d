// Package aggregate folds the event log into daily per-URL totals and keeps
// the log bounded.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/runnerr0/dwell/internal/clock"
	"github.com/runnerr0/dwell/internal/events"
	"github.com/runnerr0/dwell/internal/storage"
	"github.com/runnerr0/dwell/internal/urlfilter"
)

// dateLayout is the calendar day format of stats keys.
const dateLayout = "2006-01-02"

// Store is the part of the log store the engine reads and commits to.
type Store interface {
	QueryUnprocessedSince(ctx context.Context, since int64) ([]events.DomainEvent, error)
	QueryByVisitIDs(ctx context.Context, visitIDs []string) ([]events.DomainEvent, error)
	ApplyAggregation(ctx context.Context, deltas []storage.StatsDelta, processed []int64) error
}

// Result summarizes one engine run.
type Result struct {
	Events     int   `json:"events"`
	Groups     int   `json:"groups"`
	Rows       int   `json:"rows"`
	OpenTime   int64 `json:"openTime"`
	ActiveTime int64 `json:"activeTime"`
}

// Engine converts unprocessed events into additive stats deltas.
type Engine struct {
	store Store
	clk   clock.Clock
	loc   *time.Location
	log   zerolog.Logger
}

// NewEngine creates an Engine that buckets days in loc (time.Local if nil).
func NewEngine(store Store, clk clock.Clock, loc *time.Location, log zerolog.Logger) *Engine {
	if loc == nil {
		loc = time.Local
	}
	return &Engine{
		store: store,
		clk:   clk,
		loc:   loc,
		log:   log.With().Str("component", "aggregate").Logger(),
	}
}

type groupKey struct {
	visitID    string
	activityID string
}

// Run folds every unprocessed event with timestamp >= since (0 means all).
//
// Each (visit, activity) group contributes the growth of its extent: the
// extent over the previously processed events plus this batch, minus the
// extent over the previously processed events alone. Summed over runs this
// telescopes to the extent of the whole group, so a checkpoint folded early
// and an end folded later never count the same span twice. Deltas and the
// processed flags are committed in one transaction.
func (e *Engine) Run(ctx context.Context, since int64) (Result, error) {
	batch, err := e.store.QueryUnprocessedSince(ctx, since)
	if err != nil {
		return Result{}, fmt.Errorf("query unprocessed events: %w", err)
	}
	if len(batch) == 0 {
		return Result{}, nil
	}

	inBatch := make(map[int64]struct{}, len(batch))
	visitSet := make(map[string]struct{})
	for _, ev := range batch {
		inBatch[ev.ID] = struct{}{}
		visitSet[ev.VisitID] = struct{}{}
	}
	visitIDs := make([]string, 0, len(visitSet))
	for id := range visitSet {
		visitIDs = append(visitIDs, id)
	}
	sort.Strings(visitIDs)

	related, err := e.store.QueryByVisitIDs(ctx, visitIDs)
	if err != nil {
		return Result{}, fmt.Errorf("query visit history: %w", err)
	}

	type group struct {
		before []events.DomainEvent // processed in earlier runs
		after  []events.DomainEvent // before plus this batch
		fresh  bool
	}
	groups := make(map[groupKey]*group)
	var order []groupKey
	for _, ev := range related {
		_, batched := inBatch[ev.ID]
		if !ev.IsProcessed && !batched {
			continue
		}
		k := groupKey{ev.VisitID, ev.ActivityID}
		g, ok := groups[k]
		if !ok {
			g = &group{}
			groups[k] = g
			order = append(order, k)
		}
		g.after = append(g.after, ev)
		if batched {
			g.fresh = true
		} else {
			g.before = append(g.before, ev)
		}
	}

	now := clock.NowMillis(e.clk)
	rows := make(map[string]*storage.StatsDelta)
	res := Result{Events: len(batch)}

	for _, k := range order {
		g := groups[k]
		if !g.fresh {
			continue
		}
		res.Groups++

		contrib := extent(g.after) - extent(g.before)
		if contrib < 0 {
			e.log.Warn().
				Str("visit_id", k.visitID).
				Str("activity_id", k.activityID).
				Int64("delta_ms", contrib).
				Msg("negative contribution clamped to zero")
			contrib = 0
		}
		if contrib == 0 {
			continue
		}

		// The earliest event is usually processed already. The pruner holds
		// it while the visit has pending events so the key stays put.
		first := g.after[0]
		date := time.UnixMilli(first.Timestamp).In(e.loc).Format(dateLayout)
		key := storage.StatsKey(date, first.URL)
		d, ok := rows[key]
		if !ok {
			host := urlfilter.Hostname(first.URL)
			d = &storage.StatsDelta{
				Date:         date,
				URL:          first.URL,
				Hostname:     host,
				ParentDomain: urlfilter.ParentDomain(host),
				UpdatedAt:    now,
			}
			rows[key] = d
		}
		if k.activityID == "" {
			d.OpenTime += contrib
			res.OpenTime += contrib
		} else {
			d.ActiveTime += contrib
			res.ActiveTime += contrib
		}
	}

	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	deltas := make([]storage.StatsDelta, 0, len(keys))
	for _, k := range keys {
		deltas = append(deltas, *rows[k])
	}

	ids := make([]int64, 0, len(batch))
	for _, ev := range batch {
		ids = append(ids, ev.ID)
	}

	if err := e.store.ApplyAggregation(ctx, deltas, ids); err != nil {
		return Result{}, fmt.Errorf("apply aggregation: %w", err)
	}
	res.Rows = len(deltas)

	e.log.Info().
		Int("events", res.Events).
		Int("groups", res.Groups).
		Int("rows", res.Rows).
		Int64("open_ms", res.OpenTime).
		Int64("active_ms", res.ActiveTime).
		Msg("aggregation complete")
	return res, nil
}

// extent reconstructs the tracked span of one group's events, which must be
// ordered by timestamp. An explicit end wins over checkpoints; without a
// visible start the latest checkpoint's recorded duration stands in for it.
func extent(evs []events.DomainEvent) int64 {
	var start, end, ck *events.DomainEvent
	for i := range evs {
		ev := &evs[i]
		switch {
		case ev.Type.IsStart():
			if start == nil {
				start = ev
			}
		case ev.Type.IsEnd():
			end = ev
		case ev.Type == events.Checkpoint && ev.Checkpoint != nil:
			ck = ev
		}
	}

	var d int64
	switch {
	case start != nil && end != nil:
		d = end.Timestamp - start.Timestamp
	case start != nil && ck != nil:
		d = ck.Timestamp - start.Timestamp
	case ck != nil && end != nil:
		d = ck.Checkpoint.Duration + end.Timestamp - ck.Timestamp
	case ck != nil:
		d = ck.Checkpoint.Duration
	}
	return max(d, 0)
}
