package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/runnerr0/dwell/internal/events"
)

const eventColumns = `id, ts, event_type, tab_id, url, visit_id, activity_id, is_processed,
	resolution, checkpoint_type, checkpoint_duration, checkpoint_periodic`

// BulkInsert appends evs in one transaction and returns the assigned ids in
// input order. Either every event is stored or none is.
func (s *SQLiteStore) BulkInsert(ctx context.Context, evs []events.DomainEvent) ([]int64, error) {
	if len(evs) == 0 {
		return []int64{}, nil
	}

	var ids []int64
	err := retryOnContention(func() error {
		ids = make([]int64, 0, len(evs))

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		stmt := tx.StmtContext(ctx, s.insertEvent)
		for _, e := range evs {
			var cpType sql.NullString
			var cpDuration sql.NullInt64
			var cpPeriodic bool
			if e.Checkpoint != nil {
				cpType = sql.NullString{String: string(e.Checkpoint.Type), Valid: true}
				cpDuration = sql.NullInt64{Int64: e.Checkpoint.Duration, Valid: true}
				cpPeriodic = e.Checkpoint.IsPeriodic
			}

			res, err := stmt.ExecContext(ctx,
				e.Timestamp, string(e.Type), e.TabID, e.URL, e.VisitID,
				nullString(e.ActivityID), e.IsProcessed, string(e.Resolution),
				cpType, cpDuration, cpPeriodic,
			)
			if err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("insert event id: %w", err)
			}
			ids = append(ids, id)
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// QueryUnprocessedSince returns unprocessed events with ts >= since, oldest
// first. A since of zero returns every unprocessed event.
func (s *SQLiteStore) QueryUnprocessedSince(ctx context.Context, since int64) ([]events.DomainEvent, error) {
	return s.scanEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE is_processed = 0 AND ts >= ? ORDER BY ts, id`,
		since,
	)
}

// QueryProcessedOlderThan returns processed events with ts <= cutoff. The
// bound is inclusive.
func (s *SQLiteStore) QueryProcessedOlderThan(ctx context.Context, cutoff int64) ([]events.DomainEvent, error) {
	return s.scanEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE is_processed = 1 AND ts <= ? ORDER BY ts, id`,
		cutoff,
	)
}

// QueryByVisitIDs returns every event, processed or not, of the given
// visits, oldest first.
func (s *SQLiteStore) QueryByVisitIDs(ctx context.Context, visitIDs []string) ([]events.DomainEvent, error) {
	out := []events.DomainEvent{}
	for start := 0; start < len(visitIDs); start += maxBatchVars {
		end := min(start+maxBatchVars, len(visitIDs))
		chunk := visitIDs[start:end]

		args := make([]any, len(chunk))
		for i, v := range chunk {
			args[i] = v
		}
		evs, err := s.scanEvents(ctx,
			`SELECT `+eventColumns+` FROM events WHERE visit_id IN (`+placeholders(len(chunk))+`) ORDER BY ts, id`,
			args...,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}
	return out, nil
}

// DeleteByIDs removes the given events and returns how many rows went.
func (s *SQLiteStore) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	return s.execByIDs(ctx, "DELETE FROM events WHERE id IN (%s)", ids)
}

// MarkProcessed flags the given events as folded into stats.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, ids []int64) (int64, error) {
	return s.execByIDs(ctx, "UPDATE events SET is_processed = 1 WHERE id IN (%s)", ids)
}

func (s *SQLiteStore) execByIDs(ctx context.Context, query string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var total int64
	err := retryOnContention(func() error {
		total = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		n, err := execIDsTx(ctx, tx, query, ids)
		if err != nil {
			return err
		}
		total = n
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func execIDsTx(ctx context.Context, tx *sql.Tx, query string, ids []int64) (int64, error) {
	var total int64
	for _, chunk := range chunkInt64(ids, maxBatchVars) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		res, err := tx.ExecContext(ctx, fmt.Sprintf(query, placeholders(len(chunk))), args...)
		if err != nil {
			return 0, fmt.Errorf("exec by ids: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// ApplyAggregation adds every delta to aggregated_stats and marks the folded
// events processed in a single transaction, so a crash leaves either both
// or neither.
func (s *SQLiteStore) ApplyAggregation(ctx context.Context, deltas []StatsDelta, processed []int64) error {
	if len(deltas) == 0 && len(processed) == 0 {
		return nil
	}

	return retryOnContention(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		upsert := tx.StmtContext(ctx, s.upsertStat)
		for _, d := range deltas {
			if _, err := upsert.ExecContext(ctx,
				d.Key(), d.Date, d.URL, d.Hostname, d.ParentDomain,
				d.OpenTime, d.ActiveTime, d.UpdatedAt,
			); err != nil {
				return fmt.Errorf("upsert stats %s: %w", d.Key(), err)
			}
		}

		if _, err := execIDsTx(ctx, tx, "UPDATE events SET is_processed = 1 WHERE id IN (%s)", processed); err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}

		return tx.Commit()
	})
}

// scanEvents executes a query and scans results into DomainEvent slices.
func (s *SQLiteStore) scanEvents(ctx context.Context, query string, args ...any) ([]events.DomainEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := []events.DomainEvent{}
	for rows.Next() {
		var (
			e          events.DomainEvent
			typ, res   string
			activityID sql.NullString
			cpType     sql.NullString
			cpDuration sql.NullInt64
			cpPeriodic bool
		)
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &typ, &e.TabID, &e.URL, &e.VisitID, &activityID,
			&e.IsProcessed, &res, &cpType, &cpDuration, &cpPeriodic,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = events.EventType(typ)
		e.Resolution = events.Resolution(res)
		e.ActivityID = activityID.String
		if cpType.Valid {
			e.Checkpoint = &events.CheckpointInfo{
				Type:       events.CheckpointType(cpType.String),
				Duration:   cpDuration.Int64,
				IsPeriodic: cpPeriodic,
			}
		}
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
