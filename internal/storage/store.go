package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/runnerr0/dwell/internal/events"
)

// maxBatchVars bounds the number of bound parameters in one IN (...) list.
const maxBatchVars = 500

// ErrAlarmNotFound is returned when an alarm has never fired.
var ErrAlarmNotFound = errors.New("alarm not found")

// LogStore is the append-only event log.
type LogStore interface {
	BulkInsert(ctx context.Context, evs []events.DomainEvent) ([]int64, error)
	QueryUnprocessedSince(ctx context.Context, since int64) ([]events.DomainEvent, error)
	QueryProcessedOlderThan(ctx context.Context, cutoff int64) ([]events.DomainEvent, error)
	QueryByVisitIDs(ctx context.Context, visitIDs []string) ([]events.DomainEvent, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
	MarkProcessed(ctx context.Context, ids []int64) (int64, error)
	ApplyAggregation(ctx context.Context, deltas []StatsDelta, processed []int64) error
	LogStats(ctx context.Context) (*LogStats, error)
}

// StatsStore holds the daily per-URL totals.
type StatsStore interface {
	UpsertAdditive(ctx context.Context, d StatsDelta) (string, error)
	QueryStats(ctx context.Context, q StatsQuery) ([]StatsRecord, error)
	QueryByDateRange(ctx context.Context, from, to string) ([]StatsRecord, error)
	QueryByHostname(ctx context.Context, hostname string) ([]StatsRecord, error)
	QueryByParentDomain(ctx context.Context, domain string) ([]StatsRecord, error)
}

var (
	_ LogStore   = (*SQLiteStore)(nil)
	_ StatsStore = (*SQLiteStore)(nil)
)

// SQLiteStore implements LogStore and StatsStore on one SQLite database.
type SQLiteStore struct {
	db *sql.DB

	// Prepared statements
	insertEvent *sql.Stmt
	upsertStat  *sql.Stmt
	getAlarm    *sql.Stmt
	setAlarm    *sql.Stmt
}

// Open opens (or creates) the database at path, applies pending migrations
// and returns the migrated handle. The caller owns the returned *sql.DB.
func Open(path, journalMode string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := NewMigrationRunner(db).WithJournalMode(journalMode).Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// NewSQLiteStore creates a new SQLiteStore from an already-opened and migrated database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}

	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.insertEvent, err = s.db.Prepare(`
		INSERT INTO events (ts, event_type, tab_id, url, visit_id, activity_id, is_processed,
		                    resolution, checkpoint_type, checkpoint_duration, checkpoint_periodic)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.upsertStat, err = s.db.Prepare(`
		INSERT INTO aggregated_stats (key, date, url, hostname, parent_domain,
		                              total_open_time, total_active_time, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			total_open_time   = total_open_time + excluded.total_open_time,
			total_active_time = total_active_time + excluded.total_active_time,
			last_updated      = excluded.last_updated
	`)
	if err != nil {
		return err
	}

	s.getAlarm, err = s.db.Prepare(`SELECT last_fired FROM alarms WHERE name = ?`)
	if err != nil {
		return err
	}

	s.setAlarm, err = s.db.Prepare(`
		INSERT INTO alarms (name, last_fired) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET last_fired = excluded.last_fired
	`)
	if err != nil {
		return err
	}

	return nil
}

// DB returns the underlying handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// LogStats returns counts and time bounds of the event log plus stats totals.
func (s *SQLiteStore) LogStats(ctx context.Context) (*LogStats, error) {
	st := &LogStats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN is_processed = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(MIN(ts), 0),
		       COALESCE(MAX(ts), 0)
		FROM events
	`).Scan(&st.TotalEvents, &st.UnprocessedEvents, &st.OldestEvent, &st.NewestEvent)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	st.ProcessedEvents = st.TotalEvents - st.UnprocessedEvents

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_open_time), 0), COALESCE(SUM(total_active_time), 0)
		FROM aggregated_stats
	`).Scan(&st.StatsRows, &st.TotalOpenTime, &st.TotalActiveTime)
	if err != nil {
		return nil, fmt.Errorf("count stats: %w", err)
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, fmt.Errorf("page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("page size: %w", err)
	}
	st.DatabaseSizeBytes = pageCount * pageSize

	rows, err := s.db.QueryContext(ctx, `
		SELECT hostname, SUM(total_open_time) AS open
		FROM aggregated_stats
		GROUP BY hostname
		ORDER BY open DESC, hostname
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("top hosts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h HostTotal
		if err := rows.Scan(&h.Hostname, &h.OpenTime); err != nil {
			return nil, err
		}
		st.TopHosts = append(st.TopHosts, h)
	}

	return st, rows.Err()
}

// PurgeAll deletes every event, stats row and alarm. Exclusion rules are
// kept.
func (s *SQLiteStore) PurgeAll(ctx context.Context) error {
	return retryOnContention(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		for _, stmt := range []string{
			"DELETE FROM events",
			"DELETE FROM aggregated_stats",
			"DELETE FROM alarms",
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("purge (%s): %w", stmt, err)
			}
		}
		return tx.Commit()
	})
}

// LastFired returns the unix-millisecond instant the named alarm last fired.
func (s *SQLiteStore) LastFired(ctx context.Context, name string) (int64, error) {
	var ts int64
	err := s.getAlarm.QueryRowContext(ctx, name).Scan(&ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrAlarmNotFound
		}
		return 0, fmt.Errorf("get alarm %s: %w", name, err)
	}
	return ts, nil
}

// SetLastFired records that the named alarm fired at ts.
func (s *SQLiteStore) SetLastFired(ctx context.Context, name string, ts int64) error {
	return retryOnContention(func() error {
		if _, err := s.setAlarm.ExecContext(ctx, name, ts); err != nil {
			return fmt.Errorf("set alarm %s: %w", name, err)
		}
		return nil
	})
}

// Close releases all prepared statements. The underlying *sql.DB is NOT
// closed; that is the caller's responsibility.
func (s *SQLiteStore) Close() error {
	stmts := []*sql.Stmt{s.insertEvent, s.upsertStat, s.getAlarm, s.setAlarm}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}

// placeholders returns "?, ?, ?" with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// chunkInt64 splits ids into slices of at most size elements.
func chunkInt64(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
