package cli

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/dwell/internal/config"
	"github.com/runnerr0/dwell/internal/events"
	"github.com/runnerr0/dwell/internal/storage"
)

var t0 = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

// captureOutput captures stdout during fn execution and returns it as a string.
func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}

// openTestDB creates a migrated in-memory SQLite database for testing.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.NewMigrationRunner(db).Run())
	return db
}

// openTestStore wraps openTestDB in a store.
func openTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(openTestDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Aggregation.TimeZone = "UTC"
	return cfg
}

// seedStats adds one aggregated row.
func seedStats(t *testing.T, store *storage.SQLiteStore, date, url, host, parent string, open, active int64) {
	t.Helper()
	_, err := store.UpsertAdditive(context.Background(), storage.StatsDelta{
		Date: date, URL: url, Hostname: host, ParentDomain: parent,
		OpenTime: open, ActiveTime: active, UpdatedAt: t0.UnixMilli(),
	})
	require.NoError(t, err)
}

// seedVisit stores a completed open session of d starting at start.
func seedVisit(t *testing.T, store *storage.SQLiteStore, visitID string, start time.Time, d time.Duration, processed bool) {
	t.Helper()
	evs := []events.DomainEvent{
		{Timestamp: start.UnixMilli(), Type: events.OpenTimeStart, TabID: 1, URL: "https://example.com/a", VisitID: visitID, IsProcessed: processed},
		{Timestamp: start.Add(d).UnixMilli(), Type: events.OpenTimeEnd, TabID: 1, URL: "https://example.com/a", VisitID: visitID, IsProcessed: processed},
	}
	_, err := store.BulkInsert(context.Background(), evs)
	require.NoError(t, err)
}
