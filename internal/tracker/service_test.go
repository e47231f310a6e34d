package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/dwell/internal/aggregate"
	"github.com/runnerr0/dwell/internal/checkpoint"
	"github.com/runnerr0/dwell/internal/clock"
	"github.com/runnerr0/dwell/internal/config"
	"github.com/runnerr0/dwell/internal/events"
	"github.com/runnerr0/dwell/internal/storage"
	"github.com/runnerr0/dwell/internal/tabstate"
)

var t0 = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.NewMigrationRunner(db).Run())
	store, err := storage.NewSQLiteStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Aggregation.TimeZone = "UTC"
	return cfg
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func newTestService(t *testing.T, store *storage.SQLiteStore, cfg *config.Config, clk *clock.Fake, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(clk), WithIDSource(sequentialIDs())}, opts...)
	s, err := New(context.Background(), cfg, store, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return s
}

func onlyRow(t *testing.T, store *storage.SQLiteStore) storage.StatsRecord {
	t.Helper()
	rows, err := store.QueryStats(context.Background(), storage.StatsQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]
}

func TestService_EndToEnd(t *testing.T) {
	store := openTestStore(t)
	clk := clock.NewFake(t0)
	s := newTestService(t, store, testConfig(), clk, WithoutSchedules())
	ctx := context.Background()

	_, err := s.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Handle(ctx, tabstate.BrowserEventData{
		Kind: tabstate.KindTabActivated, TabID: 1, WindowID: 1,
		URL: "https://Example.com/a?utm_source=news#top",
	}))

	clk.Advance(time.Second)
	require.NoError(t, s.Handle(ctx, tabstate.BrowserEventData{
		Kind: tabstate.KindUserInteraction, TabID: 1, Interaction: tabstate.InteractionClick,
	}))

	clk.Advance(10 * time.Second)
	require.NoError(t, s.Handle(ctx, tabstate.BrowserEventData{
		Kind: tabstate.KindUserInteraction, TabID: 1, Interaction: tabstate.InteractionKeypress,
	}))

	// Idle after 30s without interaction ends activity at t0+41s.
	clk.Advance(49 * time.Second)
	require.NoError(t, s.Handle(ctx, tabstate.BrowserEventData{Kind: tabstate.KindTabRemoved, TabID: 1}))

	require.NoError(t, s.Shutdown(ctx))

	rec := onlyRow(t, store)
	assert.Equal(t, "https://example.com/a", rec.URL)
	assert.Equal(t, "2024-01-15", rec.Date)
	assert.Equal(t, int64(60000), rec.TotalOpenTime)
	assert.Equal(t, int64(40000), rec.TotalActiveTime)

	st, err := store.LogStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.TotalEvents)
	assert.Zero(t, st.UnprocessedEvents)
}

func TestService_ShutdownEndsOpenSessions(t *testing.T) {
	store := openTestStore(t)
	clk := clock.NewFake(t0)
	s := newTestService(t, store, testConfig(), clk, WithoutSchedules())
	ctx := context.Background()

	_, err := s.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Handle(ctx, tabstate.BrowserEventData{
		Kind: tabstate.KindTabActivated, TabID: 1, WindowID: 1, URL: "https://example.com/a",
	}))
	clk.Advance(2 * time.Minute)

	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx), "second shutdown is a no-op")

	assert.Equal(t, (2 * time.Minute).Milliseconds(), onlyRow(t, store).TotalOpenTime)

	err = s.Handle(ctx, tabstate.BrowserEventData{
		Kind: tabstate.KindTabActivated, TabID: 2, WindowID: 1, URL: "https://example.com/b",
	})
	assert.ErrorIs(t, err, tabstate.ErrClosed)
}

func TestService_CrashRecoveryAcrossRestarts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.Checkpoint.Interval = config.Duration(10 * time.Minute)
	cfg.Checkpoint.OpenThreshold = config.Duration(5 * time.Minute)
	cfg.Aggregation.Interval = config.Duration(time.Hour)

	clkA := clock.NewFake(t0)
	first := newTestService(t, store, cfg, clkA)
	_, err := first.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Handle(ctx, tabstate.BrowserEventData{
		Kind: tabstate.KindTabActivated, TabID: 1, WindowID: 1, URL: "https://example.com/a",
	}))

	clkA.Advance(10*time.Minute + cfg.Queue.MaxWait.D())

	fired, err := store.LastFired(ctx, checkpoint.AlarmName)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Minute).UnixMilli(), fired)

	// The first process dies here without Shutdown.
	clkB := clock.NewFake(t0.Add(2 * time.Hour))
	second := newTestService(t, store, cfg, clkB)
	res, err := second.Start(ctx)
	require.NoError(t, err)
	defer second.Shutdown(ctx) //nolint:errcheck

	assert.Equal(t, 1, res.Synthesized)
	assert.Equal(t, (10 * time.Minute).Milliseconds(), res.Aggregation.OpenTime)
	assert.Equal(t, (10 * time.Minute).Milliseconds(), onlyRow(t, store).TotalOpenTime)

	recovered, err := store.QueryByVisitIDs(ctx, []string{"id-1"})
	require.NoError(t, err)
	last := recovered[len(recovered)-1]
	assert.Equal(t, events.OpenTimeEnd, last.Type)
	assert.Equal(t, events.ResolutionCrashRecovery, last.Resolution)
}

func TestService_Status(t *testing.T) {
	store := openTestStore(t)
	clk := clock.NewFake(t0)
	s := newTestService(t, store, testConfig(), clk)
	ctx := context.Background()

	_, err := s.Start(ctx)
	require.NoError(t, err)
	defer s.Shutdown(ctx) //nolint:errcheck

	require.NoError(t, s.Handle(ctx, tabstate.BrowserEventData{
		Kind: tabstate.KindTabActivated, TabID: 1, WindowID: 1, URL: "https://example.com/a",
	}))

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, 1, st.Queue.Queued)
	assert.Zero(t, st.Log.TotalEvents)
	assert.ElementsMatch(t, []string{checkpoint.AlarmName, aggregate.AlarmName, aggregate.PruneAlarmName}, st.Alarms)

	n, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err = s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Log.TotalEvents)
	assert.Equal(t, int64(1), st.Queue.TotalProcessed)
}

func TestService_ForcedOperations(t *testing.T) {
	store := openTestStore(t)
	cfg := testConfig()
	cfg.Retention.Days = 0
	clk := clock.NewFake(t0)
	s := newTestService(t, store, cfg, clk, WithoutSchedules())
	ctx := context.Background()

	_, err := s.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Handle(ctx, tabstate.BrowserEventData{
		Kind: tabstate.KindTabActivated, TabID: 1, WindowID: 1, URL: "https://example.com/a",
	}))

	clk.Advance(5 * time.Hour)
	n, err := s.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Flush(ctx)
	require.NoError(t, err)
	res, err := s.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, (5 * time.Hour).Milliseconds(), res.OpenTime)

	pruned := s.Prune(ctx)
	assert.Equal(t, int64(2), pruned.Deleted)
}

func TestBuildFilter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.AddExclusion(ctx, storage.RuleDomain, "blocked.example", "user rule"))

	cfg := testConfig()
	cfg.Filter.DenylistDomains = []string{"private.test"}
	cfg.Filter.DenylistRegex = []string{`^intranet\.`}

	f, err := BuildFilter(ctx, cfg, store)
	require.NoError(t, err)
	assert.False(t, f.Trackable("https://www.blocked.example/x"))
	assert.False(t, f.Trackable("https://private.test/"))
	assert.False(t, f.Trackable("https://intranet.corp.example/"))
	assert.False(t, f.Trackable("https://secure.chase.com/"), "default denylist is on")
	assert.True(t, f.Trackable("https://example.com/"))

	cfg.Filter.UseDefaultDenylist = false
	f, err = BuildFilter(ctx, cfg, store)
	require.NoError(t, err)
	assert.True(t, f.Trackable("https://secure.chase.com/"))
	assert.False(t, f.Trackable("https://www.blocked.example/x"))
}

func TestBuildFilter_InvalidPattern(t *testing.T) {
	store := openTestStore(t)
	cfg := testConfig()
	cfg.Filter.DenylistRegex = []string{"("}

	_, err := BuildFilter(context.Background(), cfg, store)
	assert.Error(t, err)
}
