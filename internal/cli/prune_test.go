package cli

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/dwell/internal/aggregate"
	"github.com/runnerr0/dwell/internal/clock"
	"github.com/runnerr0/dwell/internal/storage"
)

// seedPrunable stores an old processed visit, a recent processed visit and
// an old unprocessed visit. With 30 day retention 40 days after t0 only the
// first is eligible.
func seedPrunable(t *testing.T, store *storage.SQLiteStore) *clock.Fake {
	t.Helper()
	seedVisit(t, store, "old", t0, time.Minute, true)
	seedVisit(t, store, "recent", t0.Add(20*24*time.Hour), time.Minute, true)
	seedVisit(t, store, "pending", t0, time.Minute, false)
	return clock.NewFake(t0.Add(40 * 24 * time.Hour))
}

func totalEvents(t *testing.T, store *storage.SQLiteStore) int64 {
	t.Helper()
	st, err := store.LogStats(context.Background())
	require.NoError(t, err)
	return st.TotalEvents
}

func TestPrune_DryRun(t *testing.T) {
	store := openTestStore(t)
	clk := seedPrunable(t, store)

	cmd := &PruneCommand{DryRun: true, globals: &GlobalFlags{}}
	var err error
	output := captureOutput(t, func() {
		err = cmd.executeWithStore(store, testConfig(), clk, strings.NewReader(""))
	})
	require.NoError(t, err)
	assert.Contains(t, output, "Would delete 2 processed events")
	assert.Equal(t, int64(6), totalEvents(t, store))
}

func TestPrune_Force(t *testing.T) {
	store := openTestStore(t)
	clk := seedPrunable(t, store)

	cmd := &PruneCommand{Force: true, globals: &GlobalFlags{}}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(store, testConfig(), clk, strings.NewReader("")))
	})
	assert.Contains(t, output, "Deleted 2 processed events")
	assert.Equal(t, int64(4), totalEvents(t, store))

	left, err := store.QueryByVisitIDs(context.Background(), []string{"old", "recent", "pending"})
	require.NoError(t, err)
	for _, e := range left {
		assert.NotEqual(t, "old", e.VisitID)
	}
}

func TestPrune_Confirmation(t *testing.T) {
	store := openTestStore(t)
	clk := seedPrunable(t, store)
	cmd := &PruneCommand{globals: &GlobalFlags{}}

	var err error
	captureOutput(t, func() {
		err = cmd.executeWithStore(store, testConfig(), clk, strings.NewReader("no\n"))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborted")
	assert.Equal(t, int64(6), totalEvents(t, store))

	output := captureOutput(t, func() {
		err = cmd.executeWithStore(store, testConfig(), clk, strings.NewReader("yes\n"))
	})
	require.NoError(t, err)
	assert.Contains(t, output, "older than 30 days")
	assert.Equal(t, int64(4), totalEvents(t, store))
}

func TestPrune_OlderThanOverride(t *testing.T) {
	store := openTestStore(t)
	clk := seedPrunable(t, store)

	cmd := &PruneCommand{OlderThan: "1d", Force: true, globals: &GlobalFlags{JSON: true}}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(store, testConfig(), clk, strings.NewReader("")))
	})

	var res aggregate.PruneResult
	require.NoError(t, json.Unmarshal([]byte(output), &res))
	assert.Equal(t, 4, res.Candidates)
	assert.Equal(t, int64(4), res.Deleted)
	assert.Equal(t, clk.Now().Add(-24*time.Hour).UnixMilli(), res.Cutoff)
	assert.Equal(t, int64(2), totalEvents(t, store), "unprocessed events are kept")
}

func TestPrune_NothingToDo(t *testing.T) {
	store := openTestStore(t)
	cmd := &PruneCommand{globals: &GlobalFlags{}}

	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(store, testConfig(), clock.NewFake(t0), strings.NewReader("")))
	})
	assert.Contains(t, output, "Nothing to prune")
}

func TestPrune_InvalidOlderThan(t *testing.T) {
	store := openTestStore(t)
	cmd := &PruneCommand{OlderThan: "soon", globals: &GlobalFlags{}}
	err := cmd.executeWithStore(store, testConfig(), clock.NewFake(t0), strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --older-than")
}
