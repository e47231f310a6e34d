package cli

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/dwell/internal/storage"
)

func TestPurge_WithoutAllFlag_Errors(t *testing.T) {
	err := RunWithArgs("test", []string{"purge"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "purge requires --all flag for safety")
}

func TestPurge_WithAllAndForce_Succeeds(t *testing.T) {
	db := openTestDB(t)
	store, err := storage.NewSQLiteStore(db)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	seedVisit(t, store, "v1", t0, time.Minute, false)
	seedStats(t, store, "2024-01-15", "https://example.com/a", "example.com", "example.com", 60_000, 0)
	require.NoError(t, store.SetLastFired(ctx, "aggregate", t0.UnixMilli()))
	require.NoError(t, store.AddExclusion(ctx, storage.RuleDomain, "blocked.example", "user rule"))

	cmd := &PurgeCommand{All: true, Force: true, globals: &GlobalFlags{}}
	cmd.setDB(db)

	output := captureOutput(t, func() {
		err = cmd.Execute(nil)
	})
	require.NoError(t, err)
	assert.Contains(t, output, "Purged all data")

	for _, table := range []string{"events", "aggregated_stats", "alarms"} {
		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&count))
		assert.Zero(t, count, table)
	}

	rules, err := store.Exclusions(ctx, false)
	require.NoError(t, err)
	assert.Len(t, rules, 1, "exclusion rules survive a purge")
}

func TestPurge_JSONOutput(t *testing.T) {
	db := openTestDB(t)

	cmd := &PurgeCommand{All: true, Force: true, globals: &GlobalFlags{JSON: true}}
	cmd.setDB(db)

	var err error
	output := captureOutput(t, func() {
		err = cmd.Execute(nil)
	})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &out))
	assert.Equal(t, true, out["purged"])
	assert.Equal(t, "all data deleted", out["message"])
}
