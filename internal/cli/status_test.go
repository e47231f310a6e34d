package cli

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/dwell/internal/aggregate"
)

func TestStatus_EmptyDB(t *testing.T) {
	store := openTestStore(t)
	cmd := &StatusCommand{globals: &GlobalFlags{}, version: "dev"}

	var err error
	output := captureOutput(t, func() {
		err = cmd.executeWithStore(store, testConfig(), "/tmp/dwell.db")
	})
	require.NoError(t, err)

	assert.Contains(t, output, "Dwell Status")
	assert.Contains(t, output, "Version:       dev")
	assert.Contains(t, output, "Events:        0")
	assert.Contains(t, output, "Retention:     30 days")
	assert.Contains(t, output, "checkpoint   never fired")
	assert.NotContains(t, output, "Oldest:")
	assert.NotContains(t, output, "Top Hosts:")
}

func TestStatus_WithData(t *testing.T) {
	store := openTestStore(t)
	seedVisit(t, store, "v1", t0, 10*time.Minute, false)
	seedStats(t, store, "2024-01-15", "https://example.com/a", "example.com", "example.com", 3_600_000, 600_000)
	require.NoError(t, store.SetLastFired(context.Background(), aggregate.AlarmName, t0.UnixMilli()))

	cmd := &StatusCommand{globals: &GlobalFlags{}, version: "dev"}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(store, testConfig(), "/tmp/dwell.db"))
	})

	assert.Contains(t, output, "Events:        2")
	assert.Contains(t, output, "Pending:       2")
	assert.Contains(t, output, "Open time:     1h0m0s")
	assert.Contains(t, output, "Active time:   10m0s")
	assert.Contains(t, output, "Top Hosts:")
	assert.Contains(t, output, "example.com")
	assert.Contains(t, output, "aggregate    last fired")
}

func TestStatus_JSON(t *testing.T) {
	store := openTestStore(t)
	seedVisit(t, store, "v1", t0, 10*time.Minute, true)
	seedStats(t, store, "2024-01-15", "https://example.com/a", "example.com", "example.com", 600_000, 0)
	require.NoError(t, store.SetLastFired(context.Background(), aggregate.PruneAlarmName, t0.UnixMilli()))

	cmd := &StatusCommand{globals: &GlobalFlags{JSON: true}, version: "1.0.0"}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(store, testConfig(), "/tmp/dwell.db"))
	})

	var out statusJSON
	require.NoError(t, json.Unmarshal([]byte(output), &out))
	assert.Equal(t, "1.0.0", out.Version)
	assert.Equal(t, "/tmp/dwell.db", out.DatabasePath)
	assert.Positive(t, out.DatabaseSizeBytes)
	assert.Equal(t, int64(2), out.TotalEvents)
	assert.Zero(t, out.UnprocessedEvents)
	assert.Equal(t, "2024-01-15T09:00:00Z", out.OldestEvent)
	assert.Equal(t, "2024-01-15T09:10:00Z", out.NewestEvent)
	assert.Equal(t, int64(1), out.StatsRows)
	assert.Equal(t, int64(600_000), out.TotalOpenTime)
	require.Len(t, out.TopHosts, 1)
	assert.Equal(t, "example.com", out.TopHosts[0].Hostname)
	assert.Equal(t, map[string]string{aggregate.PruneAlarmName: "2024-01-15T09:00:00Z"}, out.Alarms)
}
