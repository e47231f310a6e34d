package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/runnerr0/dwell/internal/aggregate"
	"github.com/runnerr0/dwell/internal/checkpoint"
	"github.com/runnerr0/dwell/internal/config"
	"github.com/runnerr0/dwell/internal/storage"
)

// statusJSON is the JSON output structure for the status command.
type statusJSON struct {
	Version           string              `json:"version"`
	DatabasePath      string              `json:"database_path"`
	DatabaseSizeBytes int64               `json:"database_size_bytes"`
	TotalEvents       int64               `json:"total_events"`
	UnprocessedEvents int64               `json:"unprocessed_events"`
	OldestEvent       string              `json:"oldest_event,omitempty"`
	NewestEvent       string              `json:"newest_event,omitempty"`
	StatsRows         int64               `json:"stats_rows"`
	TotalOpenTime     int64               `json:"total_open_time_ms"`
	TotalActiveTime   int64               `json:"total_active_time_ms"`
	RetentionDays     int                 `json:"retention_days"`
	TopHosts          []storage.HostTotal `json:"top_hosts"`
	Alarms            map[string]string   `json:"alarms"`
}

// alarmNames lists the persisted schedules in display order.
var alarmNames = []string{checkpoint.AlarmName, aggregate.AlarmName, aggregate.PruneAlarmName}

// Execute implements the go-flags Commander interface for StatusCommand.
func (c *StatusCommand) Execute(args []string) error {
	store, cfg, closeFn, err := openStore(c.globals)
	if err != nil {
		return err
	}
	defer closeFn()

	dbPath, err := resolveDBPath(c.globals, cfg)
	if err != nil {
		return err
	}
	return c.executeWithStore(store, cfg, dbPath)
}

// executeWithStore runs status against a provided store (for testing).
func (c *StatusCommand) executeWithStore(store *storage.SQLiteStore, cfg *config.Config, dbPath string) error {
	ctx := context.Background()

	stats, err := store.LogStats(ctx)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	alarms := make(map[string]time.Time, len(alarmNames))
	for _, name := range alarmNames {
		ts, err := store.LastFired(ctx, name)
		if errors.Is(err, storage.ErrAlarmNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("alarm %s: %w", name, err)
		}
		alarms[name] = time.UnixMilli(ts)
	}

	if c.globals != nil && c.globals.JSON {
		return c.printStatusJSON(stats, cfg, dbPath, alarms)
	}
	return c.printStatusHuman(stats, cfg, dbPath, alarms)
}

func (c *StatusCommand) printStatusHuman(stats *storage.LogStats, cfg *config.Config, dbPath string, alarms map[string]time.Time) error {
	fmt.Println("Dwell Status")
	fmt.Println("============")
	fmt.Printf("Version:       %s\n", c.version)
	fmt.Printf("Database:      %s (%s)\n", dbPath, humanize.Bytes(uint64(stats.DatabaseSizeBytes)))
	fmt.Printf("Events:        %s\n", humanize.Comma(stats.TotalEvents))
	fmt.Printf("Pending:       %s\n", humanize.Comma(stats.UnprocessedEvents))

	if stats.TotalEvents > 0 {
		fmt.Printf("Oldest:        %s\n", time.UnixMilli(stats.OldestEvent).Local().Format(dateLayout))
		fmt.Printf("Newest:        %s\n", time.UnixMilli(stats.NewestEvent).Local().Format(dateLayout))
	}

	fmt.Printf("Stats rows:    %s\n", humanize.Comma(stats.StatsRows))
	fmt.Printf("Open time:     %s\n", formatMillis(stats.TotalOpenTime))
	fmt.Printf("Active time:   %s\n", formatMillis(stats.TotalActiveTime))
	fmt.Printf("Retention:     %d days\n", cfg.Retention.Days)

	if len(stats.TopHosts) > 0 {
		fmt.Println()
		fmt.Println("Top Hosts:")
		for _, h := range stats.TopHosts {
			fmt.Printf("  %-30s %s\n", h.Hostname, formatMillis(h.OpenTime))
		}
	}

	fmt.Println()
	fmt.Println("Alarms:")
	for _, name := range alarmNames {
		if at, ok := alarms[name]; ok {
			fmt.Printf("  %-12s last fired %s\n", name, humanize.Time(at))
		} else {
			fmt.Printf("  %-12s never fired\n", name)
		}
	}

	return nil
}

func (c *StatusCommand) printStatusJSON(stats *storage.LogStats, cfg *config.Config, dbPath string, alarms map[string]time.Time) error {
	out := statusJSON{
		Version:           c.version,
		DatabasePath:      dbPath,
		DatabaseSizeBytes: stats.DatabaseSizeBytes,
		TotalEvents:       stats.TotalEvents,
		UnprocessedEvents: stats.UnprocessedEvents,
		StatsRows:         stats.StatsRows,
		TotalOpenTime:     stats.TotalOpenTime,
		TotalActiveTime:   stats.TotalActiveTime,
		RetentionDays:     cfg.Retention.Days,
		TopHosts:          stats.TopHosts,
		Alarms:            make(map[string]string, len(alarms)),
	}
	if out.TopHosts == nil {
		out.TopHosts = []storage.HostTotal{}
	}

	if stats.TotalEvents > 0 {
		out.OldestEvent = time.UnixMilli(stats.OldestEvent).UTC().Format(time.RFC3339)
		out.NewestEvent = time.UnixMilli(stats.NewestEvent).UTC().Format(time.RFC3339)
	}

	for name, at := range alarms {
		out.Alarms[name] = at.UTC().Format(time.RFC3339)
	}

	return printJSON(out)
}
