package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/runnerr0/dwell/internal/config"
	"github.com/runnerr0/dwell/internal/storage"
)

type reportRowJSON struct {
	Date         string `json:"date"`
	URL          string `json:"url"`
	Hostname     string `json:"hostname"`
	ParentDomain string `json:"parent_domain"`
	OpenTime     int64  `json:"open_time_ms"`
	ActiveTime   int64  `json:"active_time_ms"`
	LastUpdated  string `json:"last_updated"`
}

type reportJSON struct {
	Count int             `json:"count"`
	Since string          `json:"since,omitempty"`
	Until string          `json:"until,omitempty"`
	Rows  []reportRowJSON `json:"rows"`
}

// Execute implements the go-flags Commander interface for ReportCommand.
func (c *ReportCommand) Execute(args []string) error {
	store, cfg, closeFn, err := openStore(c.globals)
	if err != nil {
		return err
	}
	defer closeFn()

	return c.executeWithStore(store, cfg, time.Now())
}

// executeWithStore runs the report against a provided store (for testing).
func (c *ReportCommand) executeWithStore(store *storage.SQLiteStore, cfg *config.Config, now time.Time) error {
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("aggregation time zone: %w", err)
	}

	since, err := resolveDate(c.Since, now, loc)
	if err != nil {
		return fmt.Errorf("invalid --since value %q: %w", c.Since, err)
	}
	until, err := resolveDate(c.Until, now, loc)
	if err != nil {
		return fmt.Errorf("invalid --until value %q: %w", c.Until, err)
	}

	q := storage.StatsQuery{
		Since:        since,
		Until:        until,
		Hostname:     c.Host,
		ParentDomain: c.Domain,
		Limit:        c.Limit,
		Offset:       c.Offset,
	}
	log.Debug().Interface("query", q).Msg("querying stats")

	rows, err := store.QueryStats(context.Background(), q)
	if err != nil {
		return fmt.Errorf("query stats: %w", err)
	}

	if c.globals != nil && c.globals.JSON {
		return c.printJSON(since, until, rows)
	}
	return c.printHuman(since, rows)
}

func (c *ReportCommand) printHuman(since string, rows []storage.StatsRecord) error {
	if len(rows) == 0 {
		fmt.Printf("No tracked time since %s\n", since)
		return nil
	}

	var open, active int64
	fmt.Printf("%-10s  %10s  %10s  %s\n", "DATE", "OPEN", "ACTIVE", "URL")
	for _, r := range rows {
		fmt.Printf("%-10s  %10s  %10s  %s\n", r.Date, formatMillis(r.TotalOpenTime), formatMillis(r.TotalActiveTime), r.URL)
		open += r.TotalOpenTime
		active += r.TotalActiveTime
	}
	fmt.Println()
	fmt.Printf("%-10s  %10s  %10s\n", "TOTAL", formatMillis(open), formatMillis(active))
	return nil
}

func (c *ReportCommand) printJSON(since, until string, rows []storage.StatsRecord) error {
	out := reportJSON{
		Count: len(rows),
		Since: since,
		Until: until,
		Rows:  make([]reportRowJSON, len(rows)),
	}
	for i, r := range rows {
		out.Rows[i] = reportRowJSON{
			Date:         r.Date,
			URL:          r.URL,
			Hostname:     r.Hostname,
			ParentDomain: r.ParentDomain,
			OpenTime:     r.TotalOpenTime,
			ActiveTime:   r.TotalActiveTime,
			LastUpdated:  time.UnixMilli(r.LastUpdated).UTC().Format(time.RFC3339),
		}
	}
	return printJSON(out)
}
