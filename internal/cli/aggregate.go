package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/runnerr0/dwell/internal/aggregate"
	"github.com/runnerr0/dwell/internal/clock"
	"github.com/runnerr0/dwell/internal/config"
	"github.com/runnerr0/dwell/internal/storage"
)

// Execute implements the go-flags Commander interface for AggregateCommand.
func (c *AggregateCommand) Execute(args []string) error {
	store, cfg, closeFn, err := openStore(c.globals)
	if err != nil {
		return err
	}
	defer closeFn()

	return c.executeWithStore(store, cfg, clock.New())
}

// executeWithStore folds every unprocessed event in store. Crash recovery is
// left to the tracker itself: a one-shot run cannot tell a dead session from
// one a running tracker still owns.
func (c *AggregateCommand) executeWithStore(store *storage.SQLiteStore, cfg *config.Config, clk clock.Clock) error {
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("aggregation time zone: %w", err)
	}

	engine := aggregate.NewEngine(store, clk, loc, log.Logger)
	res, err := aggregate.NewScheduler(engine, nil, 0, log.Logger).RunNow(context.Background())
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(res)
	}

	if res.Events == 0 {
		fmt.Println("Nothing to aggregate.")
		return nil
	}
	fmt.Printf("Aggregated %s events in %d sessions into %d rows.\n",
		humanize.Comma(int64(res.Events)), res.Groups, res.Rows)
	fmt.Printf("Open time:   +%s\n", formatMillis(res.OpenTime))
	fmt.Printf("Active time: +%s\n", formatMillis(res.ActiveTime))
	return nil
}
