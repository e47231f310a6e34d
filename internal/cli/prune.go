package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/runnerr0/dwell/internal/aggregate"
	"github.com/runnerr0/dwell/internal/clock"
	"github.com/runnerr0/dwell/internal/config"
	"github.com/runnerr0/dwell/internal/storage"
)

// Execute implements the go-flags Commander interface for PruneCommand.
func (c *PruneCommand) Execute(args []string) error {
	store, cfg, closeFn, err := openStore(c.globals)
	if err != nil {
		return err
	}
	defer closeFn()

	return c.executeWithStore(store, cfg, clock.New(), os.Stdin)
}

// executeWithStore prunes store (for testing). in supplies the confirmation
// answer when neither --dry-run nor --force is set.
func (c *PruneCommand) executeWithStore(store *storage.SQLiteStore, cfg *config.Config, clk clock.Clock, in io.Reader) error {
	ctx := context.Background()
	pruner := aggregate.NewPruner(store, clk, cfg.Retention.Days, log.Logger)

	cutoff := pruner.Cutoff()
	window := time.Duration(cfg.Retention.Days) * 24 * time.Hour
	if c.OlderThan != "" {
		d, err := parseDuration(c.OlderThan)
		if err != nil {
			return fmt.Errorf("invalid --older-than value %q: %w", c.OlderThan, err)
		}
		cutoff = clk.Now().Add(-d).UnixMilli()
		window = d
	}

	preview, err := pruner.Prune(ctx, cutoff, true)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}

	res := preview
	if !c.DryRun && preview.Candidates > 0 {
		if !c.Force {
			prompt := fmt.Sprintf("Delete %s processed events older than %s? Type \"yes\" to confirm: ",
				humanize.Comma(int64(preview.Candidates)), formatDurationHuman(window))
			if err := confirm(in, prompt, "yes"); err != nil {
				return err
			}
		}
		res, err = pruner.Prune(ctx, cutoff, false)
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(res)
	}

	at := time.UnixMilli(res.Cutoff).Local().Format("2006-01-02 15:04")
	switch {
	case res.Candidates == 0:
		fmt.Printf("Nothing to prune before %s.\n", at)
	case res.DryRun:
		fmt.Printf("Would delete %s processed events before %s.\n", humanize.Comma(int64(res.Candidates)), at)
	default:
		fmt.Printf("Deleted %s processed events before %s.\n", humanize.Comma(res.Deleted), at)
	}
	if res.Held > 0 {
		fmt.Printf("Kept %s events of visits with unaggregated events.\n", humanize.Comma(int64(res.Held)))
	}
	return nil
}
