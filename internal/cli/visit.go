package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/runnerr0/dwell/internal/events"
	"github.com/runnerr0/dwell/internal/storage"
)

// Execute implements the go-flags Commander interface for VisitCommand.
func (c *VisitCommand) Execute(args []string) error {
	if c.ID == "" {
		return fmt.Errorf("--id is required for visit command")
	}

	store, _, closeFn, err := openStore(c.globals)
	if err != nil {
		return err
	}
	defer closeFn()

	return c.executeWithStore(store)
}

// executeWithStore prints the visit from a provided store (for testing).
func (c *VisitCommand) executeWithStore(store *storage.SQLiteStore) error {
	evs, err := store.QueryByVisitIDs(context.Background(), []string{c.ID})
	if err != nil {
		return fmt.Errorf("query visit: %w", err)
	}
	if len(evs) == 0 {
		return fmt.Errorf("visit not found: %s", c.ID)
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(evs)
	}

	fmt.Printf("Visit %s\n", c.ID)
	fmt.Printf("URL:   %s\n", evs[0].URL)
	fmt.Printf("Tab:   %d\n\n", evs[0].TabID)
	for _, e := range evs {
		fmt.Printf("  %s  %-17s", time.UnixMilli(e.Timestamp).Local().Format("2006-01-02 15:04:05"), e.Type)
		if e.ActivityID != "" {
			fmt.Printf("  activity=%s", e.ActivityID)
		}
		if e.Type == events.Checkpoint && e.Checkpoint != nil {
			fmt.Printf("  %s +%s", e.Checkpoint.Type, formatMillis(e.Checkpoint.Duration))
		}
		if e.Resolution != events.ResolutionNone {
			fmt.Printf("  (%s)", e.Resolution)
		}
		if !e.IsProcessed {
			fmt.Print("  pending")
		}
		fmt.Println()
	}
	return nil
}
