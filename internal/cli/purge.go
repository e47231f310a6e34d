package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/runnerr0/dwell/internal/storage"
)

// setDB allows tests to inject a database connection.
func (c *PurgeCommand) setDB(db *sql.DB) {
	c.db = db
}

// Execute implements the go-flags Commander interface for PurgeCommand.
func (c *PurgeCommand) Execute(args []string) error {
	if !c.All {
		return fmt.Errorf("purge requires --all flag for safety")
	}

	// Confirmation prompt unless --force
	if !c.Force {
		fmt.Println("⚠ WARNING: This will permanently delete ALL dwell data.")
		fmt.Println("  - The event log")
		fmt.Println("  - All aggregated open and active time")
		fmt.Println("  - Alarm history")
		fmt.Println()
		fmt.Println("Exclusion rules are kept. This action cannot be undone.")
		fmt.Println()
		if err := confirm(os.Stdin, `Type "PURGE" to confirm: `, "PURGE"); err != nil {
			return err
		}
	}

	// Open or use injected DB
	var store *storage.SQLiteStore
	if c.db != nil {
		s, err := withDB(c.db)
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	} else {
		s, _, closeFn, err := openStore(c.globals)
		if err != nil {
			return err
		}
		defer closeFn()
		store = s
	}

	ctx := context.Background()
	if err := store.PurgeAll(ctx); err != nil {
		return fmt.Errorf("purge failed: %w", err)
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(map[string]any{
			"purged":  true,
			"message": "all data deleted",
		})
	}

	fmt.Println("Purged all data. Dwell is empty.")
	return nil
}
