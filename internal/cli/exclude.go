package cli

import (
	"context"
	"fmt"

	"github.com/runnerr0/dwell/internal/storage"
)

// Execute implements the go-flags Commander interface for ExcludeCommand.
func (c *ExcludeCommand) Execute(args []string) error {
	store, _, closeFn, err := openStore(c.globals)
	if err != nil {
		return err
	}
	defer closeFn()

	return c.executeWithStore(store)
}

// executeWithStore adds, removes or lists rules in store (for testing).
// Rule changes take effect the next time the tracker starts.
func (c *ExcludeCommand) executeWithStore(store *storage.SQLiteStore) error {
	ctx := context.Background()

	switch {
	case c.Add != "" && c.Remove != 0:
		return fmt.Errorf("--add and --remove cannot be combined")

	case c.Add != "":
		ruleType := storage.RuleDomain
		if c.Regex {
			ruleType = storage.RuleRegex
		}
		if err := store.AddExclusion(ctx, ruleType, c.Add, c.Reason); err != nil {
			return fmt.Errorf("add exclusion: %w", err)
		}
		if c.globals == nil || !c.globals.JSON {
			fmt.Printf("Excluded %s %q.\n", ruleType, c.Add)
			return nil
		}

	case c.Remove != 0:
		if err := store.RemoveExclusion(ctx, c.Remove); err != nil {
			return fmt.Errorf("remove exclusion: %w", err)
		}
		if c.globals == nil || !c.globals.JSON {
			fmt.Printf("Removed rule %d.\n", c.Remove)
			return nil
		}
	}

	rules, err := store.Exclusions(ctx, c.Defaults)
	if err != nil {
		return fmt.Errorf("list exclusions: %w", err)
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(rules)
	}

	if len(rules) == 0 {
		fmt.Println("No exclusion rules.")
		return nil
	}
	for _, r := range rules {
		origin := "user"
		if r.IsDefault {
			origin = "default"
		}
		fmt.Printf("%4d  %-6s  %-7s  %-40s  %s\n", r.ID, r.RuleType, origin, r.RuleValue, r.Reason)
	}
	return nil
}
