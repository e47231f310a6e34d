package cli

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/runnerr0/dwell/internal/config"
	"github.com/runnerr0/dwell/internal/storage"
)

const dateLayout = "2006-01-02"

// loadConfig reads the config named by --config, or the default config file
// (created with defaults on first use).
func loadConfig(globals *GlobalFlags) (*config.Config, error) {
	if globals != nil && globals.Config != "" {
		return config.Load(globals.Config)
	}
	cfg, err := config.LoadOrCreate()
	if err != nil {
		log.Warn().Err(err).Msg("using default configuration")
		return config.DefaultConfig(), nil
	}
	return cfg, nil
}

// resolveDBPath determines the SQLite database file path.
// Priority: --db flag > config file.
func resolveDBPath(globals *GlobalFlags, cfg *config.Config) (string, error) {
	if globals != nil && globals.DBPath != "" {
		return globals.DBPath, nil
	}
	return cfg.DatabasePath()
}

// openStore loads configuration and opens the migrated store. The returned
// close function releases both the store and the database.
func openStore(globals *GlobalFlags) (*storage.SQLiteStore, *config.Config, func(), error) {
	cfg, err := loadConfig(globals)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := setupLogger(cfg, globals); err != nil {
		return nil, nil, nil, err
	}

	dbPath, err := resolveDBPath(globals, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	db, err := storage.Open(dbPath, cfg.Storage.SQLiteJournalMode)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}

	store, err := storage.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("init store: %w", err)
	}

	closeFn := func() {
		store.Close()
		db.Close()
	}
	return store, cfg, closeFn, nil
}

// parseDuration parses a human-friendly duration string like "30d", "7d", "24h", "2w".
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("invalid duration: empty string")
	}

	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	suffix := s[len(s)-1]
	numStr := s[:len(s)-1]

	n, err := strconv.Atoi(numStr)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	switch suffix {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 's':
		return time.Duration(n) * time.Second, nil
	default:
		return 0, fmt.Errorf("invalid duration: %q (use d, h, w, m or s suffix)", s)
	}
}

// resolveDate turns a report bound into a YYYY-MM-DD day in loc. The bound
// is either a literal date or a duration before now.
func resolveDate(s string, now time.Time, loc *time.Location) (string, error) {
	if s == "" {
		return "", nil
	}
	if _, err := time.ParseInLocation(dateLayout, s, loc); err == nil {
		return s, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return "", err
	}
	return now.Add(-d).In(loc).Format(dateLayout), nil
}

// formatDurationHuman formats a duration into a human-readable string like "30 days".
func formatDurationHuman(d time.Duration) string {
	days := int(d.Hours() / 24)
	if days > 0 {
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	hours := int(d.Hours())
	if hours > 0 {
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	return d.String()
}

// formatMillis renders a millisecond total rounded to the second, e.g. "1h2m5s".
func formatMillis(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}

// confirm prompts on stdout and reports whether the user typed want.
func confirm(in io.Reader, prompt, want string) error {
	fmt.Print(prompt)
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return fmt.Errorf("aborted: no input received")
	}
	if strings.TrimSpace(scanner.Text()) != want {
		return fmt.Errorf("aborted: confirmation text did not match")
	}
	return nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withDB wraps an already migrated database for commands with an injected
// handle.
func withDB(db *sql.DB) (*storage.SQLiteStore, error) {
	store, err := storage.NewSQLiteStore(db)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return store, nil
}
