package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default config file path.
const DefaultConfigPath = "~/.config/dwell/config.yaml"

// Config holds all dwell configuration.
type Config struct {
	Tracking    TrackingConfig    `yaml:"tracking"`
	Queue       QueueConfig       `yaml:"queue"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Retention   RetentionConfig   `yaml:"retention"`
	Filter      FilterConfig      `yaml:"filter"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// TrackingConfig controls the per-tab state machine.
type TrackingConfig struct {
	IdleTimeout          Duration `yaml:"idle_timeout"`
	AudibleIdleTimeout   Duration `yaml:"audible_idle_timeout"`
	ScrollThresholdPx    int      `yaml:"scroll_threshold_px"`
	MouseMoveThresholdPx int      `yaml:"mouse_move_threshold_px"`
}

type QueueConfig struct {
	MaxQueueSize    int      `yaml:"max_queue_size"`
	MaxWait         Duration `yaml:"max_wait"`
	MaxRetries      int      `yaml:"max_retries"`
	RetryBaseDelay  Duration `yaml:"retry_base_delay"`
	DedupWindow     Duration `yaml:"dedup_window"`
	DedupCacheSize  int      `yaml:"dedup_cache_size"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type CheckpointConfig struct {
	Interval        Duration `yaml:"interval"`
	ActiveThreshold Duration `yaml:"active_threshold"`
	OpenThreshold   Duration `yaml:"open_threshold"`
}

type AggregationConfig struct {
	Interval       Duration `yaml:"interval"`
	RecoveryWindow Duration `yaml:"recovery_window"`
	// TimeZone is an IANA name used to bucket contributions into days.
	// Empty means the local zone.
	TimeZone string `yaml:"time_zone"`
}

type RetentionConfig struct {
	// Days may be zero or negative; the pruner then deletes every processed
	// event up to now.
	Days          int      `yaml:"days"`
	PruneInterval Duration `yaml:"prune_interval"`
}

type FilterConfig struct {
	DenylistDomains []string `yaml:"denylist_domains"`
	DenylistRegex   []string `yaml:"denylist_regex"`
	StripParams     []string `yaml:"strip_params"`
	// UseDefaultDenylist adds the built-in sensitive-domain list.
	UseDefaultDenylist bool `yaml:"use_default_denylist"`
}

type StorageConfig struct {
	Path              string `yaml:"path"`
	SQLiteFile        string `yaml:"sqlite_file"`
	SQLiteJournalMode string `yaml:"sqlite_journal_mode"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Duration is a time.Duration that reads and writes YAML as "30s", "5m".
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Location resolves the aggregation time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Aggregation.TimeZone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Aggregation.TimeZone)
}

// DatabasePath returns the absolute path of the SQLite database.
func (c *Config) DatabasePath() (string, error) {
	dir, err := expandPath(c.Storage.Path)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, c.Storage.SQLiteFile), nil
}

// Load reads a YAML config file at path and merges it with defaults.
// Returns an error if the file cannot be read, contains invalid YAML or
// fails validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// expandPath replaces a leading ~ with the user's home directory.
func expandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// LoadOrCreate loads the config from the default path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreate() (*Config, error) {
	path, err := expandPath(DefaultConfigPath)
	if err != nil {
		return nil, err
	}
	return LoadOrCreateAt(path)
}

// LoadOrCreateAt loads the config from the given path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreateAt(path string) (*Config, error) {
	path, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()

		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating config directory: %w", err)
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshaling default config: %w", err)
		}

		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}

		return cfg, nil
	}

	return Load(path)
}
