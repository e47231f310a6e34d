package config

import "time"

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Tracking: TrackingConfig{
			IdleTimeout:          Duration(30 * time.Second),
			AudibleIdleTimeout:   Duration(5 * time.Minute),
			ScrollThresholdPx:    50,
			MouseMoveThresholdPx: 20,
		},
		Queue: QueueConfig{
			MaxQueueSize:    50,
			MaxWait:         Duration(5 * time.Second),
			MaxRetries:      3,
			RetryBaseDelay:  Duration(time.Second),
			DedupWindow:     Duration(time.Second),
			DedupCacheSize:  1000,
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Checkpoint: CheckpointConfig{
			Interval:        Duration(30 * time.Minute),
			ActiveThreshold: Duration(15 * time.Minute),
			OpenThreshold:   Duration(4 * time.Hour),
		},
		Aggregation: AggregationConfig{
			Interval:       Duration(15 * time.Minute),
			RecoveryWindow: Duration(7 * 24 * time.Hour),
			TimeZone:       "",
		},
		Retention: RetentionConfig{
			Days:          30,
			PruneInterval: Duration(24 * time.Hour),
		},
		Filter: FilterConfig{
			DenylistDomains:    []string{},
			DenylistRegex:      []string{},
			StripParams:        []string{},
			UseDefaultDenylist: true,
		},
		Storage: StorageConfig{
			Path:              "~/.local/share/dwell",
			SQLiteFile:        "dwell.db",
			SQLiteJournalMode: "wal",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}
