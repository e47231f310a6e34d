package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hay-kot/criterio"
)

// Validate checks that the configuration is usable. All problems are
// collected and returned together as criterio.FieldErrors.
func (c *Config) Validate() error {
	var errs criterio.FieldErrors

	add := func(field string, err error) {
		errs = append(errs, criterio.FieldErrors{{Field: field, Err: err}}...)
	}
	positive := func(field string, d Duration) {
		if d.D() <= 0 {
			add(field, fmt.Errorf("must be greater than zero"))
		}
	}

	positive("tracking.idle_timeout", c.Tracking.IdleTimeout)
	positive("tracking.audible_idle_timeout", c.Tracking.AudibleIdleTimeout)
	if c.Tracking.AudibleIdleTimeout < c.Tracking.IdleTimeout {
		add("tracking.audible_idle_timeout", fmt.Errorf("must not be shorter than tracking.idle_timeout"))
	}
	if c.Tracking.ScrollThresholdPx < 0 {
		add("tracking.scroll_threshold_px", fmt.Errorf("must not be negative"))
	}
	if c.Tracking.MouseMoveThresholdPx < 0 {
		add("tracking.mouse_move_threshold_px", fmt.Errorf("must not be negative"))
	}

	if c.Queue.MaxQueueSize < 1 {
		add("queue.max_queue_size", fmt.Errorf("must be at least 1"))
	}
	positive("queue.max_wait", c.Queue.MaxWait)
	if c.Queue.MaxRetries < 0 {
		add("queue.max_retries", fmt.Errorf("must not be negative"))
	}
	positive("queue.retry_base_delay", c.Queue.RetryBaseDelay)
	if c.Queue.DedupWindow < 0 {
		add("queue.dedup_window", fmt.Errorf("must not be negative"))
	}
	if c.Queue.DedupCacheSize < 1 {
		add("queue.dedup_cache_size", fmt.Errorf("must be at least 1"))
	}
	positive("queue.shutdown_timeout", c.Queue.ShutdownTimeout)

	positive("checkpoint.interval", c.Checkpoint.Interval)
	positive("checkpoint.active_threshold", c.Checkpoint.ActiveThreshold)
	positive("checkpoint.open_threshold", c.Checkpoint.OpenThreshold)

	positive("aggregation.interval", c.Aggregation.Interval)
	if c.Aggregation.RecoveryWindow < 0 {
		add("aggregation.recovery_window", fmt.Errorf("must not be negative"))
	}
	if c.Aggregation.TimeZone != "" {
		if _, err := time.LoadLocation(c.Aggregation.TimeZone); err != nil {
			add("aggregation.time_zone", fmt.Errorf("unknown time zone %q", c.Aggregation.TimeZone))
		}
	}

	positive("retention.prune_interval", c.Retention.PruneInterval)

	for i, expr := range c.Filter.DenylistRegex {
		if _, err := regexp.Compile(expr); err != nil {
			add(fmt.Sprintf("filter.denylist_regex[%d]", i), fmt.Errorf("invalid regex: %w", err))
		}
	}
	for i, d := range c.Filter.DenylistDomains {
		if strings.TrimSpace(d) == "" {
			add(fmt.Sprintf("filter.denylist_domains[%d]", i), fmt.Errorf("must not be empty"))
		}
	}

	if c.Storage.SQLiteFile == "" {
		add("storage.sqlite_file", fmt.Errorf("must not be empty"))
	}
	switch strings.ToLower(c.Storage.SQLiteJournalMode) {
	case "wal", "delete", "truncate", "memory":
	default:
		add("storage.sqlite_journal_mode", fmt.Errorf("unsupported journal mode %q", c.Storage.SQLiteJournalMode))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
