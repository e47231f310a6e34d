package storage

import (
	"database/sql"

	"github.com/runnerr0/dwell/internal/config"
)

// migrateV001 creates the initial dwell schema: the append-only event log,
// the aggregated stats table, persisted alarms and the exclusion rules.
// Every statement uses IF NOT EXISTS for idempotency.
func migrateV001(tx *sql.Tx) error {
	stmts := []string{
		// ── Tables ──────────────────────────────────────────────

		`CREATE TABLE IF NOT EXISTS events (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			ts                  INTEGER NOT NULL,
			event_type          TEXT NOT NULL CHECK (event_type IN (
				'open_time_start', 'open_time_end',
				'active_time_start', 'active_time_end', 'checkpoint')),
			tab_id              INTEGER NOT NULL,
			url                 TEXT NOT NULL,
			visit_id            TEXT NOT NULL,
			activity_id         TEXT,
			is_processed        BOOLEAN NOT NULL DEFAULT 0,
			resolution          TEXT NOT NULL DEFAULT '',
			checkpoint_type     TEXT,
			checkpoint_duration INTEGER,
			checkpoint_periodic BOOLEAN NOT NULL DEFAULT 0,
			created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS aggregated_stats (
			key               TEXT PRIMARY KEY,
			date              TEXT NOT NULL,
			url               TEXT NOT NULL,
			hostname          TEXT NOT NULL DEFAULT '',
			parent_domain     TEXT NOT NULL DEFAULT '',
			total_open_time   INTEGER NOT NULL DEFAULT 0,
			total_active_time INTEGER NOT NULL DEFAULT 0,
			last_updated      INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS alarms (
			name       TEXT PRIMARY KEY,
			last_fired INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS exclusions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_type  TEXT NOT NULL CHECK (rule_type IN ('domain', 'regex')),
			rule_value TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			is_default BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(rule_type, rule_value)
		)`,

		// ── Indexes ────────────────────────────────────────────

		`CREATE INDEX IF NOT EXISTS idx_events_visit_id     ON events(visit_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_activity_id  ON events(activity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_is_processed ON events(is_processed)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts           ON events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_event_type   ON events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_stats_date          ON aggregated_stats(date)`,
		`CREATE INDEX IF NOT EXISTS idx_stats_hostname      ON aggregated_stats(hostname)`,
		`CREATE INDEX IF NOT EXISTS idx_stats_parent_domain ON aggregated_stats(parent_domain)`,
		`CREATE INDEX IF NOT EXISTS idx_exclusions_rule     ON exclusions(rule_type, rule_value)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return seedDefaultExclusions(tx)
}

// defaultRegexExclusions are hostname patterns excluded alongside the
// default domain denylist.
var defaultRegexExclusions = []string{
	`.*\.xxx$`,
	`.*pornhub\.com$`,
}

// seedDefaultExclusions inserts the curated denylist. Uses INSERT OR IGNORE
// so re-running is safe.
func seedDefaultExclusions(tx *sql.Tx) error {
	const insertSQL = `INSERT OR IGNORE INTO exclusions (rule_type, rule_value, reason, is_default) VALUES (?, ?, ?, 1)`

	for _, d := range config.DefaultDenylistDomains() {
		if _, err := tx.Exec(insertSQL, RuleDomain, d, "Default sensitive-domain denylist"); err != nil {
			return err
		}
	}
	for _, re := range defaultRegexExclusions {
		if _, err := tx.Exec(insertSQL, RuleRegex, re, "Adult content exclusion"); err != nil {
			return err
		}
	}

	return nil
}
