package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Exclusions returns the persisted filter rules. Seeded defaults are
// included only when includeDefaults is set.
func (s *SQLiteStore) Exclusions(ctx context.Context, includeDefaults bool) ([]Exclusion, error) {
	query := "SELECT id, rule_type, rule_value, reason, is_default FROM exclusions"
	if !includeDefaults {
		query += " WHERE is_default = 0"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query exclusions: %w", err)
	}
	defer rows.Close()

	out := []Exclusion{}
	for rows.Next() {
		var e Exclusion
		if err := rows.Scan(&e.ID, &e.RuleType, &e.RuleValue, &e.Reason, &e.IsDefault); err != nil {
			return nil, fmt.Errorf("scan exclusion: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddExclusion stores a user rule. Adding an existing rule is a no-op.
func (s *SQLiteStore) AddExclusion(ctx context.Context, ruleType, value, reason string) error {
	value = strings.TrimSpace(value)
	switch ruleType {
	case RuleDomain:
		value = strings.TrimPrefix(strings.ToLower(value), ".")
	case RuleRegex:
		if _, err := regexp.Compile(value); err != nil {
			return fmt.Errorf("invalid regex %q: %w", value, err)
		}
	default:
		return fmt.Errorf("unknown rule type %q", ruleType)
	}
	if value == "" {
		return fmt.Errorf("empty %s rule", ruleType)
	}

	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO exclusions (rule_type, rule_value, reason, is_default) VALUES (?, ?, ?, 0)`,
			ruleType, value, reason,
		)
		if err != nil {
			return fmt.Errorf("add exclusion: %w", err)
		}
		return nil
	})
}

// RemoveExclusion deletes a rule by id.
func (s *SQLiteStore) RemoveExclusion(ctx context.Context, id int64) error {
	var n int64
	err := retryOnContention(func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM exclusions WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("remove exclusion: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("exclusion %d not found", id)
	}
	return nil
}

// SplitExclusions separates rules into domain values and compiled regexes.
// Invalid patterns are skipped.
func SplitExclusions(rules []Exclusion) (domains []string, patterns []*regexp.Regexp) {
	for _, r := range rules {
		switch r.RuleType {
		case RuleDomain:
			domains = append(domains, r.RuleValue)
		case RuleRegex:
			re, err := regexp.Compile(r.RuleValue)
			if err != nil {
				continue
			}
			patterns = append(patterns, re)
		}
	}
	return domains, patterns
}
