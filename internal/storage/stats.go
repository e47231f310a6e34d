package storage

import (
	"context"
	"fmt"
	"strings"
)

// UpsertAdditive adds d to the record at d.Key(), creating it if needed,
// and returns the key. Totals only ever grow.
func (s *SQLiteStore) UpsertAdditive(ctx context.Context, d StatsDelta) (string, error) {
	if d.Date == "" || d.URL == "" {
		return "", fmt.Errorf("upsert stats: date and url are required")
	}
	if d.OpenTime < 0 || d.ActiveTime < 0 {
		return "", fmt.Errorf("upsert stats %s: negative delta", d.Key())
	}

	err := retryOnContention(func() error {
		_, err := s.upsertStat.ExecContext(ctx,
			d.Key(), d.Date, d.URL, d.Hostname, d.ParentDomain,
			d.OpenTime, d.ActiveTime, d.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upsert stats %s: %w", d.Key(), err)
	}
	return d.Key(), nil
}

// QueryStats reads stats rows matching q, newest day first and then by
// descending open time.
func (s *SQLiteStore) QueryStats(ctx context.Context, q StatsQuery) ([]StatsRecord, error) {
	var clauses []string
	var args []any

	if q.Since != "" {
		clauses = append(clauses, "date >= ?")
		args = append(args, q.Since)
	}
	if q.Until != "" {
		clauses = append(clauses, "date <= ?")
		args = append(args, q.Until)
	}
	if q.Hostname != "" {
		clauses = append(clauses, "hostname = ?")
		args = append(args, strings.ToLower(q.Hostname))
	}
	if q.ParentDomain != "" {
		clauses = append(clauses, "parent_domain = ?")
		args = append(args, strings.ToLower(q.ParentDomain))
	}

	query := `
		SELECT key, date, url, hostname, parent_domain, total_open_time, total_active_time, last_updated
		FROM aggregated_stats
	`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY date DESC, total_open_time DESC, url"
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	out := []StatsRecord{}
	for rows.Next() {
		var r StatsRecord
		if err := rows.Scan(
			&r.Key, &r.Date, &r.URL, &r.Hostname, &r.ParentDomain,
			&r.TotalOpenTime, &r.TotalActiveTime, &r.LastUpdated,
		); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

// QueryByDateRange returns records with from <= date <= to.
func (s *SQLiteStore) QueryByDateRange(ctx context.Context, from, to string) ([]StatsRecord, error) {
	return s.QueryStats(ctx, StatsQuery{Since: from, Until: to})
}

// QueryByHostname returns every record for one hostname.
func (s *SQLiteStore) QueryByHostname(ctx context.Context, hostname string) ([]StatsRecord, error) {
	return s.QueryStats(ctx, StatsQuery{Hostname: hostname})
}

// QueryByParentDomain returns every record whose registrable domain is
// domain.
func (s *SQLiteStore) QueryByParentDomain(ctx context.Context, domain string) ([]StatsRecord, error) {
	return s.QueryStats(ctx, StatsQuery{ParentDomain: domain})
}
