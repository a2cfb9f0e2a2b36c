// ABOUTME: Usage statistics over the invocation log
// ABOUTME: Aggregates call counts, failures, and latency per operation with optional filters

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/2389/orchestrator-gateway/internal/analytics"
)

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	where, args := filter.clause()

	var stats UsageStats
	totals := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(degraded), 0)
		FROM invocations` + where
	err := s.db.QueryRowContext(ctx, totals, args...).Scan(
		&stats.TotalCalls,
		&stats.TotalFailures,
		&stats.DegradedCalls,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage totals: %w", err)
	}

	perName := `
		SELECT
			name,
			kind,
			COUNT(*) AS calls,
			SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN error_code = 'timeout' THEN 1 ELSE 0 END),
			AVG(duration_ms),
			MAX(duration_ms),
			MAX(created_at)
		FROM invocations` + where + `
		GROUP BY name, kind
		ORDER BY calls DESC, name ASC`

	rows, err := s.db.QueryContext(ctx, perName, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage by operation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var op OperationStats
		var kind string
		var avg sql.NullFloat64
		var last string
		if err := rows.Scan(&op.Name, &kind, &op.Calls, &op.Failures, &op.Timeouts, &avg, &op.MaxDurationMS, &last); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		op.Kind = analytics.Kind(kind)
		op.AvgDurationMS = avg.Float64
		op.LastCalledAt, err = time.Parse(time.RFC3339Nano, last)
		if err != nil {
			return nil, fmt.Errorf("parsing last call time: %w", err)
		}
		stats.Operations = append(stats.Operations, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	return &stats, nil
}

// clause renders the filter as a WHERE clause with positional args.
func (f UsageFilter) clause() (string, []any) {
	var conds []string
	var args []any

	if f.Kind != nil {
		conds = append(conds, "kind = ?")
		args = append(args, string(*f.Kind))
	}
	if f.Name != nil {
		conds = append(conds, "name = ?")
		args = append(args, *f.Name)
	}
	if f.Subject != nil {
		conds = append(conds, "subject = ?")
		args = append(args, *f.Subject)
	}
	if f.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, formatTime(*f.Until))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
