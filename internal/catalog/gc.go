package catalog

import (
	"context"
	"fmt"
)

// RecordGCRun appends one gc_log row for a completed sweep pair.
func (c *Catalog) RecordGCRun(ctx context.Context, ts string, itemsRemoved, bytesFreed int64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO gc_log (ts, items_removed, bytes_freed) VALUES (?, ?, ?)
	`, ts, itemsRemoved, bytesFreed)
	if err != nil {
		return fmt.Errorf("catalog: record gc run: %w", err)
	}
	return nil
}

// RecentGCRuns returns the most recent gc_log rows, newest first, capped at
// limit.
func (c *Catalog) RecentGCRuns(ctx context.Context, limit int) ([]GCRun, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT ts, items_removed, bytes_freed FROM gc_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: recent gc runs: %w", err)
	}
	defer rows.Close()

	var out []GCRun
	for rows.Next() {
		var r GCRun
		if err := rows.Scan(&r.Timestamp, &r.ItemsRemoved, &r.BytesFreed); err != nil {
			return nil, fmt.Errorf("catalog: scan gc run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
