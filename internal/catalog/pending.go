package catalog

import (
	"context"
	"fmt"
)

// RecordPendingFileRefs marks hashes as staged-but-not-yet-committed for
// stagingSlot, so GC does not reclaim them mid-transition. A first-class
// catalog table rather than an in-memory set, so the guard survives a
// process restart mid-stage.
func (c *Catalog) RecordPendingFileRefs(ctx context.Context, hashes []string, stagingSlot int, createdAt string) error {
	if len(hashes) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: record pending file refs: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_file_refs (hash, staging_slot, created_at) VALUES (?, ?, ?)
			ON CONFLICT(hash, staging_slot) DO NOTHING
		`, h, stagingSlot, createdAt); err != nil {
			return fmt.Errorf("catalog: record pending file ref %s: %w", h, err)
		}
	}

	return tx.Commit()
}

// ClearPendingFileRefs removes every pending-file-ref row for a staging slot,
// called when a transition is finalized (the refs are now backed by real
// state rows) or aborted (the slot is being released).
func (c *Catalog) ClearPendingFileRefs(ctx context.Context, stagingSlot int) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM pending_file_refs WHERE staging_slot = ?", stagingSlot); err != nil {
		return fmt.Errorf("catalog: clear pending file refs for slot %d: %w", stagingSlot, err)
	}
	return nil
}

// IsPending reports whether a hash is currently held by any pending-file-ref
// row, consulted by GC before reclaiming an unreferenced file object.
func (c *Catalog) IsPending(ctx context.Context, hash string) (bool, error) {
	var count int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_file_refs WHERE hash = ?", hash).Scan(&count); err != nil {
		return false, fmt.Errorf("catalog: check pending ref %s: %w", hash, err)
	}
	return count > 0, nil
}
