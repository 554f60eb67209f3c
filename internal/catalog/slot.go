package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSlots inserts a free slot_state row for every index in [0, n) that
// does not already have one, idempotently sizing the catalog-backed slot map
// to the configured slot count.
func (c *Catalog) EnsureSlots(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO slot_state (slot_index, state_id, bound_at) VALUES (?, NULL, NULL)
			ON CONFLICT(slot_index) DO NOTHING
		`, i)
		if err != nil {
			return fmt.Errorf("catalog: ensure slot %d: %w", i, err)
		}
	}
	return nil
}

// SlotStates returns every slot binding, ordered by index.
func (c *Catalog) SlotStates(ctx context.Context) ([]SlotBinding, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT slot_index, state_id, bound_at FROM slot_state ORDER BY slot_index")
	if err != nil {
		return nil, fmt.Errorf("catalog: list slot states: %w", err)
	}
	defer rows.Close()

	var out []SlotBinding
	for rows.Next() {
		var b SlotBinding
		var stateID, boundAt sql.NullString
		if err := rows.Scan(&b.SlotIndex, &stateID, &boundAt); err != nil {
			return nil, fmt.Errorf("catalog: scan slot state: %w", err)
		}
		b.StateID = stateID.String
		b.BoundAt = boundAt.String
		out = append(out, b)
	}
	return out, rows.Err()
}

// BindSlot records that slotIndex now holds stateID.
func (c *Catalog) BindSlot(ctx context.Context, slotIndex int, stateID, boundAt string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE slot_state SET state_id = ?, bound_at = ? WHERE slot_index = ?
	`, stateID, boundAt, slotIndex)
	if err != nil {
		return fmt.Errorf("catalog: bind slot %d: %w", slotIndex, err)
	}
	return nil
}

// ReleaseSlot clears a slot's binding, marking it free.
func (c *Catalog) ReleaseSlot(ctx context.Context, slotIndex int) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE slot_state SET state_id = NULL, bound_at = NULL WHERE slot_index = ?
	`, slotIndex)
	if err != nil {
		return fmt.Errorf("catalog: release slot %d: %w", slotIndex, err)
	}
	return nil
}
