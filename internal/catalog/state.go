package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sps2/sse/internal/sseerr"
)

// GetActiveState returns the id of the currently active state, or "" if no
// state has ever been activated (a fresh catalog).
func (c *Catalog) GetActiveState(ctx context.Context) (string, error) {
	var id string
	err := c.db.QueryRowContext(ctx, "SELECT state_id FROM active_state WHERE id = 1").Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("catalog: get active state: %w", err)
	}
	return id, nil
}

// SetActiveState updates the single-row active-state pointer to id, the
// Finalize step of a transition.
func (c *Catalog) SetActiveState(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO active_state (id, state_id) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET state_id = excluded.state_id
	`, id)
	if err != nil {
		return fmt.Errorf("catalog: set active state: %w", err)
	}
	return nil
}

// CreateState inserts a new state row with the given parent (empty for a
// root state) and operation label. rollbackOf is non-empty only when this
// state was produced by a rollback.
func (c *Catalog) CreateState(ctx context.Context, tx *sql.Tx, id, parent, operation, rollbackOf, createdAt string) error {
	var parentArg, rollbackArg any
	if parent != "" {
		parentArg = parent
	}
	if rollbackOf != "" {
		rollbackArg = rollbackOf
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO states (id, parent_id, created_at, operation, success, pruned, rollback_of)
		VALUES (?, ?, ?, ?, 1, 0, ?)
	`, id, parentArg, createdAt, operation, rollbackArg)
	if err != nil {
		return fmt.Errorf("catalog: create state %s: %w", id, err)
	}
	return nil
}

// GetState returns a single state row by id.
func (c *Catalog) GetState(ctx context.Context, id string) (State, error) {
	var s State
	var parentID, rollbackOf sql.NullString
	var success, pruned int
	err := c.db.QueryRowContext(ctx, `
		SELECT id, parent_id, created_at, operation, success, pruned, rollback_of
		FROM states WHERE id = ?
	`, id).Scan(&s.ID, &parentID, &s.CreatedAt, &s.Operation, &success, &pruned, &rollbackOf)
	if err == sql.ErrNoRows {
		return State{}, sseerr.New(sseerr.KindStateNotFound, "state not found").WithState(id)
	}
	if err != nil {
		return State{}, fmt.Errorf("catalog: get state %s: %w", id, err)
	}
	s.ParentID = parentID.String
	s.RollbackOf = rollbackOf.String
	s.Success = success != 0
	s.Pruned = pruned != 0
	return s, nil
}

// PruneState marks a state as pruned: excluded from GC's retention
// protection but not yet deleted (deletion happens in internal/gc).
func (c *Catalog) PruneState(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, "UPDATE states SET pruned = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("catalog: prune state %s: %w", id, err)
	}
	return requireRowAffected(res, sseerr.New(sseerr.KindStateNotFound, "state not found").WithState(id))
}

// UnpruneState clears a state's pruned flag, undoing PruneState.
func (c *Catalog) UnpruneState(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, "UPDATE states SET pruned = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("catalog: unprune state %s: %w", id, err)
	}
	return requireRowAffected(res, sseerr.New(sseerr.KindStateNotFound, "state not found").WithState(id))
}

// PackagesInState returns every package record bound to a state.
func (c *Catalog) PackagesInState(ctx context.Context, stateID string) ([]PackageRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT pr.id, pr.name, pr.version, pr.store_hash, pr.archive_hash
		FROM state_packages sp
		JOIN package_records pr ON pr.id = sp.package_record_id
		WHERE sp.state_id = ?
		ORDER BY pr.name
	`, stateID)
	if err != nil {
		return nil, fmt.Errorf("catalog: packages in state %s: %w", stateID, err)
	}
	defer rows.Close()

	var out []PackageRecord
	for rows.Next() {
		var pr PackageRecord
		var archiveHash sql.NullString
		if err := rows.Scan(&pr.ID, &pr.Name, &pr.Version, &pr.StoreHash, &archiveHash); err != nil {
			return nil, fmt.Errorf("catalog: scan package record: %w", err)
		}
		pr.ArchiveHash = archiveHash.String
		out = append(out, pr)
	}
	return out, rows.Err()
}

// ListStates returns every state row, most recently created first.
func (c *Catalog) ListStates(ctx context.Context) ([]State, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, parent_id, created_at, operation, success, pruned, rollback_of
		FROM states ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list states: %w", err)
	}
	defer rows.Close()

	var out []State
	for rows.Next() {
		var s State
		var parentID, rollbackOf sql.NullString
		var success, pruned int
		if err := rows.Scan(&s.ID, &parentID, &s.CreatedAt, &s.Operation, &success, &pruned, &rollbackOf); err != nil {
			return nil, fmt.Errorf("catalog: scan state: %w", err)
		}
		s.ParentID = parentID.String
		s.RollbackOf = rollbackOf.String
		s.Success = success != 0
		s.Pruned = pruned != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

// ParentChain walks a state's parent_id chain up to maxDepth ancestors
// (inclusive of id itself), used by the pruning policy to protect states
// reachable from the active pointer.
func (c *Catalog) ParentChain(ctx context.Context, id string, maxDepth int) ([]string, error) {
	chain := []string{id}
	current := id
	for depth := 0; depth < maxDepth; depth++ {
		var parent sql.NullString
		err := c.db.QueryRowContext(ctx, "SELECT parent_id FROM states WHERE id = ?", current).Scan(&parent)
		if err == sql.ErrNoRows || !parent.Valid {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("catalog: walk parent chain from %s: %w", id, err)
		}
		chain = append(chain, parent.String)
		current = parent.String
	}
	return chain, nil
}

// DeleteState removes a state row and its state_packages/file_entries edges,
// releasing the store/file refcounts this state was holding before it drops
// its edges, so GC's zero-refcount sweeps can eventually reclaim content
// only this state still referenced. Callers (internal/gc's pruning policy)
// must first confirm the state is pruned and outside the active pointer's
// retained parent chain.
func (c *Catalog) DeleteState(ctx context.Context, tx *sql.Tx, id string) error {
	storeHashes, err := distinctValues(ctx, tx, `
		SELECT DISTINCT pr.store_hash FROM state_packages sp
		JOIN package_records pr ON pr.id = sp.package_record_id
		WHERE sp.state_id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("catalog: list store hashes for state %s: %w", id, err)
	}
	fileHashes, err := distinctValues(ctx, tx, `
		SELECT DISTINCT file_hash FROM file_entries WHERE state_id = ? AND file_hash != ''
	`, id)
	if err != nil {
		return fmt.Errorf("catalog: list file hashes for state %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM file_entries WHERE state_id = ?", id); err != nil {
		return fmt.Errorf("catalog: delete file entries for state %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM state_packages WHERE state_id = ?", id); err != nil {
		return fmt.Errorf("catalog: delete state packages for state %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM states WHERE id = ?", id); err != nil {
		return fmt.Errorf("catalog: delete state %s: %w", id, err)
	}

	for _, h := range storeHashes {
		if err := c.DecStoreRef(ctx, tx, h); err != nil {
			return fmt.Errorf("catalog: release store ref %s for deleted state %s: %w", h, id, err)
		}
	}
	for _, h := range fileHashes {
		if err := c.DecFileRef(ctx, tx, h); err != nil {
			return fmt.Errorf("catalog: release file ref %s for deleted state %s: %w", h, id, err)
		}
	}
	return nil
}

// distinctValues runs a query expected to return a single text column and
// collects its rows.
func distinctValues(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func requireRowAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
