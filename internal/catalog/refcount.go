package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sps2/sse/internal/sseerr"
)

// EnsureStoreRef inserts a store_refs row for hash if absent, recording size.
func (c *Catalog) EnsureStoreRef(ctx context.Context, tx *sql.Tx, hash string, size int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO store_refs (hash, size, ref_count) VALUES (?, ?, 0)
		ON CONFLICT(hash) DO NOTHING
	`, hash, size)
	if err != nil {
		return fmt.Errorf("catalog: ensure store ref %s: %w", hash, err)
	}
	return nil
}

// IncStoreRef increments the refcount of a store package by one.
func (c *Catalog) IncStoreRef(ctx context.Context, tx *sql.Tx, hash string) error {
	res, err := tx.ExecContext(ctx, "UPDATE store_refs SET ref_count = ref_count + 1 WHERE hash = ?", hash)
	if err != nil {
		return fmt.Errorf("catalog: inc store ref %s: %w", hash, err)
	}
	return requireRowAffected(res, sseerr.New(sseerr.KindStoreObjectMissing, "store ref row missing").WithHash(hash))
}

// DecStoreRef decrements the refcount of a store package by one. Returns a
// RefcountUnderflow invariant-violation error if the count would go
// negative, since that indicates a prior bookkeeping bug.
func (c *Catalog) DecStoreRef(ctx context.Context, tx *sql.Tx, hash string) error {
	var count int
	if err := tx.QueryRowContext(ctx, "SELECT ref_count FROM store_refs WHERE hash = ?", hash).Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return sseerr.New(sseerr.KindStoreObjectMissing, "store ref row missing").WithHash(hash)
		}
		return fmt.Errorf("catalog: read store ref %s: %w", hash, err)
	}
	if count <= 0 {
		return sseerr.New(sseerr.KindRefcountUnderflow, "store ref count would go negative").WithHash(hash)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE store_refs SET ref_count = ref_count - 1 WHERE hash = ?", hash); err != nil {
		return fmt.Errorf("catalog: dec store ref %s: %w", hash, err)
	}
	return nil
}

// EnsureFileObject inserts a file_objects row for hash if absent.
func (c *Catalog) EnsureFileObject(ctx context.Context, tx *sql.Tx, hash string, size int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO file_objects (hash, size, ref_count) VALUES (?, ?, 0)
		ON CONFLICT(hash) DO NOTHING
	`, hash, size)
	if err != nil {
		return fmt.Errorf("catalog: ensure file object %s: %w", hash, err)
	}
	return nil
}

// IncFileRef increments a file object's refcount by one.
func (c *Catalog) IncFileRef(ctx context.Context, tx *sql.Tx, hash string) error {
	res, err := tx.ExecContext(ctx, "UPDATE file_objects SET ref_count = ref_count + 1 WHERE hash = ?", hash)
	if err != nil {
		return fmt.Errorf("catalog: inc file ref %s: %w", hash, err)
	}
	return requireRowAffected(res, sseerr.New(sseerr.KindStoreObjectMissing, "file object row missing").WithHash(hash))
}

// DecFileRef decrements a file object's refcount by one, erroring on
// underflow exactly as DecStoreRef.
func (c *Catalog) DecFileRef(ctx context.Context, tx *sql.Tx, hash string) error {
	var count int
	if err := tx.QueryRowContext(ctx, "SELECT ref_count FROM file_objects WHERE hash = ?", hash).Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return sseerr.New(sseerr.KindStoreObjectMissing, "file object row missing").WithHash(hash)
		}
		return fmt.Errorf("catalog: read file ref %s: %w", hash, err)
	}
	if count <= 0 {
		return sseerr.New(sseerr.KindRefcountUnderflow, "file ref count would go negative").WithHash(hash)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE file_objects SET ref_count = ref_count - 1 WHERE hash = ?", hash); err != nil {
		return fmt.Errorf("catalog: dec file ref %s: %w", hash, err)
	}
	return nil
}

// UnreferencedFileObjects returns hashes of file objects whose ref_count is
// 0, candidates for GC's first sweep.
func (c *Catalog) UnreferencedFileObjects(ctx context.Context) ([]string, error) {
	return selectZeroRefHashes(ctx, c.db, "file_objects")
}

// UnreferencedStorePackages returns hashes of store packages whose ref_count
// is 0, candidates for GC's second sweep.
func (c *Catalog) UnreferencedStorePackages(ctx context.Context) ([]string, error) {
	return selectZeroRefHashes(ctx, c.db, "store_refs")
}

func selectZeroRefHashes(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT hash FROM %s WHERE ref_count = 0", table))
	if err != nil {
		return nil, fmt.Errorf("catalog: select zero-ref hashes from %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("catalog: scan hash: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DeleteFileObjectRow removes a file_objects row, only after confirming its
// refcount is still 0 in GC's confirm transaction. Returns false, nil if
// the refcount became non-zero between sweeps.
func (c *Catalog) DeleteFileObjectRow(ctx context.Context, tx *sql.Tx, hash string) (bool, error) {
	return deleteZeroRefRow(ctx, tx, "file_objects", hash)
}

// DeleteStoreRefRow removes a store_refs row, only after confirming its
// refcount is still 0.
func (c *Catalog) DeleteStoreRefRow(ctx context.Context, tx *sql.Tx, hash string) (bool, error) {
	return deleteZeroRefRow(ctx, tx, "store_refs", hash)
}

func deleteZeroRefRow(ctx context.Context, tx *sql.Tx, table, hash string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT ref_count FROM %s WHERE hash = ?", table), hash).Scan(&count)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("catalog: recheck refcount in %s for %s: %w", table, hash, err)
	}
	if count != 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE hash = ?", table), hash); err != nil {
		return false, fmt.Errorf("catalog: delete row from %s for %s: %w", table, hash, err)
	}
	return true, nil
}

// RefcountDrift is one hash whose stored ref_count disagrees with what the
// live state graph would recompute.
type RefcountDrift struct {
	Table    string // "store_refs" or "file_objects"
	Hash     string
	Stored   int
	Expected int
}

// CheckRefcounts is the read-only counterpart of SyncRefcountsToState: for
// every store_refs/file_objects row it recomputes the ref_count that the
// recorded state graph implies — one reference per distinct state whose
// package set (or file entries) names the hash; a pruned state still holds
// its references until DeleteState removes it — and reports every row whose
// stored count disagrees, without writing anything.
// A non-empty result means the incremental Inc/DecStoreRef/Inc/DecFileRef
// bookkeeping performed during Prepare/Finalize/GC has drifted from the
// state graph it is supposed to mirror.
func (c *Catalog) CheckRefcounts(ctx context.Context) ([]RefcountDrift, error) {
	var drifts []RefcountDrift

	storeRows, err := c.db.QueryContext(ctx, `
		SELECT sr.hash, sr.ref_count, (
			SELECT COUNT(DISTINCT sp.state_id) FROM package_records pr
			JOIN state_packages sp ON sp.package_record_id = pr.id
			JOIN states st ON st.id = sp.state_id
			WHERE pr.store_hash = sr.hash
		) FROM store_refs sr
	`)
	if err != nil {
		return nil, fmt.Errorf("catalog: check store refcounts: %w", err)
	}
	defer storeRows.Close()
	for storeRows.Next() {
		var d RefcountDrift
		d.Table = "store_refs"
		if err := storeRows.Scan(&d.Hash, &d.Stored, &d.Expected); err != nil {
			return nil, fmt.Errorf("catalog: scan store refcount row: %w", err)
		}
		if d.Stored != d.Expected {
			drifts = append(drifts, d)
		}
	}
	if err := storeRows.Err(); err != nil {
		return nil, err
	}

	fileRows, err := c.db.QueryContext(ctx, `
		SELECT fo.hash, fo.ref_count, (
			SELECT COUNT(DISTINCT fe.state_id) FROM file_entries fe
			JOIN states st ON st.id = fe.state_id
			WHERE fe.file_hash = fo.hash
		) FROM file_objects fo
	`)
	if err != nil {
		return nil, fmt.Errorf("catalog: check file refcounts: %w", err)
	}
	defer fileRows.Close()
	for fileRows.Next() {
		var d RefcountDrift
		d.Table = "file_objects"
		if err := fileRows.Scan(&d.Hash, &d.Stored, &d.Expected); err != nil {
			return nil, fmt.Errorf("catalog: scan file refcount row: %w", err)
		}
		if d.Stored != d.Expected {
			drifts = append(drifts, d)
		}
	}
	return drifts, fileRows.Err()
}

// SyncRefcountsToState recomputes every refcount as if stateID were the only
// live state, used by rollback to collapse refcounts back to a single
// lineage.
func (c *Catalog) SyncRefcountsToState(ctx context.Context, tx *sql.Tx, stateID string) error {
	if _, err := tx.ExecContext(ctx, "UPDATE store_refs SET ref_count = 0"); err != nil {
		return fmt.Errorf("catalog: reset store refcounts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE file_objects SET ref_count = 0"); err != nil {
		return fmt.Errorf("catalog: reset file refcounts: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE store_refs SET ref_count = (
			SELECT COUNT(*) FROM package_records pr
			JOIN state_packages sp ON sp.package_record_id = pr.id
			WHERE sp.state_id = ? AND pr.store_hash = store_refs.hash
		)
	`, stateID); err != nil {
		return fmt.Errorf("catalog: resync store refcounts to state %s: %w", stateID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE file_objects SET ref_count = (
			SELECT COUNT(DISTINCT fe.state_id) FROM file_entries fe
			WHERE fe.state_id = ? AND fe.file_hash = file_objects.hash
		)
	`, stateID); err != nil {
		return fmt.Errorf("catalog: resync file refcounts to state %s: %w", stateID, err)
	}

	return nil
}
