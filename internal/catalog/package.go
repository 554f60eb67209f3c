package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsurePackageRecord inserts a (name, version) package record if absent and
// returns its id, updating archive_hash if it was previously unset. Package
// records are never mutated once both hashes are recorded.
func (c *Catalog) EnsurePackageRecord(ctx context.Context, tx *sql.Tx, name, version, storeHash, archiveHash string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM package_records WHERE name = ? AND version = ?
	`, name, version).Scan(&id)
	if err == nil {
		if archiveHash != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE package_records SET archive_hash = ? WHERE id = ? AND archive_hash IS NULL
			`, archiveHash, id); err != nil {
				return 0, fmt.Errorf("catalog: update archive hash for %s@%s: %w", name, version, err)
			}
		}
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("catalog: lookup package record %s@%s: %w", name, version, err)
	}

	var archiveArg any
	if archiveHash != "" {
		archiveArg = archiveHash
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO package_records (name, version, store_hash, archive_hash)
		VALUES (?, ?, ?, ?)
	`, name, version, storeHash, archiveArg)
	if err != nil {
		return 0, fmt.Errorf("catalog: insert package record %s@%s: %w", name, version, err)
	}
	return res.LastInsertId()
}

// BindPackageToState links a package record into a state's package set
// (the State-Package Edge of Prepare).
func (c *Catalog) BindPackageToState(ctx context.Context, tx *sql.Tx, stateID string, packageRecordID int64, packageName string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO state_packages (state_id, package_record_id, package_name)
		VALUES (?, ?, ?)
		ON CONFLICT(state_id, package_name) DO UPDATE SET package_record_id = excluded.package_record_id
	`, stateID, packageRecordID, packageName)
	if err != nil {
		return fmt.Errorf("catalog: bind package %s to state %s: %w", packageName, stateID, err)
	}
	return nil
}

// AddFileEntry inserts one file-entry row for a package within a state.
func (c *Catalog) AddFileEntry(ctx context.Context, tx *sql.Tx, e FileEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO file_entries (state_id, package_record_id, relative_path, file_hash, link_name, mode)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.StateID, e.PackageRecordID, e.RelativePath, e.FileHash, e.LinkName, e.Mode)
	if err != nil {
		return fmt.Errorf("catalog: add file entry %s: %w", e.RelativePath, err)
	}
	return nil
}

// FileEntries returns the file list for a named package within a state.
func (c *Catalog) FileEntries(ctx context.Context, stateID, packageName string) ([]FileEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT fe.state_id, fe.package_record_id, fe.relative_path, fe.file_hash, fe.link_name, fe.mode
		FROM file_entries fe
		JOIN package_records pr ON pr.id = fe.package_record_id
		WHERE fe.state_id = ? AND pr.name = ?
		ORDER BY fe.relative_path
	`, stateID, packageName)
	if err != nil {
		return nil, fmt.Errorf("catalog: file entries for %s in state %s: %w", packageName, stateID, err)
	}
	defer rows.Close()

	var out []FileEntry
	for rows.Next() {
		var e FileEntry
		if err := rows.Scan(&e.StateID, &e.PackageRecordID, &e.RelativePath, &e.FileHash, &e.LinkName, &e.Mode); err != nil {
			return nil, fmt.Errorf("catalog: scan file entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResolveStoreHashForArchive looks up the store hash already associated with
// an archive hash, so an artifact reacquired under the same archive hash
// dedups without re-ingesting.
func (c *Catalog) ResolveStoreHashForArchive(ctx context.Context, archiveHash string) (string, bool, error) {
	var storeHash string
	err := c.db.QueryRowContext(ctx, `
		SELECT store_hash FROM package_records WHERE archive_hash = ? LIMIT 1
	`, archiveHash).Scan(&storeHash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("catalog: resolve store hash for archive %s: %w", archiveHash, err)
	}
	return storeHash, true, nil
}
