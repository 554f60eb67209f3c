// Package catalog implements the SQLite-backed state/package/file/refcount
// catalog for the State & Store Engine. It owns every piece of
// mutable system state that is not content in the object store: the state
// graph, package and file-entry records, refcounts, slot bindings, and the
// active-state pointer.
package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sps2/sse/internal/sseerr"
)

//go:embed schema.sql
var schemaSQL string

// currentSchemaVersion is the highest migration this binary knows how to
// apply. A catalog opened with a higher PRAGMA user_version is rejected
// rather than guessed at.
const currentSchemaVersion = 1

// Catalog is the single-writer, many-reader SQLite catalog.
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if necessary) the catalog database at path, applies
// pragmas, and runs forward-only migrations. Grounded directly on the
// teacher's internal/store/store.go Open: WAL mode, synchronous=NORMAL,
// busy_timeout, foreign_keys=ON, and a single-connection pool since SQLite
// only supports one writer at a time.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: connect: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Catalog{db: db}, nil
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// DB exposes the underlying connection for collaborators (the Slot Manager's
// slot_state queries) that are logically part of the catalog's schema but
// live in their own package.
func (c *Catalog) DB() *sql.DB { return c.db }

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("catalog: apply %q: %w", p, err)
		}
	}
	return nil
}

// migrate applies the schema and any forward-only migrations, failing fast
// with KindSchemaTooNew if the database's recorded version is newer than
// this binary knows about, rather than ever attempting a downgrade.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("catalog: read user_version: %w", err)
	}

	if version > currentSchemaVersion {
		return sseerr.New(sseerr.KindSchemaTooNew,
			fmt.Sprintf("catalog schema version %d is newer than this binary's highest known migration %d", version, currentSchemaVersion))
	}

	if version == 0 {
		if _, err := db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("catalog: apply base schema: %w", err)
		}
		if _, err := db.Exec(
			"INSERT INTO schema_migrations (version, applied_at) VALUES (1, ?)",
			time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("catalog: record migration: %w", err)
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("catalog: set user_version: %w", err)
	}

	return nil
}

// Verify runs a health check validating foreign-key integrity, schema
// version, and active-state consistency.
func (c *Catalog) Verify(ctx context.Context) error {
	var fk int
	if err := c.db.QueryRowContext(ctx, "PRAGMA foreign_key_check").Scan(&fk); err != nil && err != sql.ErrNoRows {
		return sseerr.Wrap(sseerr.KindCatalogCorrupt, "foreign key check failed", err)
	}

	var version int
	if err := c.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return sseerr.Wrap(sseerr.KindCatalogCorrupt, "read schema version", err)
	}
	if version > currentSchemaVersion {
		return sseerr.New(sseerr.KindSchemaTooNew, "catalog schema is newer than this binary supports")
	}

	var stateID string
	err := c.db.QueryRowContext(ctx, "SELECT state_id FROM active_state WHERE id = 1").Scan(&stateID)
	if err == sql.ErrNoRows {
		return nil // no active state yet: a fresh catalog, not corruption
	}
	if err != nil {
		return sseerr.Wrap(sseerr.KindCatalogCorrupt, "read active state pointer", err)
	}

	var exists int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM states WHERE id = ?", stateID).Scan(&exists); err != nil {
		return sseerr.Wrap(sseerr.KindCatalogCorrupt, "verify active state exists", err)
	}
	if exists == 0 {
		return sseerr.New(sseerr.KindCatalogCorrupt, "active state pointer references a nonexistent state").WithState(stateID)
	}

	return nil
}
