// Package gc implements the garbage collector for the State & Store Engine:
// a two-sweep mark/confirm/delete over unreferenced file objects and store
// packages, plus an optional state-retention prune.
package gc

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sps2/sse/internal/catalog"
	"github.com/sps2/sse/internal/config"
	"github.com/sps2/sse/internal/store"
)

// Collector runs GC sweeps against a Store and Catalog.
type Collector struct {
	store *store.Store
	cat   *catalog.Catalog
	now   func() time.Time
}

// New constructs a Collector.
func New(st *store.Store, cat *catalog.Catalog) *Collector {
	return &Collector{store: st, cat: cat, now: time.Now}
}

// Result summarizes one Run.
type Result struct {
	FileObjectsRemoved int
	PackagesRemoved    int
	BytesFreed         int64
}

// Run executes both sweeps in order — file objects, then store packages —
// and records a gc_log row. Each sweep selects eligible hashes inside a
// read, deletes on-disk content outside any transaction, then re-confirms
// the refcount is still zero inside a second transaction before dropping
// the catalog row; a hash whose refcount became non-zero between the two
// transactions is left alone; it will be re-materialized on demand from
// whichever package still references it.
func (c *Collector) Run(ctx context.Context) (Result, error) {
	var result Result

	filesRemoved, fileBytes, err := c.sweepFileObjects(ctx)
	if err != nil {
		return result, err
	}
	result.FileObjectsRemoved = filesRemoved
	result.BytesFreed += fileBytes

	pkgsRemoved, pkgBytes, err := c.sweepStorePackages(ctx)
	if err != nil {
		return result, err
	}
	result.PackagesRemoved = pkgsRemoved
	result.BytesFreed += pkgBytes

	if err := c.cat.RecordGCRun(ctx, c.now().UTC().Format(time.RFC3339Nano),
		int64(result.FileObjectsRemoved+result.PackagesRemoved), result.BytesFreed); err != nil {
		return result, err
	}

	return result, nil
}

func (c *Collector) sweepFileObjects(ctx context.Context) (int, int64, error) {
	candidates, err := c.cat.UnreferencedFileObjects(ctx)
	if err != nil {
		return 0, 0, err
	}

	var removed int
	var bytesFreed int64
	for _, hash := range candidates {
		pending, err := c.cat.IsPending(ctx, hash)
		if err != nil {
			return removed, bytesFreed, err
		}
		if pending {
			continue // staged but not yet committed: not eligible this run
		}

		size, err := c.objectSize(hash)
		if err != nil {
			return removed, bytesFreed, err
		}
		if err := c.store.RemoveObject(hash); err != nil {
			return removed, bytesFreed, err
		}

		tx, err := c.cat.DB().BeginTx(ctx, nil)
		if err != nil {
			return removed, bytesFreed, fmt.Errorf("gc: begin confirm tx for %s: %w", hash, err)
		}
		deleted, err := c.cat.DeleteFileObjectRow(ctx, tx, hash)
		if err != nil {
			tx.Rollback()
			return removed, bytesFreed, err
		}
		if err := tx.Commit(); err != nil {
			return removed, bytesFreed, fmt.Errorf("gc: commit confirm tx for %s: %w", hash, err)
		}
		if deleted {
			removed++
			bytesFreed += size
		}
	}
	return removed, bytesFreed, nil
}

func (c *Collector) sweepStorePackages(ctx context.Context) (int, int64, error) {
	candidates, err := c.cat.UnreferencedStorePackages(ctx)
	if err != nil {
		return 0, 0, err
	}

	var removed int
	var bytesFreed int64
	for _, hash := range candidates {
		pkg, ok, err := c.store.LoadPackageIfExists(hash)
		if err != nil {
			return removed, bytesFreed, err
		}
		if !ok {
			continue
		}
		if err := c.store.RemovePackage(hash); err != nil {
			return removed, bytesFreed, err
		}

		tx, err := c.cat.DB().BeginTx(ctx, nil)
		if err != nil {
			return removed, bytesFreed, fmt.Errorf("gc: begin confirm tx for %s: %w", hash, err)
		}
		deleted, err := c.cat.DeleteStoreRefRow(ctx, tx, hash)
		if err != nil {
			tx.Rollback()
			return removed, bytesFreed, err
		}
		if err := tx.Commit(); err != nil {
			return removed, bytesFreed, fmt.Errorf("gc: commit confirm tx for %s: %w", hash, err)
		}
		if deleted {
			removed++
			bytesFreed += pkg.Size
		}
	}
	return removed, bytesFreed, nil
}

func (c *Collector) objectSize(hash string) (int64, error) {
	path, err := c.store.ObjectPath(hash)
	if err != nil {
		return 0, err
	}
	fi, statErr := os.Stat(path)
	if statErr != nil {
		return 0, nil // object already gone: nothing to report, not fatal
	}
	return fi.Size(), nil
}

// PruneStates deletes pruned states older than retention.MaxAge, protecting
// any state reachable from the active pointer within retention.MaxDepth
// ancestors (and, if MaxCount > 0, deleting further pruned states regardless
// of age once MaxCount states, newest first, have been kept). States not
// marked pruned are never deleted. This is an optional policy layered on top of
// the two mandatory sweeps above.
func (c *Collector) PruneStates(ctx context.Context, retention config.Retention, now time.Time) (int, error) {
	active, err := c.cat.GetActiveState(ctx)
	if err != nil {
		return 0, err
	}

	protected := map[string]bool{}
	if active != "" {
		chain, err := c.cat.ParentChain(ctx, active, retention.MaxDepth)
		if err != nil {
			return 0, err
		}
		for _, id := range chain {
			protected[id] = true
		}
	}

	states, err := c.cat.ListStates(ctx)
	if err != nil {
		return 0, err
	}

	var removed int
	var keptCount int
	for _, s := range states {
		if !s.Pruned || protected[s.ID] {
			keptCount++
			continue
		}
		createdAt, err := time.Parse(time.RFC3339Nano, s.CreatedAt)
		if err != nil {
			continue
		}
		overCount := retention.MaxCount > 0 && keptCount >= retention.MaxCount
		if !overCount && now.Sub(createdAt) < retention.MaxAge {
			keptCount++
			continue
		}

		tx, err := c.cat.DB().BeginTx(ctx, nil)
		if err != nil {
			return removed, fmt.Errorf("gc: begin prune tx for %s: %w", s.ID, err)
		}
		if err := c.cat.DeleteState(ctx, tx, s.ID); err != nil {
			tx.Rollback()
			return removed, err
		}
		if err := tx.Commit(); err != nil {
			return removed, fmt.Errorf("gc: commit prune tx for %s: %w", s.ID, err)
		}
		removed++
	}

	return removed, nil
}
