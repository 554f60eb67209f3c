// Package engine wires the catalog, object store, slot pool, stager,
// transition engine, and collector into a single process facade: Install,
// Upgrade, Uninstall, Rollback, GC, and
// state/journal inspection, each serialized through one writer mutex.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/sps2/sse/internal/catalog"
	"github.com/sps2/sse/internal/config"
	"github.com/sps2/sse/internal/gc"
	"github.com/sps2/sse/internal/journal"
	"github.com/sps2/sse/internal/slot"
	"github.com/sps2/sse/internal/sselog"
	"github.com/sps2/sse/internal/sseerr"
	"github.com/sps2/sse/internal/stage"
	"github.com/sps2/sse/internal/store"
	"github.com/sps2/sse/internal/transition"
)

// Engine is the process-wide facade over the catalog, store, slot pool,
// stager, transition engine, and garbage collector. Exactly one write
// operation (Install/Upgrade/Uninstall/Rollback/GC) runs at a time; reads
// (ListStates, ActiveState, Verify) do not take the writer lock.
type Engine struct {
	root string
	log  *slog.Logger

	writeMu sync.Mutex

	cat        *catalog.Catalog
	store      *store.Store
	slots      *slot.Manager
	stager     *stage.Stager
	transition *transition.Engine
	gc         *gc.Collector

	retention config.Retention
}

// Open assembles an Engine from cfg using a real UUIDv7Generator, recovering
// any interrupted transition left behind by a prior crash before returning.
// Recovery must always run before any new transition is attempted.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (*Engine, error) {
	return OpenWithIDs(ctx, cfg, log, UUIDv7Generator{})
}

// OpenWithIDs is Open with the state id generator injected, so conformance
// tests and golden-file comparisons can get deterministic, sortable ids
// instead of real UUIDv7s (testutil.SequentialIDGenerator).
func OpenWithIDs(ctx context.Context, cfg config.Config, log *slog.Logger, ids transition.IDGenerator) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = sselog.New("engine", slog.LevelInfo)
	}

	cat, err := catalog.Open(filepath.Join(cfg.Root, "state.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("engine: open catalog: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.Root, "store"))
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	slots, err := slot.Open(ctx, filepath.Join(cfg.Root, "slots"), cfg.SlotCount, cat)
	if err != nil {
		return nil, fmt.Errorf("engine: open slot pool: %w", err)
	}

	stager := stage.New(st, cat, slots)

	if err := journal.Recover(ctx, cfg.Root, cat, slots); err != nil {
		return nil, fmt.Errorf("engine: recover journal: %w", err)
	}

	e := &Engine{
		root:       cfg.Root,
		log:        log,
		cat:        cat,
		store:      st,
		slots:      slots,
		stager:     stager,
		transition: transition.New(cfg.Root, cat, stager, ids),
		gc:         gc.New(st, cat),
		retention:  cfg.Retention,
	}
	return e, nil
}

// Close releases the catalog's underlying database handle.
func (e *Engine) Close() error {
	return e.cat.Close()
}

// Target is one desired package in a transition request, mirroring
// stage.Target at the facade boundary so callers never import internal/stage
// directly.
type Target = stage.Target

// withWriteLock runs fn holding the single process-wide writer gate,
// recovering from any panic raised for an invariant violation (refcount
// underflow, catalog corruption) and turning it back into an error rather
// than letting it escape and take down unrelated callers.
func (e *Engine) withWriteLock(fn func() (string, error)) (id string, err error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			if ierr, ok := r.(invariantPanic); ok {
				err = ierr.err
				e.log.Error("invariant violation, aborting", "error", err)
				return
			}
			panic(r)
		}
	}()

	return fn()
}

// invariantPanic carries an invariant-violation error across a recover()
// boundary; see raiseIfInvariantViolation.
type invariantPanic struct{ err error }

// raiseIfInvariantViolation panics with an invariantPanic when err wraps an
// sseerr Kind that classifies as fatal (refcount underflow, catalog
// corruption), so withWriteLock's recover can report it uniformly instead of
// every call site re-deriving the same classification.
func raiseIfInvariantViolation(err error) {
	if err == nil {
		return
	}
	if sseerr.Is(err, sseerr.KindRefcountUnderflow) || sseerr.Is(err, sseerr.KindCatalogCorrupt) {
		panic(invariantPanic{err: err})
	}
}

// Install executes a transition whose target set is exactly targets (a
// fresh install with no existing active state, or a full desired-state
// replacement).
func (e *Engine) Install(ctx context.Context, targets []Target) (string, error) {
	return e.withWriteLock(func() (string, error) {
		id, err := e.transition.Execute(ctx, transition.Request{Operation: "install", Targets: targets})
		raiseIfInvariantViolation(err)
		return id, err
	})
}

// Upgrade is an alias for Install at the facade level: both drive the
// transition engine with a new desired target set and an operation label for
// the audit trail. They are named separately because install and upgrade
// are distinct collaborator-facing operations even though the underlying
// mechanism (diff against the active state, stage, swap, finalize) is
// identical.
func (e *Engine) Upgrade(ctx context.Context, targets []Target) (string, error) {
	return e.withWriteLock(func() (string, error) {
		id, err := e.transition.Execute(ctx, transition.Request{Operation: "upgrade", Targets: targets})
		raiseIfInvariantViolation(err)
		return id, err
	})
}

// Uninstall transitions to a target set with the named packages removed.
// Callers compute the remaining set (current minus removed) before calling;
// the facade does not special-case partial removal beyond that.
func (e *Engine) Uninstall(ctx context.Context, remaining []Target) (string, error) {
	return e.withWriteLock(func() (string, error) {
		id, err := e.transition.Execute(ctx, transition.Request{Operation: "uninstall", Targets: remaining})
		raiseIfInvariantViolation(err)
		return id, err
	})
}

// Rollback transitions to the package set recorded under targetStateID,
// recording RollbackOf so the new state's lineage shows it was a rollback
// rather than a fresh install.
func (e *Engine) Rollback(ctx context.Context, targetStateID string) (string, error) {
	return e.withWriteLock(func() (string, error) {
		targets, err := e.PackagesInState(ctx, targetStateID)
		if err != nil {
			return "", err
		}

		id, err := e.transition.Execute(ctx, transition.Request{
			Operation:  "rollback",
			Targets:    targets,
			RollbackOf: targetStateID,
		})
		raiseIfInvariantViolation(err)
		if err != nil {
			return "", err
		}

		tx, txErr := e.cat.DB().BeginTx(ctx, nil)
		if txErr != nil {
			return id, fmt.Errorf("engine: begin refcount sync tx: %w", txErr)
		}
		if syncErr := e.cat.SyncRefcountsToState(ctx, tx, id); syncErr != nil {
			tx.Rollback()
			raiseIfInvariantViolation(syncErr)
			return id, syncErr
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return id, fmt.Errorf("engine: commit refcount sync tx: %w", commitErr)
		}

		return id, nil
	})
}

// GC runs both mandatory sweeps (unreferenced file objects, unreferenced
// store packages) and the optional retention prune, returning the combined
// result.
func (e *Engine) GC(ctx context.Context) (gc.Result, int, error) {
	var result gc.Result
	var pruned int
	_, err := e.withWriteLock(func() (string, error) {
		var runErr error
		result, runErr = e.gc.Run(ctx)
		if runErr != nil {
			return "", runErr
		}
		pruned, runErr = e.gc.PruneStates(ctx, e.retention, time.Now())
		return "", runErr
	})
	return result, pruned, err
}

// ActiveState returns the currently active state id, or "" if none.
func (e *Engine) ActiveState(ctx context.Context) (string, error) {
	return e.cat.GetActiveState(ctx)
}

// ListStates returns every recorded state, most recent first.
func (e *Engine) ListStates(ctx context.Context) ([]catalog.State, error) {
	return e.cat.ListStates(ctx)
}

// PackagesInState returns the package set bound to stateID as Targets,
// suitable for building an Uninstall or Rollback request.
func (e *Engine) PackagesInState(ctx context.Context, stateID string) ([]Target, error) {
	records, err := e.cat.PackagesInState(ctx, stateID)
	if err != nil {
		return nil, err
	}
	targets := make([]Target, 0, len(records))
	for _, rec := range records {
		targets = append(targets, Target{
			Name:        rec.Name,
			Version:     rec.Version,
			StoreHash:   rec.StoreHash,
			ArchiveHash: rec.ArchiveHash,
		})
	}
	return targets, nil
}

// PruneState marks a state eligible for GC's retention sweep without
// deleting it immediately.
func (e *Engine) PruneState(ctx context.Context, id string) error {
	return e.cat.PruneState(ctx, id)
}

// UnpruneState reverses PruneState.
func (e *Engine) UnpruneState(ctx context.Context, id string) error {
	return e.cat.UnpruneState(ctx, id)
}

// Verify runs the catalog's health check (schema version, foreign-key
// integrity, active-pointer consistency).
func (e *Engine) Verify(ctx context.Context) error {
	return e.cat.Verify(ctx)
}

// LivePath returns the path of the live symlink this engine manages.
func (e *Engine) LivePath() string {
	return filepath.Join(e.root, transition.LiveLinkName)
}

// Store exposes the content-addressed store for callers that need to
// ingest a new package (store.PutPackage) before it can appear in a Target.
func (e *Engine) Store() *store.Store { return e.store }

// Catalog exposes the state catalog for callers that need read-only access
// beyond the facade's own methods (e.g. refcount consistency checks).
func (e *Engine) Catalog() *catalog.Catalog { return e.cat }
