// Package transition implements the two-phase commit engine for the State &
// Store Engine: Prepare, Swap, and Finalize, backed by the Journal for
// crash recovery.
package transition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sps2/sse/internal/catalog"
	"github.com/sps2/sse/internal/journal"
	"github.com/sps2/sse/internal/sseerr"
	"github.com/sps2/sse/internal/stage"
)

// LiveLinkName is the symlink under the engine root that always points at
// the currently active slot directory. Per the Design Notes, the live
// prefix is implemented as a symlink exchange only; bind-mount is not
// supported on this platform-independent build.
const LiveLinkName = "live"

// IDGenerator produces fresh, sortable state identifiers.
type IDGenerator interface {
	Next() string
}

// Engine drives Prepare/Swap/Finalize for a single transition at a time.
// Callers are responsible for serializing calls (the writer-mutex gate
// lives in internal/engine, the process-wide facade).
type Engine struct {
	root   string
	cat    *catalog.Catalog
	stager *stage.Stager
	ids    IDGenerator
	now    func() time.Time
}

// New constructs a transition Engine.
func New(root string, cat *catalog.Catalog, stager *stage.Stager, ids IDGenerator) *Engine {
	return &Engine{root: root, cat: cat, stager: stager, ids: ids, now: time.Now}
}

// Request describes a desired transition: the operation label recorded on
// the new state, the package targets it should contain, and (for rollback)
// the state being rolled back to.
type Request struct {
	Operation  string
	Targets    []stage.Target
	RollbackOf string
}

// Execute runs Prepare, Swap, and Finalize in sequence and returns the new
// state's id. On any failure before Swap begins, the staging slot is
// released and no durable state changes survive.
func (e *Engine) Execute(ctx context.Context, req Request) (string, error) {
	parent, err := e.cat.GetActiveState(ctx)
	if err != nil {
		return "", err
	}

	activeSlot, slotBound, err := e.activeSlotIndex(ctx, parent)
	if err != nil {
		return "", err
	}
	if !slotBound {
		activeSlot = -1
	}

	newID := e.ids.Next()
	createdAt := e.now().UTC().Format(time.RFC3339Nano)

	slotIdx, err := e.prepare(ctx, parent, newID, activeSlot, req, createdAt)
	if err != nil {
		return "", err
	}

	if err := e.swap(ctx, parent, newID, slotIdx, activeSlot); err != nil {
		return "", err
	}

	if err := e.finalize(ctx, parent, newID, slotIdx, activeSlot); err != nil {
		return "", err
	}

	return newID, nil
}

func (e *Engine) activeSlotIndex(ctx context.Context, activeState string) (int, bool, error) {
	if activeState == "" {
		return 0, false, nil
	}
	bindings, err := e.cat.SlotStates(ctx)
	if err != nil {
		return 0, false, err
	}
	for _, b := range bindings {
		if b.StateID == activeState {
			return b.SlotIndex, true, nil
		}
	}
	return 0, false, nil
}

// prepare materializes the staging slot, writes the Prepared journal entry,
// and commits the new state's catalog rows in a single transaction.
func (e *Engine) prepare(ctx context.Context, parent, newID string, activeSlot int, req Request, createdAt string) (int, error) {
	slotIdx, _, err := e.stager.Stage(ctx, parent, activeSlot, req.Targets)
	if err != nil {
		return 0, err
	}

	abort := func(cause error) (int, error) {
		_ = e.cat.ClearPendingFileRefs(ctx, slotIdx)
		_ = e.stager.Slots().Release(ctx, slotIdx)
		_ = journal.Remove(e.root)
		return 0, cause
	}

	if err := journal.Write(e.root, journal.Entry{
		StateID: newID, ParentID: parent, StagingSlot: slotIdx,
		Operation: req.Operation, Phase: journal.PhasePrepared,
	}); err != nil {
		return abort(err)
	}

	tx, err := e.cat.DB().BeginTx(ctx, nil)
	if err != nil {
		return abort(fmt.Errorf("transition: begin prepare tx: %w", err))
	}
	defer tx.Rollback()

	if err := e.cat.CreateState(ctx, tx, newID, parent, req.Operation, req.RollbackOf, createdAt); err != nil {
		return abort(err)
	}

	seenFileHash := map[string]bool{}
	seenStoreHash := map[string]bool{}

	for _, t := range req.Targets {
		recID, err := e.cat.EnsurePackageRecord(ctx, tx, t.Name, t.Version, t.StoreHash, t.ArchiveHash)
		if err != nil {
			return abort(err)
		}
		if err := e.cat.BindPackageToState(ctx, tx, newID, recID, t.Name); err != nil {
			return abort(err)
		}

		if !seenStoreHash[t.StoreHash] {
			if err := e.cat.EnsureStoreRef(ctx, tx, t.StoreHash, 0); err != nil {
				return abort(err)
			}
			if err := e.cat.IncStoreRef(ctx, tx, t.StoreHash); err != nil {
				return abort(err)
			}
			seenStoreHash[t.StoreHash] = true
		}

		files, err := e.stager.PackageFiles(ctx, t.StoreHash)
		if err != nil {
			return abort(err)
		}
		for _, f := range files {
			if err := e.cat.AddFileEntry(ctx, tx, catalog.FileEntry{
				StateID: newID, PackageRecordID: recID, RelativePath: f.RelativePath,
				FileHash: f.FileHash, LinkName: f.LinkName, Mode: f.Mode,
			}); err != nil {
				return abort(err)
			}
			if f.FileHash == "" {
				continue // symlink: no backing file object to refcount
			}
			if !seenFileHash[f.FileHash] {
				if err := e.cat.EnsureFileObject(ctx, tx, f.FileHash, 0); err != nil {
					return abort(err)
				}
				if err := e.cat.IncFileRef(ctx, tx, f.FileHash); err != nil {
					return abort(err)
				}
				seenFileHash[f.FileHash] = true
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return abort(fmt.Errorf("transition: commit prepare tx: %w", err))
	}

	return slotIdx, nil
}

// swap updates the journal to Swapped, performs the atomic live-prefix
// exchange, and rebinds the slot map.
func (e *Engine) swap(ctx context.Context, parent, newID string, newSlot, oldSlot int) error {
	if err := journal.Write(e.root, journal.Entry{
		StateID: newID, ParentID: parent, StagingSlot: newSlot, OldSlot: oldSlot, Phase: journal.PhaseSwapped,
	}); err != nil {
		return err
	}

	candidate := filepath.Join(e.root, ".live-candidate")
	_ = os.Remove(candidate)
	if err := os.Symlink(e.stager.SlotPath(newSlot), candidate); err != nil {
		return sseerr.Wrap(sseerr.KindAtomicSwapFailed, "create candidate live symlink", err)
	}

	livePath := filepath.Join(e.root, LiveLinkName)
	if err := platformExchange(livePath, candidate); err != nil {
		return sseerr.Wrap(sseerr.KindAtomicSwapFailed, "exchange live symlink", err)
	}

	if oldSlot >= 0 {
		if err := e.stager.Slots().Bind(ctx, oldSlot, parent); err != nil {
			return err
		}
	}
	if err := e.stager.Slots().Bind(ctx, newSlot, newID); err != nil {
		return err
	}

	return nil
}

// finalize updates the journal to Finalized, flips the active-state
// pointer, clears the now-committed pending file refs, and removes the
// journal — the externally-observable commit point was already Swap; this
// step exists only so recovery can distinguish a completed transition from
// one that died mid-swap.
func (e *Engine) finalize(ctx context.Context, parent, newID string, slotIdx, oldSlot int) error {
	if err := journal.Write(e.root, journal.Entry{
		StateID: newID, ParentID: parent, StagingSlot: slotIdx, OldSlot: oldSlot, Phase: journal.PhaseFinalized,
	}); err != nil {
		return err
	}
	if err := e.cat.SetActiveState(ctx, newID); err != nil {
		return err
	}
	if err := e.cat.ClearPendingFileRefs(ctx, slotIdx); err != nil {
		return err
	}
	return journal.Remove(e.root)
}
