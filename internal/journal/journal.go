// Package journal implements the crash-recovery journal for the State &
// Store Engine: a single on-disk file recording the phase of
// an in-flight transition, so a process restart can tell a completed swap
// from one that died mid-flight and finish or undo it deterministically.
//
// The journal is a local crash-recovery artifact, not a content-addressed or
// cross-process wire format, so it is encoded with the standard library's
// encoding/json rather than a canonical-JSON codec: RFC 8785 canonicalization
// buys nothing for a file that is written, read, and deleted by the same
// machine within a single transition.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sps2/sse/internal/catalog"
	"github.com/sps2/sse/internal/slot"
	"github.com/sps2/sse/internal/sseerr"
)

// Phase is one state of the transition state machine: Preparing, Prepared,
// Swapping, Swapped, Finalized.
type Phase string

const (
	PhasePreparing Phase = "Preparing"
	PhasePrepared  Phase = "Prepared"
	PhaseSwapping  Phase = "Swapping"
	PhaseSwapped   Phase = "Swapped"
	PhaseFinalized Phase = "Finalized"
)

// knownPhases is the closed set of phases this binary can recover from.
var knownPhases = map[Phase]bool{
	PhasePreparing: true,
	PhasePrepared:  true,
	PhaseSwapping:  true,
	PhaseSwapped:   true,
	PhaseFinalized: true,
}

// FileName is the journal's fixed location directly under the engine root.
const FileName = "journal"

// Entry is the on-disk journal record for one in-flight transition.
type Entry struct {
	StateID     string `json:"state_id"`
	ParentID    string `json:"parent_id"`
	StagingSlot int    `json:"staging_slot"`
	// OldSlot is the slot bound to ParentID before the live exchange, i.e.
	// the slot the exchange freed up. -1 when there was no prior active
	// slot (the very first transition).
	OldSlot   int    `json:"old_slot"`
	Operation string `json:"operation"`
	Phase     Phase  `json:"phase"`
}

func path(root string) string {
	return filepath.Join(root, FileName)
}

// Write atomically (write-to-temp, fsync, rename) persists a journal entry,
// overwriting any previous one.
func Write(root string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal entry: %w", err)
	}

	tmp, err := os.CreateTemp(root, ".journal-*.tmp")
	if err != nil {
		return fmt.Errorf("journal: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("journal: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path(root)); err != nil {
		return fmt.Errorf("journal: rename into place: %w", err)
	}
	return nil
}

// Read returns the current journal entry, if one exists.
func Read(root string) (Entry, bool, error) {
	data, err := os.ReadFile(path(root))
	if os.IsNotExist(err) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("journal: read: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("journal: parse: %w", err)
	}
	return e, true, nil
}

// Remove deletes the journal file. It is not an error if no journal exists.
func Remove(root string) error {
	if err := os.Remove(path(root)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("journal: remove: %w", err)
	}
	return nil
}

// Recover runs crash recovery against whatever journal is present. It is
// idempotent: calling it with no journal present, or repeatedly against the
// same journal, is always safe.
func Recover(ctx context.Context, root string, cat *catalog.Catalog, slots *slot.Manager) error {
	entry, ok, err := Read(root)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if !knownPhases[entry.Phase] {
		return sseerr.New(sseerr.KindJournalUnrecognizedPhase,
			fmt.Sprintf("journal names unrecognized phase %q", entry.Phase)).WithState(entry.StateID)
	}

	switch entry.Phase {
	case PhasePreparing, PhasePrepared:
		// The catalog transaction either committed or it didn't (atomic); if
		// the state row exists but never became active, it is abandoned.
		if err := slots.Release(ctx, entry.StagingSlot); err != nil {
			return err
		}
		active, err := cat.GetActiveState(ctx)
		if err != nil {
			return err
		}
		if active != entry.StateID {
			if _, err := cat.GetState(ctx, entry.StateID); err == nil {
				if err := cat.PruneState(ctx, entry.StateID); err != nil {
					return err
				}
			}
		}
		return Remove(root)

	case PhaseSwapping:
		// The filesystem swap had not yet been observably committed; treat
		// like Preparing/Prepared and abandon the attempt.
		if err := slots.Release(ctx, entry.StagingSlot); err != nil {
			return err
		}
		return Remove(root)

	case PhaseSwapped, PhaseFinalized:
		// The filesystem swap succeeded (or Finalize nearly completed), but
		// the slot rebinds that normally follow the exchange, and the active
		// pointer update, may not have landed. A crash in exactly that
		// window leaves live->StagingSlot on disk with slot_state[StagingSlot]
		// still NULL, which would make a later AcquireFreeSlot hand out the
		// live slot as a staging target. Rebinding both slots and the active
		// pointer here is idempotent, so replaying it even when some or all
		// of it already landed is safe.
		if err := slots.Bind(ctx, entry.StagingSlot, entry.StateID); err != nil {
			return err
		}
		if entry.OldSlot >= 0 && entry.ParentID != "" {
			if err := slots.Bind(ctx, entry.OldSlot, entry.ParentID); err != nil {
				return err
			}
		}
		if err := cat.SetActiveState(ctx, entry.StateID); err != nil {
			return err
		}
		return Remove(root)
	}

	return nil
}
