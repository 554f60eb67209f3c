// Package slot implements the fixed staging-slot pool for the State &
// Store Engine: N on-disk directories under slots/0..N-1, with
// bindings tracked in the catalog's slot_state table so the mapping survives
// a process restart.
package slot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sps2/sse/internal/catalog"
	"github.com/sps2/sse/internal/sseerr"
)

// MinSlots is the smallest slot count the manager accepts: one active slot,
// one staging slot, and one rollback-headroom slot.
const MinSlots = 3

// Manager owns the slots/ directory tree and the catalog's slot_state table.
type Manager struct {
	root string
	n    int
	cat  *catalog.Catalog
	now  func() time.Time
}

// Open constructs a Manager over n slots rooted at root/slots, creating any
// missing slot directories and catalog rows. n must be >= MinSlots.
func Open(ctx context.Context, root string, n int, cat *catalog.Catalog) (*Manager, error) {
	if n < MinSlots {
		return nil, sseerr.New(sseerr.KindPolicy, fmt.Sprintf("slot count %d is below the minimum of %d", n, MinSlots))
	}

	for i := 0; i < n; i++ {
		if err := os.MkdirAll(filepath.Join(root, "slots", fmt.Sprint(i)), 0o755); err != nil {
			return nil, fmt.Errorf("slot: create slot directory %d: %w", i, err)
		}
	}

	if err := cat.EnsureSlots(ctx, n); err != nil {
		return nil, err
	}

	return &Manager{root: root, n: n, cat: cat, now: time.Now}, nil
}

// Path returns the on-disk directory for a slot index.
func (m *Manager) Path(index int) string {
	return filepath.Join(m.root, "slots", fmt.Sprint(index))
}

// AcquireFreeSlot returns the index of a free (unbound) slot, evicting the
// least-recently-bound non-active slot if the pool is exhausted. The
// currently-active slot is never handed out or evicted.
func (m *Manager) AcquireFreeSlot(ctx context.Context, activeSlot int) (int, error) {
	bindings, err := m.cat.SlotStates(ctx)
	if err != nil {
		return 0, err
	}

	for _, b := range bindings {
		if b.StateID == "" && b.SlotIndex != activeSlot {
			return b.SlotIndex, nil
		}
	}

	evictee, ok := leastRecentlyBound(bindings, activeSlot)
	if !ok {
		return 0, sseerr.New(sseerr.KindSlotExhausted, "no free or evictable slot available")
	}

	if err := m.clear(evictee.SlotIndex); err != nil {
		return 0, err
	}
	if err := m.cat.ReleaseSlot(ctx, evictee.SlotIndex); err != nil {
		return 0, err
	}

	return evictee.SlotIndex, nil
}

// leastRecentlyBound picks the bound, non-active slot with the oldest
// bound_at timestamp.
func leastRecentlyBound(bindings []catalog.SlotBinding, activeSlot int) (catalog.SlotBinding, bool) {
	candidates := make([]catalog.SlotBinding, 0, len(bindings))
	for _, b := range bindings {
		if b.StateID != "" && b.SlotIndex != activeSlot {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return catalog.SlotBinding{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].BoundAt < candidates[j].BoundAt
	})
	return candidates[0], true
}

// Bind records that a slot now holds the given state.
func (m *Manager) Bind(ctx context.Context, index int, stateID string) error {
	return m.cat.BindSlot(ctx, index, stateID, m.now().UTC().Format(time.RFC3339Nano))
}

// Release clears a slot's binding and removes its on-disk contents.
func (m *Manager) Release(ctx context.Context, index int) error {
	if err := m.clear(index); err != nil {
		return err
	}
	return m.cat.ReleaseSlot(ctx, index)
}

// SlotBoundTo returns the slot index currently bound to stateID, if any.
func (m *Manager) SlotBoundTo(ctx context.Context, stateID string) (int, bool, error) {
	bindings, err := m.cat.SlotStates(ctx)
	if err != nil {
		return 0, false, err
	}
	for _, b := range bindings {
		if b.StateID == stateID {
			return b.SlotIndex, true, nil
		}
	}
	return 0, false, nil
}

func (m *Manager) clear(index int) error {
	path := m.Path(index)
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("slot: read slot %d: %w", index, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(path, e.Name())); err != nil {
			return fmt.Errorf("slot: clear slot %d: %w", index, err)
		}
	}
	return nil
}
