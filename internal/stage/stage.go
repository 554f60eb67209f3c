// Package stage implements the Stager for the State & Store Engine: given a
// parent state and a desired target package set, it materializes a
// complete directory tree inside a staging slot, following a
// clone-then-diff strategy.
//
// The Stager is the only component that writes inside a slot. Clone-on-write
// is platform-specific (macOS clonefile, Linux/portable hard-link tree); this
// module is pure Go with no cgo syscall access to clonefile, so it always
// uses the hard-link-tree-with-copy-fallback path instead. The higher-level
// protocol depends only on "two directories can exchange names in one
// observable step," not on which cloning primitive built their contents,
// so this substitution is transparent to every other component.
package stage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sps2/sse/internal/catalog"
	"github.com/sps2/sse/internal/slot"
	"github.com/sps2/sse/internal/store"
)

// Target is one entry of the desired package set T passed to Stage.
type Target struct {
	Name        string
	Version     string
	StoreHash   string
	ArchiveHash string
}

// Stager materializes staging slots from the content-addressed store.
type Stager struct {
	store *store.Store
	cat   *catalog.Catalog
	slots *slot.Manager
	now   func() time.Time
}

// New constructs a Stager over the given Store, Catalog, and Slot Manager.
func New(st *store.Store, cat *catalog.Catalog, slots *slot.Manager) *Stager {
	return &Stager{store: st, cat: cat, slots: slots, now: time.Now}
}

// Slots exposes the underlying Slot Manager, for collaborators (the
// transition engine) that need to bind/release slots outside of Stage.
func (s *Stager) Slots() *slot.Manager { return s.slots }

// SlotPath returns the on-disk path of a staging slot.
func (s *Stager) SlotPath(index int) string { return s.slots.Path(index) }

// PackageFiles returns the file list recorded for a package already present
// in the store under storeHash.
func (s *Stager) PackageFiles(ctx context.Context, storeHash string) ([]store.FileRef, error) {
	pkg, ok, err := s.store.LoadPackageIfExists(storeHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("stage: package with store hash %s not found", storeHash)
	}
	return pkg.Files, nil
}

// Stage materializes targets into a freshly acquired staging slot, using
// parentStateID's already-bound slot as a clone source when one exists. It
// records the full set of file hashes now present in the slot as pending
// refs for that slot, and returns the staging slot index and those hashes.
func (s *Stager) Stage(ctx context.Context, parentStateID string, activeSlot int, targets []Target) (int, []string, error) {
	slotIdx, err := s.slots.AcquireFreeSlot(ctx, activeSlot)
	if err != nil {
		return 0, nil, err
	}
	slotPath := s.slots.Path(slotIdx)

	cloned := false
	if parentStateID != "" {
		if parentSlot, ok, err := s.slots.SlotBoundTo(ctx, parentStateID); err == nil && ok {
			if err := cloneTree(s.slots.Path(parentSlot), slotPath); err == nil {
				cloned = true
			}
		}
	}

	stored := make(map[string]store.StoredPackage, len(targets))
	for _, t := range targets {
		pkg, ok, err := s.store.LoadPackageIfExists(t.StoreHash)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			return 0, nil, fmt.Errorf("stage: target package %s@%s (store hash %s) not found in store", t.Name, t.Version, t.StoreHash)
		}
		stored[t.Name] = pkg
	}

	if cloned {
		if err := s.applyDiff(ctx, parentStateID, targets, stored, slotPath); err != nil {
			return 0, nil, err
		}
	} else {
		if err := s.materializeAll(stored, slotPath); err != nil {
			return 0, nil, err
		}
	}

	var hashes []string
	for _, pkg := range stored {
		for _, f := range pkg.Files {
			if f.FileHash != "" {
				hashes = append(hashes, f.FileHash)
			}
		}
	}

	if err := s.cat.RecordPendingFileRefs(ctx, hashes, slotIdx, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return 0, nil, err
	}

	return slotIdx, hashes, nil
}

// materializeAll builds a slot from scratch: every file of every target
// package is linked (or copied) in from the store.
func (s *Stager) materializeAll(stored map[string]store.StoredPackage, slotPath string) error {
	for _, pkg := range stored {
		if err := s.materializePackage(pkg, slotPath); err != nil {
			return err
		}
	}
	return nil
}

// applyDiff reconciles a cloned slot (currently matching parentStateID's
// package set) against targets: removed packages lose their files, added or
// changed-version packages gain fresh ones.
func (s *Stager) applyDiff(ctx context.Context, parentStateID string, targets []Target, stored map[string]store.StoredPackage, slotPath string) error {
	parentPkgs, err := s.cat.PackagesInState(ctx, parentStateID)
	if err != nil {
		return err
	}

	targetByName := make(map[string]Target, len(targets))
	for _, t := range targets {
		targetByName[t.Name] = t
	}

	for _, old := range parentPkgs {
		t, stillWanted := targetByName[old.Name]
		if stillWanted && t.Version == old.Version {
			continue // unchanged package: already correct in the cloned tree
		}

		entries, err := s.cat.FileEntries(ctx, parentStateID, old.Name)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(slotPath, e.RelativePath)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("stage: remove stale file %s: %w", e.RelativePath, err)
			}
		}
	}

	for _, t := range targets {
		pkg := stored[t.Name]
		needsMaterialize := true
		for _, old := range parentPkgs {
			if old.Name == t.Name && old.Version == t.Version {
				needsMaterialize = false
				break
			}
		}
		if needsMaterialize {
			if err := s.materializePackage(pkg, slotPath); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Stager) materializePackage(pkg store.StoredPackage, slotPath string) error {
	for _, f := range pkg.Files {
		dest := filepath.Join(slotPath, f.RelativePath)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("stage: create parent dir for %s: %w", f.RelativePath, err)
		}
		if f.FileHash == "" {
			// Symlinks carry no backing object; the target string itself is
			// the payload.
			_ = os.Remove(dest)
			if err := os.Symlink(f.LinkName, dest); err != nil {
				return fmt.Errorf("stage: create symlink %s -> %s: %w", f.RelativePath, f.LinkName, err)
			}
			continue
		}
		srcPath, err := s.store.ObjectPath(f.FileHash)
		if err != nil {
			return err
		}
		if err := linkOrCopy(srcPath, dest); err != nil {
			return fmt.Errorf("stage: materialize %s: %w", f.RelativePath, err)
		}
	}
	return nil
}

// linkOrCopy hard-links src to dest, falling back to a full copy if the
// link fails (e.g. cross-device, or the filesystem does not support hard
// links). The live prefix is read-only by contract,
// so a hard-linked file is safe to share between a slot and the store.
func linkOrCopy(src, dest string) error {
	_ = os.Remove(dest)
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	return copyFile(src, dest)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// cloneTree copies a whole directory tree via hard links, falling back to a
// full copy per file on failure. This is the portable stand-in for macOS's
// clonefile(CLONE_NOFOLLOW|CLONE_NOOWNERCOPY).
func cloneTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		}
		return linkOrCopy(path, target)
	})
}
