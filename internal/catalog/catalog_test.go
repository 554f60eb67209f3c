package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")

	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer c.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")

	for i := 0; i < 3; i++ {
		c, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		c.Close()
	}

	c, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer c.Close()

	tables := []string{"states", "active_state", "package_records", "state_packages",
		"file_entries", "store_refs", "file_objects", "slot_state", "pending_file_refs", "gc_log"}
	for _, table := range tables {
		var name string
		err := c.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestActiveState_GetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	id, err := c.GetActiveState(ctx)
	if err != nil {
		t.Fatalf("GetActiveState() on fresh catalog: %v", err)
	}
	if id != "" {
		t.Fatalf("expected no active state, got %q", id)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.CreateState(ctx, tx, "state-1", "", "install", "", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := c.SetActiveState(ctx, "state-1"); err != nil {
		t.Fatalf("SetActiveState() failed: %v", err)
	}

	id, err = c.GetActiveState(ctx)
	if err != nil {
		t.Fatalf("GetActiveState() failed: %v", err)
	}
	if id != "state-1" {
		t.Fatalf("got active state %q, want state-1", id)
	}
}

func TestCreateState_ChildTracksParent(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	tx, _ := c.db.BeginTx(ctx, nil)
	if err := c.CreateState(ctx, tx, "root", "", "install", "", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	tx, _ = c.db.BeginTx(ctx, nil)
	if err := c.CreateState(ctx, tx, "child", "root", "upgrade", "", "2026-01-02T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	s, err := c.GetState(ctx, "child")
	if err != nil {
		t.Fatalf("GetState() failed: %v", err)
	}
	if s.ParentID != "root" {
		t.Fatalf("got parent %q, want root", s.ParentID)
	}
}

func TestGetState_NotFound(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	_, err := c.GetState(ctx, "missing")
	if err == nil {
		t.Fatal("expected error for missing state")
	}
}

func TestPackageAndFileEntries_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	tx, _ := c.db.BeginTx(ctx, nil)
	if err := c.CreateState(ctx, tx, "s1", "", "install", "", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	recordID, err := c.EnsurePackageRecord(ctx, tx, "foo", "1.0.0", "storehash1", "archivehash1")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.BindPackageToState(ctx, tx, "s1", recordID, "foo"); err != nil {
		t.Fatal(err)
	}
	if err := c.AddFileEntry(ctx, tx, FileEntry{
		StateID: "s1", PackageRecordID: recordID, RelativePath: "bin/foo", FileHash: "filehash1", Mode: 0o755,
	}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	pkgs, err := c.PackagesInState(ctx, "s1")
	if err != nil {
		t.Fatalf("PackagesInState() failed: %v", err)
	}
	if len(pkgs) != 1 || pkgs[0].Name != "foo" {
		t.Fatalf("got packages %+v, want one package named foo", pkgs)
	}

	entries, err := c.FileEntries(ctx, "s1", "foo")
	if err != nil {
		t.Fatalf("FileEntries() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].RelativePath != "bin/foo" {
		t.Fatalf("got entries %+v, want one entry bin/foo", entries)
	}

	storeHash, ok, err := c.ResolveStoreHashForArchive(ctx, "archivehash1")
	if err != nil {
		t.Fatalf("ResolveStoreHashForArchive() failed: %v", err)
	}
	if !ok || storeHash != "storehash1" {
		t.Fatalf("got (%q, %v), want (storehash1, true)", storeHash, ok)
	}
}

func TestRefcounts_IncDecAndUnderflow(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	tx, _ := c.db.BeginTx(ctx, nil)
	if err := c.EnsureFileObject(ctx, tx, "h1", 10); err != nil {
		t.Fatal(err)
	}
	if err := c.IncFileRef(ctx, tx, "h1"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx, _ = c.db.BeginTx(ctx, nil)
	if err := c.DecFileRef(ctx, tx, "h1"); err != nil {
		t.Fatalf("DecFileRef() on count=1 failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx, _ = c.db.BeginTx(ctx, nil)
	err := c.DecFileRef(ctx, tx, "h1")
	tx.Rollback()
	if err == nil {
		t.Fatal("expected underflow error decrementing a zero refcount")
	}
}

func TestSlotState_EnsureBindRelease(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	if err := c.EnsureSlots(ctx, 3); err != nil {
		t.Fatalf("EnsureSlots() failed: %v", err)
	}

	slots, err := c.SlotStates(ctx)
	if err != nil {
		t.Fatalf("SlotStates() failed: %v", err)
	}
	if len(slots) != 3 {
		t.Fatalf("got %d slots, want 3", len(slots))
	}

	tx, _ := c.db.BeginTx(ctx, nil)
	c.CreateState(ctx, tx, "s1", "", "install", "", "2026-01-01T00:00:00Z")
	tx.Commit()

	if err := c.BindSlot(ctx, 0, "s1", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("BindSlot() failed: %v", err)
	}
	slots, _ = c.SlotStates(ctx)
	if slots[0].StateID != "s1" {
		t.Fatalf("slot 0 bound to %q, want s1", slots[0].StateID)
	}

	if err := c.ReleaseSlot(ctx, 0); err != nil {
		t.Fatalf("ReleaseSlot() failed: %v", err)
	}
	slots, _ = c.SlotStates(ctx)
	if slots[0].StateID != "" {
		t.Fatalf("slot 0 still bound to %q after release", slots[0].StateID)
	}
}

func TestPendingFileRefs_RecordAndClear(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	if err := c.RecordPendingFileRefs(ctx, []string{"h1", "h2"}, 0, "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("RecordPendingFileRefs() failed: %v", err)
	}

	pending, err := c.IsPending(ctx, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if !pending {
		t.Fatal("expected h1 to be pending")
	}

	if err := c.ClearPendingFileRefs(ctx, 0); err != nil {
		t.Fatalf("ClearPendingFileRefs() failed: %v", err)
	}

	pending, _ = c.IsPending(ctx, "h1")
	if pending {
		t.Fatal("expected h1 to no longer be pending after clear")
	}
}

func TestVerify_FreshCatalogIsHealthy(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	if err := c.Verify(ctx); err != nil {
		t.Fatalf("Verify() on fresh catalog failed: %v", err)
	}
}

func TestVerify_DetectsDanglingActivePointer(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	if _, err := c.db.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.db.ExecContext(ctx, "INSERT INTO active_state (id, state_id) VALUES (1, 'ghost')"); err != nil {
		t.Fatal(err)
	}

	if err := c.Verify(ctx); err == nil {
		t.Fatal("expected Verify() to detect a dangling active-state pointer")
	}
}

func TestGCLog_RecordAndRecent(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	if err := c.RecordGCRun(ctx, "2026-01-01T00:00:00Z", 5, 1024); err != nil {
		t.Fatalf("RecordGCRun() failed: %v", err)
	}

	runs, err := c.RecentGCRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentGCRuns() failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ItemsRemoved != 5 {
		t.Fatalf("got runs %+v, want one run with 5 items removed", runs)
	}
}
