package gc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sps2/sse/internal/catalog"
	"github.com/sps2/sse/internal/config"
	"github.com/sps2/sse/internal/manifest"
	"github.com/sps2/sse/internal/store"
)

func newTestCollector(t *testing.T) (*Collector, *store.Store, *catalog.Catalog) {
	t.Helper()
	dir := t.TempDir()

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	st, err := store.Open(filepath.Join(dir, "store"))
	require.NoError(t, err)

	return New(st, cat), st, cat
}

func putTestPackage(t *testing.T, st *store.Store, name, version, content string) store.StoredPackage {
	t.Helper()
	m := manifest.Manifest{Package: manifest.PackageInfo{Name: name, Version: version, Arch: "arm64"}}
	archive, err := manifest.Write(m, []manifest.Entry{{Path: "bin/" + name, Mode: 0o644, Data: []byte(content)}})
	require.NoError(t, err)
	pkg, err := st.PutPackage(archive)
	require.NoError(t, err)
	return pkg
}

// bindStateToPackage creates a single-package state and increments its
// store/file refs the same way transition.Engine.prepare does.
func bindStateToPackage(t *testing.T, cat *catalog.Catalog, stateID, parentID string, pkg store.StoredPackage, createdAt string) {
	t.Helper()
	ctx := context.Background()
	tx, err := cat.DB().BeginTx(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, cat.CreateState(ctx, tx, stateID, parentID, "install", "", createdAt))
	recID, err := cat.EnsurePackageRecord(ctx, tx, "foo", pkg.StoreHash[:8], pkg.StoreHash, pkg.ArchiveHash)
	require.NoError(t, err)
	require.NoError(t, cat.BindPackageToState(ctx, tx, stateID, recID, "foo"))
	require.NoError(t, cat.EnsureStoreRef(ctx, tx, pkg.StoreHash, 0))
	require.NoError(t, cat.IncStoreRef(ctx, tx, pkg.StoreHash))
	for _, f := range pkg.Files {
		require.NoError(t, cat.AddFileEntry(ctx, tx, catalog.FileEntry{
			StateID: stateID, PackageRecordID: recID, RelativePath: f.RelativePath, FileHash: f.FileHash, Mode: f.Mode,
		}))
		require.NoError(t, cat.EnsureFileObject(ctx, tx, f.FileHash, 0))
		require.NoError(t, cat.IncFileRef(ctx, tx, f.FileHash))
	}
	require.NoError(t, tx.Commit())
}

func TestPruneStates_ReleasesRefcountsSoGCReclaims(t *testing.T) {
	ctx := context.Background()
	coll, st, cat := newTestCollector(t)

	pkg := putTestPackage(t, st, "foo", "1.0.0", "v1-content")
	bindStateToPackage(t, cat, "s1", "", pkg, "2020-01-01T00:00:00Z")

	tx, err := cat.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, cat.CreateState(ctx, tx, "s2", "s1", "uninstall", "", "2020-01-02T00:00:00Z"))
	require.NoError(t, tx.Commit())
	require.NoError(t, cat.SetActiveState(ctx, "s2"))
	require.NoError(t, cat.PruneState(ctx, "s1"))

	// Before pruning away the old state, nothing should be collectible: the
	// refcount this state holds is still live.
	drifts, err := cat.CheckRefcounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)

	candidates, err := cat.UnreferencedFileObjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates, "s1 still references its files; nothing should be GC-eligible yet")

	removed, err := coll.PruneStates(ctx, config.Retention{MaxAge: 0, MaxDepth: 0}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	drifts, err = cat.CheckRefcounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts, "releasing s1's refs must leave store_refs/file_objects consistent with the (now empty) live state graph")

	result, err := coll.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PackagesRemoved)
	assert.Equal(t, 1, result.FileObjectsRemoved)

	_, ok, err := st.LoadPackageIfExists(pkg.StoreHash)
	require.NoError(t, err)
	assert.False(t, ok, "GC should have removed the now-unreferenced package")
}

func TestPruneStates_ProtectsActiveStateChain(t *testing.T) {
	ctx := context.Background()
	coll, st, cat := newTestCollector(t)

	pkg := putTestPackage(t, st, "foo", "1.0.0", "v1-content")
	bindStateToPackage(t, cat, "s1", "", pkg, "2020-01-01T00:00:00Z")
	require.NoError(t, cat.SetActiveState(ctx, "s1"))

	removed, err := coll.PruneStates(ctx, config.Retention{MaxAge: 0, MaxDepth: 5}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "the active state was never marked pruned, so it must survive")

	drifts, err := cat.CheckRefcounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)

	pkgPath := st.PackagePath(pkg.StoreHash)
	_, statErr := os.Stat(pkgPath)
	assert.NoError(t, statErr)
}
