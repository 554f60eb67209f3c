package stage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sps2/sse/internal/catalog"
	"github.com/sps2/sse/internal/manifest"
	"github.com/sps2/sse/internal/slot"
	"github.com/sps2/sse/internal/store"
)

type testEnv struct {
	stager *Stager
	cat    *catalog.Catalog
	slots  *slot.Manager
	store  *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	st, err := store.Open(filepath.Join(dir, "store"))
	require.NoError(t, err)

	mgr, err := slot.Open(context.Background(), dir, 3, cat)
	require.NoError(t, err)

	return &testEnv{stager: New(st, cat, mgr), cat: cat, slots: mgr, store: st}
}

func putTestPackage(t *testing.T, st *store.Store, name, version string, files map[string]string) store.StoredPackage {
	t.Helper()
	m := manifest.Manifest{Package: manifest.PackageInfo{Name: name, Version: version, Arch: "arm64"}}
	var entries []manifest.Entry
	for path, content := range files {
		entries = append(entries, manifest.Entry{Path: path, Mode: 0o644, Data: []byte(content)})
	}
	archive, err := manifest.Write(m, entries)
	require.NoError(t, err)
	pkg, err := st.PutPackage(archive)
	require.NoError(t, err)
	return pkg
}

func TestStage_FreshRebuild(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	pkg := putTestPackage(t, env.store, "foo", "1.0.0", map[string]string{"bin/foo": "hello"})

	slotIdx, hashes, err := env.stager.Stage(ctx, "", 0, []Target{
		{Name: "foo", Version: "1.0.0", StoreHash: pkg.StoreHash, ArchiveHash: pkg.ArchiveHash},
	})
	require.NoError(t, err)
	assert.NotEqual(t, 0, slotIdx)
	assert.Len(t, hashes, 1)

	data, err := os.ReadFile(filepath.Join(env.slots.Path(slotIdx), "bin/foo"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestStage_MaterializesSymlinks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	m := manifest.Manifest{Package: manifest.PackageInfo{Name: "foo", Version: "1.0.0", Arch: "arm64"}}
	archive, err := manifest.Write(m, []manifest.Entry{
		{Path: "bin/foo", Mode: 0o755, Data: []byte("hello")},
		{Path: "bin/foo-alias", Mode: 0o777, LinkName: "foo"},
	})
	require.NoError(t, err)
	pkg, err := env.store.PutPackage(archive)
	require.NoError(t, err)

	slotIdx, _, err := env.stager.Stage(ctx, "", 0, []Target{
		{Name: "foo", Version: "1.0.0", StoreHash: pkg.StoreHash, ArchiveHash: pkg.ArchiveHash},
	})
	require.NoError(t, err)

	linkPath := filepath.Join(env.slots.Path(slotIdx), "bin/foo-alias")
	target, err := os.Readlink(linkPath)
	require.NoError(t, err, "symlink member must actually be materialized in the slot")
	assert.Equal(t, "foo", target)
}

func TestStage_CloneAndDiffFromParent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	pkgFoo := putTestPackage(t, env.store, "foo", "1.0.0", map[string]string{"bin/foo": "v1"})
	pkgBar := putTestPackage(t, env.store, "bar", "2.0.0", map[string]string{"bin/bar": "bar-content"})

	parentSlot, _, err := env.stager.Stage(ctx, "", 0, []Target{
		{Name: "foo", Version: "1.0.0", StoreHash: pkgFoo.StoreHash},
	})
	require.NoError(t, err)

	tx, err := env.cat.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.cat.CreateState(ctx, tx, "parent", "", "install", "", "2026-01-01T00:00:00Z"))
	recID, err := env.cat.EnsurePackageRecord(ctx, tx, "foo", "1.0.0", pkgFoo.StoreHash, "")
	require.NoError(t, err)
	require.NoError(t, env.cat.BindPackageToState(ctx, tx, "parent", recID, "foo"))
	require.NoError(t, env.cat.AddFileEntry(ctx, tx, catalog.FileEntry{
		StateID: "parent", PackageRecordID: recID, RelativePath: "bin/foo", FileHash: pkgFoo.Files[0].FileHash, Mode: 0o644,
	}))
	require.NoError(t, tx.Commit())
	require.NoError(t, env.slots.Bind(ctx, parentSlot, "parent"))

	childSlot, _, err := env.stager.Stage(ctx, "parent", parentSlot, []Target{
		{Name: "bar", Version: "2.0.0", StoreHash: pkgBar.StoreHash},
	})
	require.NoError(t, err)
	assert.NotEqual(t, parentSlot, childSlot)

	_, err = os.Stat(filepath.Join(env.slots.Path(childSlot), "bin/foo"))
	assert.True(t, os.IsNotExist(err), "foo's file should have been removed from the diffed slot")

	data, err := os.ReadFile(filepath.Join(env.slots.Path(childSlot), "bin/bar"))
	require.NoError(t, err)
	assert.Equal(t, "bar-content", string(data))
}
