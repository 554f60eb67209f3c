package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sps2/sse/internal/config"
	"github.com/sps2/sse/internal/manifest"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.SlotCount = 3

	e, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func putPackage(t *testing.T, e *Engine, name, version string, files map[string]string) Target {
	t.Helper()
	m := manifest.Manifest{Package: manifest.PackageInfo{Name: name, Version: version, Arch: "arm64"}}
	var entries []manifest.Entry
	for path, content := range files {
		entries = append(entries, manifest.Entry{Path: path, Mode: 0o644, Data: []byte(content)})
	}
	archive, err := manifest.Write(m, entries)
	require.NoError(t, err)

	pkg, err := e.Store().PutPackage(archive)
	require.NoError(t, err)

	return Target{Name: name, Version: version, StoreHash: pkg.StoreHash, ArchiveHash: pkg.ArchiveHash}
}

func TestEngine_InstallCreatesActiveState(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	foo := putPackage(t, e, "foo", "1.0.0", map[string]string{"bin/foo": "hello"})

	id, err := e.Install(ctx, []Target{foo})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	active, err := e.ActiveState(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, active)

	fi, err := os.Lstat(e.LivePath())
	require.NoError(t, err)
	assert.True(t, fi.Mode()&os.ModeSymlink != 0)

	target, err := os.Readlink(e.LivePath())
	require.NoError(t, err)
	content, err := os.ReadFile(filepath.Join(target, "bin/foo"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestEngine_UpgradeReplacesPackageSet(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	fooV1 := putPackage(t, e, "foo", "1.0.0", map[string]string{"bin/foo": "v1"})
	_, err := e.Install(ctx, []Target{fooV1})
	require.NoError(t, err)

	fooV2 := putPackage(t, e, "foo", "2.0.0", map[string]string{"bin/foo": "v2"})
	id2, err := e.Upgrade(ctx, []Target{fooV2})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(e.LivePath(), "bin/foo"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))

	states, err := e.ListStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 2)

	active, err := e.ActiveState(ctx)
	require.NoError(t, err)
	assert.Equal(t, id2, active)
}

func TestEngine_UninstallRemovesPackage(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	foo := putPackage(t, e, "foo", "1.0.0", map[string]string{"bin/foo": "hello"})
	bar := putPackage(t, e, "bar", "1.0.0", map[string]string{"bin/bar": "world"})
	_, err := e.Install(ctx, []Target{foo, bar})
	require.NoError(t, err)

	_, err = e.Uninstall(ctx, []Target{bar})
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(e.LivePath(), "bin/bar"))
	assert.NoError(t, statErr)
	_, statErr = os.Stat(filepath.Join(e.LivePath(), "bin/foo"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestEngine_RollbackRestoresPriorPackageSet(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	fooV1 := putPackage(t, e, "foo", "1.0.0", map[string]string{"bin/foo": "v1"})
	id1, err := e.Install(ctx, []Target{fooV1})
	require.NoError(t, err)

	fooV2 := putPackage(t, e, "foo", "2.0.0", map[string]string{"bin/foo": "v2"})
	_, err = e.Upgrade(ctx, []Target{fooV2})
	require.NoError(t, err)

	id3, err := e.Rollback(ctx, id1)
	require.NoError(t, err)
	assert.NotEmpty(t, id3)

	content, err := os.ReadFile(filepath.Join(e.LivePath(), "bin/foo"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content))

	active, err := e.ActiveState(ctx)
	require.NoError(t, err)
	assert.Equal(t, id3, active)
}

func TestEngine_GCAfterUpgradePrunesNoRetainedState(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	fooV1 := putPackage(t, e, "foo", "1.0.0", map[string]string{"bin/foo": "v1"})
	_, err := e.Install(ctx, []Target{fooV1})
	require.NoError(t, err)

	fooV2 := putPackage(t, e, "foo", "2.0.0", map[string]string{"bin/foo": "v2"})
	_, err = e.Upgrade(ctx, []Target{fooV2})
	require.NoError(t, err)

	result, pruned, err := e.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pruned)
	_ = result
}

func TestEngine_VerifyHealthyAfterInstall(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	foo := putPackage(t, e, "foo", "1.0.0", map[string]string{"bin/foo": "hello"})
	_, err := e.Install(ctx, []Target{foo})
	require.NoError(t, err)

	assert.NoError(t, e.Verify(ctx))
}
