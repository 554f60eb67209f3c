package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sps2/sse/internal/manifest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	return s
}

func TestPutObject_Idempotent(t *testing.T) {
	s := newTestStore(t)

	h1, err := s.PutObject([]byte("content"))
	require.NoError(t, err)

	h2, err := s.PutObject([]byte("content"))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)

	exists, err := s.ObjectExists(h1)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPutObject_ShardedLayout(t *testing.T) {
	s := newTestStore(t)

	h, err := s.PutObject([]byte("shard me"))
	require.NoError(t, err)

	path, err := s.ObjectPath(h)
	require.NoError(t, err)

	rel, err := filepath.Rel(s.Root(), path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("objects", h[0:2], h[2:4], h), rel)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestLoadObject_DetectsCorruption(t *testing.T) {
	s := newTestStore(t)

	h, err := s.PutObject([]byte("original"))
	require.NoError(t, err)

	path, err := s.ObjectPath(h)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("corrupted!"), 0o644))

	_, err = s.LoadObject(h)
	require.Error(t, err)
}

func TestLoadObject_Missing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadObject("deadbeef00000000000000000000000000000000000000000000000000000")
	require.Error(t, err)
}

func sampleArchive(t *testing.T) []byte {
	t.Helper()
	m := manifest.Manifest{
		Package: manifest.PackageInfo{Name: "foo", Version: "1.0.0", Arch: "arm64"},
	}
	archive, err := manifest.Write(m, []manifest.Entry{
		{Path: "bin/foo", Mode: 0o755, Data: []byte("bin-foo-content")},
		{Path: "share/doc", Mode: 0o644, Data: []byte("doc-content")},
	})
	require.NoError(t, err)
	return archive
}

func TestPutPackage_StoresFilesAndManifest(t *testing.T) {
	s := newTestStore(t)

	pkg, err := s.PutPackage(sampleArchive(t))
	require.NoError(t, err)

	assert.NotEmpty(t, pkg.StoreHash)
	assert.NotEmpty(t, pkg.ArchiveHash)
	require.Len(t, pkg.Files, 2)

	for _, f := range pkg.Files {
		data, err := s.LoadObject(f.FileHash)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}

	_, ok, err := s.LoadPackageIfExists(pkg.StoreHash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPutPackage_PreservesSymlinkTargets(t *testing.T) {
	s := newTestStore(t)

	m := manifest.Manifest{
		Package: manifest.PackageInfo{Name: "foo", Version: "1.0.0", Arch: "arm64"},
	}
	archive, err := manifest.Write(m, []manifest.Entry{
		{Path: "bin/foo", Mode: 0o755, Data: []byte("bin-foo-content")},
		{Path: "bin/foo-alias", Mode: 0o777, LinkName: "foo"},
	})
	require.NoError(t, err)

	pkg, err := s.PutPackage(archive)
	require.NoError(t, err)
	require.Len(t, pkg.Files, 2)

	var link *FileRef
	for i := range pkg.Files {
		if pkg.Files[i].RelativePath == "bin/foo-alias" {
			link = &pkg.Files[i]
		}
	}
	require.NotNil(t, link, "symlink entry must survive ingestion")
	assert.Equal(t, "foo", link.LinkName)
	assert.Empty(t, link.FileHash, "a symlink has no backing content-addressed object")

	reloaded, ok, err := s.LoadPackageIfExists(pkg.StoreHash)
	require.NoError(t, err)
	require.True(t, ok)
	for _, f := range reloaded.Files {
		if f.RelativePath == "bin/foo-alias" {
			assert.Equal(t, "foo", f.LinkName, "symlink target must round-trip through the files.json sidecar")
		}
	}
}

func TestPutPackage_DedupByStoreHash(t *testing.T) {
	s := newTestStore(t)
	archive := sampleArchive(t)

	pkg1, err := s.PutPackage(archive)
	require.NoError(t, err)

	pkg2, err := s.PutPackage(archive)
	require.NoError(t, err)

	assert.Equal(t, pkg1.StoreHash, pkg2.StoreHash)
	assert.Equal(t, pkg1.ArchiveHash, pkg2.ArchiveHash)
	require.Len(t, pkg2.Files, 2)
	assert.Equal(t, pkg1.Size, pkg2.Size)
}

func TestRemovePackage(t *testing.T) {
	s := newTestStore(t)
	pkg, err := s.PutPackage(sampleArchive(t))
	require.NoError(t, err)

	require.NoError(t, s.RemovePackage(pkg.StoreHash))

	_, ok, err := s.LoadPackageIfExists(pkg.StoreHash)
	require.NoError(t, err)
	assert.False(t, ok)
}
