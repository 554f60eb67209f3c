package manifest

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleManifest() Manifest {
	return Manifest{
		Package: PackageInfo{Name: "foo", Version: "1.0.0", Revision: 1, Arch: "arm64"},
		Dependencies: Dependencies{
			Runtime: []string{"bar"},
		},
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	entries := []Entry{
		{Path: "bin/foo", Mode: 0o755, Data: []byte("binary content")},
		{Path: "share/doc", Mode: 0o644, Data: []byte("docs")},
	}

	archive, err := Write(sampleManifest(), entries)
	require.NoError(t, err)

	zstdWrapped, ok := Detect(archive)
	require.True(t, ok)
	assert.True(t, zstdWrapped)

	m, got, err := Read(archive)
	require.NoError(t, err)
	assert.Equal(t, "foo", m.Package.Name)
	require.Len(t, got, 2)
	assert.Equal(t, "bin/foo", got[0].Path)
	assert.Equal(t, []byte("binary content"), got[0].Data)
}

func TestRead_MissingManifest(t *testing.T) {
	// Write always includes manifest.toml, so build a bare tar by hand.
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	data := []byte("x")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "bin/foo", Mode: 0o755, Size: int64(len(data)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(data)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	_, _, err = Read(buf.Bytes())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required")
}

func TestRead_RejectsAbsolutePath(t *testing.T) {
	archive, err := Write(sampleManifest(), []Entry{
		{Path: "/etc/passwd", Mode: 0o644, Data: []byte("x")},
	})
	require.NoError(t, err)

	_, _, err = Read(archive)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relative path")
}

func TestRead_RejectsPathEscape(t *testing.T) {
	archive, err := Write(sampleManifest(), []Entry{
		{Path: "../../etc/passwd", Mode: 0o644, Data: []byte("x")},
	})
	require.NoError(t, err)

	_, _, err = Read(archive)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestRead_RejectsSymlinkEscape(t *testing.T) {
	archive, err := Write(sampleManifest(), []Entry{
		{Path: "lib/evil", Mode: 0o777, LinkName: "../../../etc/passwd"},
	})
	require.NoError(t, err)

	_, _, err = Read(archive)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestRead_AllowsInternalSymlink(t *testing.T) {
	archive, err := Write(sampleManifest(), []Entry{
		{Path: "bin/foo", Mode: 0o755, Data: []byte("x")},
		{Path: "bin/foo-link", Mode: 0o777, LinkName: "foo"},
	})
	require.NoError(t, err)

	_, entries, err := Read(archive)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestDetect_Unrecognized(t *testing.T) {
	_, ok := Detect([]byte("not an archive"))
	assert.False(t, ok)
}
