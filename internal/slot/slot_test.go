package slot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sps2/sse/internal/catalog"
)

func newTestManager(t *testing.T, n int) (*Manager, *catalog.Catalog) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	m, err := Open(context.Background(), dir, n, cat)
	require.NoError(t, err)
	return m, cat
}

func TestOpen_RejectsBelowMinimum(t *testing.T) {
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()

	_, err = Open(context.Background(), dir, 2, cat)
	require.Error(t, err)
}

func TestAcquireFreeSlot_SkipsActive(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 3)

	idx, err := m.AcquireFreeSlot(ctx, 0)
	require.NoError(t, err)
	assert.NotEqual(t, 0, idx)
}

func TestBindRelease_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 3)

	require.NoError(t, m.Bind(ctx, 1, "state-1"))

	idx, ok, err := m.SlotBoundTo(ctx, "state-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	// write a file into the slot, then release and confirm it's cleared
	require.NoError(t, os.WriteFile(filepath.Join(m.Path(1), "marker"), []byte("x"), 0o644))
	require.NoError(t, m.Release(ctx, 1))

	entries, err := os.ReadDir(m.Path(1))
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, ok, err = m.SlotBoundTo(ctx, "state-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquireFreeSlot_EvictsLeastRecentlyBound(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 3)

	// slot 0 is active; bind slots 1 and 2 to fill the pool
	require.NoError(t, m.Bind(ctx, 1, "state-old"))
	require.NoError(t, m.Bind(ctx, 2, "state-new"))

	idx, err := m.AcquireFreeSlot(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, idx, "expected the earlier-bound slot to be evicted")

	_, ok, err := m.SlotBoundTo(ctx, "state-old")
	require.NoError(t, err)
	assert.False(t, ok)
}
