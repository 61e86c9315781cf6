package heap_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacratic/dasdb/internal/heap"
	"github.com/datacratic/dasdb/mmapfile"
)

func newHeap(t *testing.T) (*heap.Heap, *mmapfile.File) {
	t.Helper()
	f, err := mmapfile.Create(filepath.Join(t.TempDir(), "heap.das"), mmapfile.ReadWrite, mmapfile.WithInitialPages(4))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return heap.New(f), f
}

func TestAllocReturnsDistinctZeroedBlocks(t *testing.T) {
	h, f := newHeap(t)

	a, err := h.Alloc(100)
	require.NoError(t, err)
	b, err := h.Alloc(100)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.GreaterOrEqual(t, a, uint64(f.PageSize()), "heap must not touch the header page")

	for _, off := range []uint64{a, b} {
		for i, v := range f.Bytes()[off : off+100] {
			require.Zerof(t, v, "byte %d of block %d", i, off)
		}
	}
}

func TestFreeReusesBlocksOfSameClass(t *testing.T) {
	h, f := newHeap(t)

	a, err := h.Alloc(100)
	require.NoError(t, err)
	copy(f.Bytes()[a:], "dirty dirty dirty")
	h.Free(a)

	b, err := h.Alloc(90) // same 128-byte class
	require.NoError(t, err)
	assert.Equal(t, a, b, "freed block should be recycled")
	for _, v := range f.Bytes()[b : b+90] {
		require.Zero(t, v, "recycled block must be zeroed")
	}
}

func TestAllocGrowsFile(t *testing.T) {
	h, f := newHeap(t)
	before := f.Size()

	// Allocate well past the initial 4 pages.
	for i := 0; i < 64; i++ {
		_, err := h.Alloc(1024)
		require.NoError(t, err)
	}
	assert.Greater(t, f.Size(), before)
}

func TestHugeBlocksFirstFit(t *testing.T) {
	h, _ := newHeap(t)

	small, err := h.Alloc(20_000)
	require.NoError(t, err)
	big, err := h.Alloc(60_000)
	require.NoError(t, err)
	h.Free(small)
	h.Free(big)

	// A request fitting only the big block must skip the small one.
	got, err := h.Alloc(50_000)
	require.NoError(t, err)
	assert.Equal(t, big, got)

	got, err = h.Alloc(18_000)
	require.NoError(t, err)
	assert.Equal(t, small, got)
}

func TestStateSurvivesReattach(t *testing.T) {
	h, f := newHeap(t)
	a, err := h.Alloc(64)
	require.NoError(t, err)

	// A second handle over the same file sees the same bump state.
	h2 := heap.Attach(f)
	b, err := h2.Alloc(64)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAllocRejectsNonPositiveSize(t *testing.T) {
	h, _ := newHeap(t)
	_, err := h.Alloc(0)
	require.Error(t, err)
}
