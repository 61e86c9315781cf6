package idtrie_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacratic/dasdb/internal/heap"
	"github.com/datacratic/dasdb/internal/idtrie"
	"github.com/datacratic/dasdb/mmapfile"
)

func newTrie(t *testing.T) (*idtrie.Trie, *mmapfile.File) {
	t.Helper()
	f, err := mmapfile.Create(filepath.Join(t.TempDir(), "trie.das"), mmapfile.ReadWrite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	h := heap.New(f)
	return idtrie.New(f, h), f
}

func TestInsertLookup(t *testing.T) {
	tr, _ := newTrie(t)

	require.NoError(t, tr.Insert(7, idtrie.Record{Off: 4096, Size: 144, Kind: 0x0102}))

	rec, ok := tr.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, uint64(4096), rec.Off)
	assert.Equal(t, uint32(144), rec.Size)
	assert.Equal(t, uint16(0x0102), rec.Kind)
	assert.Equal(t, uint32(7), rec.ID)

	_, ok = tr.Lookup(8)
	assert.False(t, ok)
}

func TestInsertDuplicateFails(t *testing.T) {
	tr, _ := newTrie(t)

	require.NoError(t, tr.Insert(7, idtrie.Record{Off: 1}))
	require.ErrorIs(t, tr.Insert(7, idtrie.Record{Off: 2}), idtrie.ErrDuplicateID)

	// The original record is untouched.
	rec, ok := tr.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, uint64(1), rec.Off)
}

func TestRemoveThenReinsert(t *testing.T) {
	tr, _ := newTrie(t)

	require.NoError(t, tr.Insert(7, idtrie.Record{Off: 1}))
	rec, err := tr.Remove(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Off)

	_, err = tr.Remove(7)
	require.ErrorIs(t, err, idtrie.ErrUnknownID)

	// The id is reusable after removal.
	require.NoError(t, tr.Insert(7, idtrie.Record{Off: 9}))
	rec, ok := tr.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, uint64(9), rec.Off)
}

func TestRemoveUnknownFails(t *testing.T) {
	tr, _ := newTrie(t)
	_, err := tr.Remove(42)
	require.ErrorIs(t, err, idtrie.ErrUnknownID)
}

func TestUpdateRewritesInPlace(t *testing.T) {
	tr, _ := newTrie(t)

	require.NoError(t, tr.Insert(3, idtrie.Record{Off: 1}))
	require.NoError(t, tr.Update(3, idtrie.Record{Off: 1, Kind: 0x0201, Flags: idtrie.RecordFlagReadOnly}))

	rec, ok := tr.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, uint16(0x0201), rec.Kind)
	assert.Equal(t, idtrie.RecordFlagReadOnly, rec.Flags)

	require.ErrorIs(t, tr.Update(4, idtrie.Record{}), idtrie.ErrUnknownID)
}

func TestWalkAscending(t *testing.T) {
	tr, _ := newTrie(t)

	// Ids chosen to exercise different trie paths, including far-apart
	// high nibbles.
	ids := []uint32{9, 1, 0xFFFF0000, 5, 2, 300}
	for _, id := range ids {
		require.NoError(t, tr.Insert(id, idtrie.Record{Off: uint64(id)}))
	}

	var got []uint32
	tr.Walk(func(rec idtrie.Record) bool {
		got = append(got, rec.ID)
		return true
	})
	assert.Equal(t, []uint32{1, 2, 5, 9, 300, 0xFFFF0000}, got)
}

func TestTrieSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trie.das")
	f, err := mmapfile.Create(path, mmapfile.ReadWrite)
	require.NoError(t, err)
	tr := idtrie.New(f, heap.New(f))
	require.NoError(t, tr.Insert(77, idtrie.Record{Off: 4242, Kind: 0x0101}))
	require.NoError(t, f.Close())

	f, err = mmapfile.Open(path, mmapfile.Read)
	require.NoError(t, err)
	defer f.Close()
	tr = idtrie.New(f, heap.Attach(f))

	rec, ok := tr.Lookup(77)
	require.True(t, ok)
	assert.Equal(t, uint64(4242), rec.Off)
	assert.Equal(t, uint16(0x0101), rec.Kind)
}
