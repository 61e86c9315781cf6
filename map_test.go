package dasdb_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacratic/dasdb"
)

func newUint64Map(t *testing.T, db *dasdb.DB, id uint32) *dasdb.Map[uint64, uint64] {
	t.Helper()
	require.NoError(t, db.AllocateRegion(id))
	m, err := dasdb.OpenMap[uint64, uint64](db, id)
	require.NoError(t, err)
	return m
}

func newStringMap(t *testing.T, db *dasdb.DB, id uint32) *dasdb.Map[string, string] {
	t.Helper()
	require.NoError(t, db.AllocateRegion(id))
	m, err := dasdb.OpenMap[string, string](db, id)
	require.NoError(t, err)
	return m
}

func collectKeys[K, V dasdb.Scalar](seq func(func(K, V) bool)) []K {
	var out []K
	seq(func(k K, _ V) bool {
		out = append(out, k)
		return true
	})
	return out
}

func TestOpenMapUnallocatedFails(t *testing.T) {
	db := newDB(t)
	_, err := dasdb.OpenMap[uint64, uint64](db, 99)
	require.ErrorIs(t, err, dasdb.ErrUnknownID)
}

func TestOpenMapTypeMismatchFails(t *testing.T) {
	db := newDB(t)
	require.NoError(t, db.AllocateRegion(1))

	_, err := dasdb.OpenMap[uint64, string](db, 1)
	require.NoError(t, err)

	_, err = dasdb.OpenMap[string, string](db, 1)
	var typeErr *dasdb.StoreTypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, uint32(1), typeErr.ID)
	assert.Equal(t, "uint64/string", typeErr.Want)
	assert.Equal(t, "string/string", typeErr.Got)
	require.ErrorIs(t, err, dasdb.ErrInvalidArgument)

	// Reattaching with the bound types keeps working.
	_, err = dasdb.OpenMap[uint64, string](db, 1)
	require.NoError(t, err)
}

func TestSetIsInsertNotUpsert(t *testing.T) {
	db := newDB(t)
	m := newStringMap(t, db, 1)

	ok, err := m.Set("k", "first")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Set("k", "second")
	require.NoError(t, err)
	assert.False(t, ok)

	val, found, err := m.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "first", val)
}

func TestDel(t *testing.T) {
	db := newDB(t)
	m := newUint64Map(t, db, 1)

	_, err := m.Set(1, 10)
	require.NoError(t, err)

	removed, err := m.Del(1)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = m.Del(1)
	require.NoError(t, err)
	assert.False(t, removed)

	found, err := m.Exists(1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLenTracksInsertsAndDeletes(t *testing.T) {
	db := newDB(t)
	m := newUint64Map(t, db, 1)

	const n, deleted = 40, 15
	for i := uint64(0); i < n; i++ {
		ok, err := m.Set(i, i*i)
		require.NoError(t, err)
		require.True(t, ok)
	}
	for i := uint64(0); i < deleted; i++ {
		removed, err := m.Del(i * 2)
		require.NoError(t, err)
		require.True(t, removed)
	}

	got, err := m.Len()
	require.NoError(t, err)
	assert.Equal(t, n-deleted, got)

	empty, err := m.Empty()
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestAllYieldsNumericOrder(t *testing.T) {
	db := newDB(t)
	m := newUint64Map(t, db, 1)

	for _, k := range []uint64{9, 1, 5, 2} {
		_, err := m.Set(k, k*100)
		require.NoError(t, err)
	}

	assert.Equal(t, []uint64{1, 2, 5, 9}, collectKeys(m.All()))
}

func TestStringPrefix(t *testing.T) {
	db := newDB(t)
	m := newStringMap(t, db, 1)

	for _, k := range []string{"ab", "abc", "b"} {
		_, err := m.Set(k, "")
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"ab", "abc"}, collectKeys(m.Prefix("ab")))
	assert.Equal(t, []string{"b"}, collectKeys(m.Prefix("b")))
	assert.Empty(t, collectKeys(m.Prefix("c")))
}

func TestUint64PrefixMatchesHighBits(t *testing.T) {
	db := newDB(t)
	m := newUint64Map(t, db, 1)

	group5 := []uint64{5 << 32, 5<<32 | 1, 5<<32 | 0xFFFFFFFF}
	other := []uint64{4<<32 | 1, 6 << 32}
	for _, k := range append(group5, other...) {
		_, err := m.Set(k, 0)
		require.NoError(t, err)
	}

	assert.Equal(t, group5, collectKeys(m.Prefix(5<<32)))
}

func TestRangeIsHalfOpen(t *testing.T) {
	db := newDB(t)
	m := newUint64Map(t, db, 1)

	for k := uint64(0); k < 10; k++ {
		_, err := m.Set(k, k)
		require.NoError(t, err)
	}

	assert.Equal(t, []uint64{3, 4, 5, 6}, collectKeys(m.Range(3, 7)))
	assert.Empty(t, collectKeys(m.Range(7, 3)))
}

func TestIterationIsRestartable(t *testing.T) {
	db := newDB(t)
	m := newUint64Map(t, db, 1)

	for k := uint64(0); k < 5; k++ {
		_, err := m.Set(k, k)
		require.NoError(t, err)
	}

	seq := m.All()
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, collectKeys(seq))
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, collectKeys(seq))
}

func TestMutationDuringTraversalFails(t *testing.T) {
	db := newDB(t)
	m := newUint64Map(t, db, 1)

	for k := uint64(0); k < 10; k++ {
		_, err := m.Set(k, k)
		require.NoError(t, err)
	}

	var seen int
	for range m.All() {
		seen++
		_, err := m.Set(100, 100)
		require.ErrorIs(t, err, dasdb.ErrIteratorActive)
		_, err = m.Del(0)
		require.ErrorIs(t, err, dasdb.ErrIteratorActive)
		require.ErrorIs(t, db.DeallocateRegion(1), dasdb.ErrIteratorActive)
	}
	assert.Equal(t, 10, seen)

	// Once the traversal finishes, mutation resumes.
	ok, err := m.Set(100, 100)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStaleHandleAfterDeallocationFails(t *testing.T) {
	db := newDB(t)
	stale := newStringMap(t, db, 1)
	_, err := stale.Set("k", "v")
	require.NoError(t, err)

	require.NoError(t, db.DeallocateRegion(1))

	// Region 2 is likely to recycle region 1's freed storage; the stale
	// handle must not be able to write into it.
	require.NoError(t, db.AllocateRegion(2))
	fresh, err := dasdb.OpenMap[string, string](db, 2)
	require.NoError(t, err)

	_, err = stale.Set("ghost", "boo")
	require.ErrorIs(t, err, dasdb.ErrUnknownID)
	_, err = stale.Del("k")
	require.ErrorIs(t, err, dasdb.ErrUnknownID)
	_, _, err = stale.Get("k")
	require.ErrorIs(t, err, dasdb.ErrUnknownID)
	_, err = stale.Len()
	require.ErrorIs(t, err, dasdb.ErrUnknownID)
	assert.Empty(t, collectKeys(stale.All()))

	n, err := fresh.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, collectKeys(fresh.All()))
}

func TestStaleHandleAfterReallocationFails(t *testing.T) {
	db := newDB(t)
	stale := newUint64Map(t, db, 1)
	_, err := stale.Set(1, 10)
	require.NoError(t, err)

	// The same id comes back, but it is a different region now.
	require.NoError(t, db.DeallocateRegion(1))
	require.NoError(t, db.AllocateRegion(1))
	fresh, err := dasdb.OpenMap[uint64, uint64](db, 1)
	require.NoError(t, err)

	_, err = stale.Set(2, 20)
	require.ErrorIs(t, err, dasdb.ErrUnknownID)
	_, _, err = stale.Get(1)
	require.ErrorIs(t, err, dasdb.ErrUnknownID)

	ok, err := fresh.Set(3, 30)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []uint64{3}, collectKeys(fresh.All()))
}

func TestSnapshotIsStableAndReadOnly(t *testing.T) {
	db := newDB(t)
	m := newUint64Map(t, db, 1)

	for k := uint64(0); k < 5; k++ {
		_, err := m.Set(k, k*10)
		require.NoError(t, err)
	}

	snap, err := m.Snapshot(2)
	require.NoError(t, err)
	assert.True(t, snap.ReadOnly())

	// Source mutation after the snapshot does not reach it.
	_, err = m.Set(99, 990)
	require.NoError(t, err)
	_, err = m.Del(0)
	require.NoError(t, err)

	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, collectKeys(snap.All()))
	val, found, err := snap.Get(0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(0), val)

	_, err = snap.Set(7, 70)
	require.ErrorIs(t, err, dasdb.ErrCapability)
	require.ErrorIs(t, snap.Clear(), dasdb.ErrCapability)
}

func TestSnapshotSurvivesSourceDeallocation(t *testing.T) {
	db := newDB(t)
	m := newUint64Map(t, db, 1)

	_, err := m.Set(42, 4242)
	require.NoError(t, err)
	snap, err := m.Snapshot(2)
	require.NoError(t, err)

	require.NoError(t, db.DeallocateRegion(1))

	val, found, err := snap.Get(42)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(4242), val)
}

func TestSnapshotDuplicateIDFails(t *testing.T) {
	db := newDB(t)
	m := newUint64Map(t, db, 1)

	_, err := m.Snapshot(1)
	require.ErrorIs(t, err, dasdb.ErrDuplicateID)
}

func TestSnapshotFlagPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.das")
	db, err := dasdb.Open(path, dasdb.Create())
	require.NoError(t, err)

	require.NoError(t, db.AllocateRegion(1))
	m, err := dasdb.OpenMap[string, uint64](db, 1)
	require.NoError(t, err)
	_, err = m.Set("k", 1)
	require.NoError(t, err)
	_, err = m.Snapshot(2)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = dasdb.Open(path)
	require.NoError(t, err)
	defer db.Close()

	snap, err := dasdb.OpenMap[string, uint64](db, 2)
	require.NoError(t, err)
	assert.True(t, snap.ReadOnly())
	_, err = snap.Set("x", 2)
	require.ErrorIs(t, err, dasdb.ErrCapability)
}

func TestClear(t *testing.T) {
	db := newDB(t)
	m := newStringMap(t, db, 1)

	for _, k := range []string{"a", "b", "c"} {
		_, err := m.Set(k, k)
		require.NoError(t, err)
	}
	require.NoError(t, m.Clear())

	empty, err := m.Empty()
	require.NoError(t, err)
	assert.True(t, empty)
	assert.Empty(t, collectKeys(m.All()))
}

func TestLargeStoreStaysSorted(t *testing.T) {
	db := newDB(t)
	m := newUint64Map(t, db, 1)

	// Enough entries to force several file growths.
	const n = 10000
	for i := 0; i < n; i++ {
		k := uint64((i * 7919) % n)
		ok, err := m.Set(k, k)
		require.NoError(t, err)
		require.True(t, ok)
	}

	var prev uint64
	var count int
	for k, v := range m.All() {
		if count > 0 {
			require.Greater(t, k, prev)
		}
		require.Equal(t, k, v)
		prev = k
		count++
	}
	assert.Equal(t, n, count)
}
