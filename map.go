package dasdb

import (
	"bytes"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/datacratic/dasdb/internal/idtrie"
	"github.com/datacratic/dasdb/internal/skiplist"
)

// Map is an ordered associative store over one region of a backing file.
// Keys and values each range over uint64 or string; entries are kept in
// ascending key order (numeric for uint64, lexicographic byte order for
// strings) with no duplicates.
//
// A Map obtained from OpenMap is mutable unless the region holds a snapshot
// or the file was opened read-only. Mutating a read-only Map fails with
// ErrCapability and has no effect.
type Map[K, V Scalar] struct {
	db       *DB
	id       uint32
	gen      uint64
	list     *skiplist.List
	guard    *atomic.Int32
	readonly bool
}

// OpenMap attaches a typed store to an already-allocated region id.
//
// Attaching to an unallocated id fails with ErrUnknownID; allocation is
// always explicit via DB.AllocateRegion. The first typed attach binds the
// region to its key/value domains; later attaches must use the same types
// or fail with a StoreTypeError.
func OpenMap[K, V Scalar](db *DB, id uint32) (*Map[K, V], error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	rec, ok := db.regions.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}

	kinds := kindPair(kindOf[K](), kindOf[V]())
	switch {
	case rec.Kind == 0:
		if db.file.Writable() {
			rec.Kind = kinds
			if err := db.regions.Update(id, rec); err != nil {
				return nil, translateError(err)
			}
		}
	case rec.Kind != kinds:
		return nil, &StoreTypeError{
			ID:   id,
			Want: kindPairName(rec.Kind),
			Got:  kindPairName(kinds),
		}
	}

	return &Map[K, V]{
		db:       db,
		id:       id,
		gen:      db.gens[id],
		list:     skiplist.Attach(db.file, db.heap, rec.Off),
		guard:    db.guardFor(id),
		readonly: rec.Flags&idtrie.RecordFlagReadOnly != 0 || !db.file.Writable(),
	}, nil
}

// ID returns the region id the store is attached to.
func (m *Map[K, V]) ID() uint32 { return m.id }

// ReadOnly reports whether mutation is permitted on this handle.
func (m *Map[K, V]) ReadOnly() bool { return m.readonly }

// liveLocked verifies the handle still refers to the region it was opened
// on. Deallocating a region bumps its generation, so a handle left over from
// before a deallocate (or a deallocate/reallocate cycle of the same id) is
// refused before it can touch storage that now belongs elsewhere.
// db.mu must be held.
func (m *Map[K, V]) liveLocked() error {
	if m.db.closed {
		return ErrClosed
	}
	if _, ok := m.db.regions.Lookup(m.id); !ok || m.db.gens[m.id] != m.gen {
		return fmt.Errorf("%w: %d", ErrUnknownID, m.id)
	}
	return nil
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() (int, error) {
	m.db.mu.RLock()
	defer m.db.mu.RUnlock()
	if err := m.liveLocked(); err != nil {
		return 0, err
	}
	return int(m.list.Len()), nil
}

// Empty reports whether the store has no entries.
func (m *Map[K, V]) Empty() (bool, error) {
	n, err := m.Len()
	return n == 0, err
}

// Exists reports whether key is present. Absence is a valid result, not an
// error.
func (m *Map[K, V]) Exists(key K) (bool, error) {
	m.db.mu.RLock()
	defer m.db.mu.RUnlock()
	if err := m.liveLocked(); err != nil {
		return false, err
	}
	return m.list.Contains(encodeScalar(key)), nil
}

// Get returns the value stored under key and whether it was found. A missing
// key yields the zero value with found == false, never an error.
func (m *Map[K, V]) Get(key K) (value V, found bool, err error) {
	start := time.Now()
	m.db.mu.RLock()
	defer m.db.mu.RUnlock()
	if err := m.liveLocked(); err != nil {
		return value, false, err
	}
	raw, ok := m.list.Get(encodeScalar(key))
	m.db.metrics.RecordGet(time.Since(start), nil)
	if !ok {
		return value, false, nil
	}
	return decodeScalar[V](raw), true, nil
}

// Set inserts key/value and reports whether the key was newly inserted.
// Setting an existing key returns false and leaves the prior value
// unchanged; this is insertion, not upsert.
func (m *Map[K, V]) Set(key K, value V) (bool, error) {
	start := time.Now()
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if err := m.mutableLocked(); err != nil {
		m.db.metrics.RecordSet(time.Since(start), err)
		return false, err
	}
	inserted, err := m.list.Insert(encodeScalar(key), encodeScalar(value))
	err = translateError(err)
	m.db.metrics.RecordSet(time.Since(start), err)
	return inserted, err
}

// Del removes key and reports whether it was present. Deleting an absent key
// returns false with no state change.
func (m *Map[K, V]) Del(key K) (bool, error) {
	start := time.Now()
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if err := m.mutableLocked(); err != nil {
		m.db.metrics.RecordDel(time.Since(start), err)
		return false, err
	}
	removed := m.list.Delete(encodeScalar(key))
	m.db.metrics.RecordDel(time.Since(start), nil)
	return removed, nil
}

// Clear removes every entry.
func (m *Map[K, V]) Clear() error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if err := m.mutableLocked(); err != nil {
		return err
	}
	m.list.Clear()
	return nil
}

// mutableLocked checks every precondition for structural mutation.
// db.mu must be held exclusively.
func (m *Map[K, V]) mutableLocked() error {
	if err := m.liveLocked(); err != nil {
		return err
	}
	if m.readonly {
		return fmt.Errorf("%w: store %d is read-only", ErrCapability, m.id)
	}
	if m.guard.Load() > 0 {
		return fmt.Errorf("%w: store %d", ErrIteratorActive, m.id)
	}
	return nil
}

// All returns a lazy sequence over every entry in ascending key order. The
// sequence is restartable from scratch and finite.
//
// Structural mutation of the store while a traversal is active fails with
// ErrIteratorActive; traverse a Snapshot if concurrent mutation is expected.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return m.iterate(nil, nil)
}

// Prefix returns the sub-sequence of All whose keys share prefix. For string
// keys the prefix is a leading byte sequence; for uint64 keys the convention
// is the shared high 32 bits of the key.
func (m *Map[K, V]) Prefix(prefix K) iter.Seq2[K, V] {
	p := prefixBytes(prefix)
	return m.iterate(p, p)
}

// Range returns the sub-sequence of All with lo <= key < hi.
func (m *Map[K, V]) Range(lo, hi K) iter.Seq2[K, V] {
	return m.iterate(encodeScalar(lo), nil, encodeScalar(hi))
}

// iterate walks entries starting at the first key >= start (nil: from the
// beginning) while the key matches prefix (nil: no bound) and, if a bound
// is given, stays below it.
func (m *Map[K, V]) iterate(start, prefix []byte, below ...[]byte) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		m.guard.Add(1)
		defer m.guard.Add(-1)

		m.db.mu.RLock()
		if m.liveLocked() != nil {
			m.db.mu.RUnlock()
			return
		}
		var node uint64
		if start == nil {
			node = m.list.First()
		} else {
			node = m.list.Seek(start)
		}
		m.db.mu.RUnlock()

		for node != 0 {
			m.db.mu.RLock()
			if m.liveLocked() != nil {
				m.db.mu.RUnlock()
				return
			}
			rawKey := m.list.Key(node)
			if prefix != nil && !bytes.HasPrefix(rawKey, prefix) {
				m.db.mu.RUnlock()
				return
			}
			if len(below) > 0 && bytes.Compare(rawKey, below[0]) >= 0 {
				m.db.mu.RUnlock()
				return
			}
			key := decodeScalar[K](rawKey)
			value := decodeScalar[V](m.list.Value(node))
			next := m.list.Next(node)
			m.db.mu.RUnlock()

			if !yield(key, value) {
				return
			}
			node = next
		}
	}
}

// Snapshot copies the store's committed state into a freshly allocated,
// permanently read-only region at id and returns a handle to it. The copy
// is independent of any later mutation or deallocation of the source.
func (m *Map[K, V]) Snapshot(id uint32) (*Map[K, V], error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if err := m.liveLocked(); err != nil {
		return nil, err
	}
	if !m.db.file.Writable() {
		return nil, fmt.Errorf("%w: snapshot requires a writable file", ErrCapability)
	}
	if _, ok := m.db.regions.Lookup(id); ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	if err := m.db.file.LockEx(); err != nil {
		return nil, translateError(err)
	}
	defer m.db.file.Unlock()

	dst, off, err := skiplist.Create(m.db.file, m.db.heap)
	if err != nil {
		return nil, translateError(err)
	}
	for node := m.list.First(); node != 0; node = m.list.Next(node) {
		// Insert can grow the mapping, so the source views must be copied
		// out before each insertion.
		key := bytes.Clone(m.list.Key(node))
		value := bytes.Clone(m.list.Value(node))
		if _, err := dst.Insert(key, value); err != nil {
			dst.Drop()
			return nil, translateError(err)
		}
	}

	rec := idtrie.Record{
		Off:   off,
		Size:  skiplist.HeaderSize,
		Kind:  kindPair(kindOf[K](), kindOf[V]()),
		Flags: idtrie.RecordFlagReadOnly,
	}
	if err := m.db.regions.Insert(id, rec); err != nil {
		dst.Drop()
		return nil, translateError(err)
	}
	m.db.file.SetRegionCount(m.db.file.RegionCount() + 1)
	m.db.live.Add(id)

	return &Map[K, V]{
		db:       m.db,
		id:       id,
		gen:      m.db.gens[id],
		list:     dst,
		guard:    m.db.guardFor(id),
		readonly: true,
	}, nil
}
