package dasdb

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// Txn stages mutations against one store. Nothing a transaction stages is
// visible to any other reader until Commit applies the whole batch
// atomically; Abort discards it with zero observable effect.
//
// Reads through the transaction see its own staged state layered over the
// store's committed state. A Txn is not safe for concurrent use; the commit
// discipline is coarse single-writer serialization against the file's
// writer lock, so concurrent transactions on the same store serialize at
// Commit rather than conflict. ErrTxnConflict is still surfaced when the
// region was deallocated between Begin and Commit.
type Txn[K, V Scalar] struct {
	m       *Map[K, V]
	ops     []txnOp[K, V]
	overlay map[K]txnVal[V]
	delta   int
	done    bool
}

type txnOp[K, V Scalar] struct {
	del bool
	key K
	val V
}

type txnVal[V Scalar] struct {
	deleted bool
	val     V
}

// Begin starts a transaction on the store. The store must be mutable.
func (m *Map[K, V]) Begin() (*Txn[K, V], error) {
	m.db.mu.RLock()
	defer m.db.mu.RUnlock()
	if err := m.liveLocked(); err != nil {
		return nil, err
	}
	if m.readonly {
		return nil, fmt.Errorf("%w: store %d is read-only", ErrCapability, m.id)
	}
	return &Txn[K, V]{
		m:       m,
		overlay: make(map[K]txnVal[V]),
	}, nil
}

// Exists reports key presence in the transaction's view.
func (t *Txn[K, V]) Exists(key K) (bool, error) {
	if t.done {
		return false, ErrTxnDone
	}
	if staged, ok := t.overlay[key]; ok {
		return !staged.deleted, nil
	}
	return t.m.Exists(key)
}

// Get returns the value for key in the transaction's view.
func (t *Txn[K, V]) Get(key K) (value V, found bool, err error) {
	if t.done {
		return value, false, ErrTxnDone
	}
	if staged, ok := t.overlay[key]; ok {
		if staged.deleted {
			return value, false, nil
		}
		return staged.val, true, nil
	}
	return t.m.Get(key)
}

// Len returns the entry count as it would be after Commit.
func (t *Txn[K, V]) Len() (int, error) {
	if t.done {
		return 0, ErrTxnDone
	}
	n, err := t.m.Len()
	if err != nil {
		return 0, err
	}
	return n + t.delta, nil
}

// Set stages an insertion and reports whether the key is new in the
// transaction's view. Like Map.Set this is insertion, not upsert; a key
// already present stays bound to its prior value.
func (t *Txn[K, V]) Set(key K, value V) (bool, error) {
	if t.done {
		return false, ErrTxnDone
	}
	if staged, ok := t.overlay[key]; ok {
		if !staged.deleted {
			return false, nil
		}
	} else {
		exists, err := t.m.Exists(key)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	}
	t.ops = append(t.ops, txnOp[K, V]{key: key, val: value})
	t.overlay[key] = txnVal[V]{val: value}
	t.delta++
	return true, nil
}

// Del stages a removal and reports whether the key was present in the
// transaction's view.
func (t *Txn[K, V]) Del(key K) (bool, error) {
	if t.done {
		return false, ErrTxnDone
	}
	if staged, ok := t.overlay[key]; ok {
		if staged.deleted {
			return false, nil
		}
	} else {
		exists, err := t.m.Exists(key)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, nil
		}
	}
	t.ops = append(t.ops, txnOp[K, V]{del: true, key: key})
	t.overlay[key] = txnVal[V]{deleted: true}
	t.delta--
	return true, nil
}

// Commit applies every staged mutation as one atomic batch. New reads that
// start after Commit returns observe all of the batch or, on failure, none
// of it.
func (t *Txn[K, V]) Commit() error {
	start := time.Now()
	if t.done {
		return ErrTxnDone
	}
	t.done = true

	m := t.m
	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	err := func() error {
		// A bare presence check is not enough: the region may have been
		// deallocated and the id reallocated since Begin, in which case the
		// staged batch would land in someone else's storage.
		if err := m.liveLocked(); err != nil {
			if errors.Is(err, ErrUnknownID) {
				return fmt.Errorf("%w: region %d deallocated since begin", ErrTxnConflict, m.id)
			}
			return err
		}
		if m.guard.Load() > 0 {
			return fmt.Errorf("%w: store %d", ErrIteratorActive, m.id)
		}

		// Applied ops are tracked so a mid-batch failure (the file cannot
		// grow) unwinds to the pre-transaction state: all or nothing.
		type undo struct {
			reinsert bool
			key, val []byte
		}
		var undos []undo
		rollback := func() {
			log := m.db.logger.WithRegion(m.id)
			for i := len(undos) - 1; i >= 0; i-- {
				u := undos[i]
				if u.reinsert {
					if _, err := m.list.Insert(u.key, u.val); err != nil {
						log.Error("rollback reinsert failed, store left partial", "error", err)
					}
				} else {
					m.list.Delete(u.key)
				}
			}
		}

		for _, op := range t.ops {
			key := encodeScalar(op.key)
			if op.del {
				if raw, ok := m.list.Get(key); ok {
					val := bytes.Clone(raw)
					m.list.Delete(key)
					undos = append(undos, undo{reinsert: true, key: key, val: val})
				}
				continue
			}
			inserted, err := m.list.Insert(key, encodeScalar(op.val))
			if err != nil {
				rollback()
				return translateError(err)
			}
			if inserted {
				undos = append(undos, undo{key: key})
			}
		}
		return nil
	}()

	m.db.metrics.RecordCommit(len(t.ops), time.Since(start), err)
	m.db.logger.LogCommit(m.id, len(t.ops), err)
	return err
}

// Abort discards every staged mutation. It is safe to call after Commit, in
// which case it does nothing.
func (t *Txn[K, V]) Abort() {
	t.done = true
	t.ops = nil
	t.overlay = nil
}
