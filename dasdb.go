package dasdb

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/datacratic/dasdb/internal/heap"
	"github.com/datacratic/dasdb/internal/idtrie"
	"github.com/datacratic/dasdb/internal/skiplist"
	"github.com/datacratic/dasdb/mmapfile"
)

// DB is a handle onto one memory-mapped backing file and the region table
// inside it. It is safe for concurrent use by multiple goroutines; writers
// are serialized against each other and against structural growth.
//
// Sharing one file between independent processes is supported for growth,
// snapshot, and region allocation, which take a file-scoped advisory lock.
// Store mutation assumes a single writing process per file; readers in other
// processes see committed state.
type DB struct {
	mu      sync.RWMutex
	file    *mmapfile.File
	heap    *heap.Heap
	regions *idtrie.Trie
	live    *roaring.Bitmap
	guards  map[uint32]*atomic.Int32
	gens    map[uint32]uint64
	logger  *Logger
	metrics MetricsCollector
	closed  bool
}

// Open opens or, with the Create option, initializes a backing file at path.
//
// Opening an absent path without Create, or a file whose layout is not
// recognized, fails without producing a handle.
func Open(path string, optFns ...Option) (*DB, error) {
	opts := options{
		perm:    ReadWrite,
		logger:  NoopLogger(),
		metrics: NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var (
		file *mmapfile.File
		err  error
	)
	if opts.create {
		file, err = mmapfile.Create(path, opts.perm, mmapfile.WithInitialPages(opts.initialPages))
	} else {
		file, err = mmapfile.Open(path, opts.perm)
	}
	if err != nil {
		return nil, translateError(err)
	}

	var h *heap.Heap
	if file.Writable() {
		h = heap.New(file)
	} else {
		h = heap.Attach(file)
	}

	db := &DB{
		file:    file,
		heap:    h,
		regions: idtrie.New(file, h),
		live:    roaring.New(),
		guards:  make(map[uint32]*atomic.Int32),
		gens:    make(map[uint32]uint64),
		logger:  opts.logger.WithPath(path),
		metrics: opts.metrics,
	}
	db.regions.Walk(func(rec idtrie.Record) bool {
		db.live.Add(rec.ID)
		return true
	})
	return db, nil
}

// Unlink removes the filesystem entry at path. Handles already open on the
// file keep working until they are closed.
func Unlink(path string) error {
	return translateError(mmapfile.Unlink(path))
}

// Close flushes and unmaps the backing file. Store handles derived from the
// DB become unusable.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	if db.file.Writable() {
		if err := db.file.Sync(); err != nil {
			_ = db.file.Close()
			return translateError(err)
		}
	}
	return translateError(db.file.Close())
}

// Sync flushes the mapping to stable storage.
func (db *DB) Sync() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return translateError(db.file.Sync())
}

// Path returns the filesystem path of the backing file.
func (db *DB) Path() string { return db.file.Path() }

// Size returns the current mapped size in bytes.
func (db *DB) Size() int64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.file.Size()
}

// Snapshot copies the file's committed state, as of one consistent instant,
// to an independent new file at target. Writers are held off for the
// duration of the copy; readers are unaffected.
func (db *DB) Snapshot(target string) error {
	start := time.Now()
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	err := translateError(db.file.Snapshot(target))
	db.metrics.RecordSnapshot(time.Since(start), err)
	db.logger.LogSnapshot(target, err)
	return err
}

// WriteTo streams the file's committed state to w under the same exclusion
// as Snapshot. It implements io.WriterTo for archive export.
func (db *DB) WriteTo(w io.Writer) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, ErrClosed
	}
	n, err := db.file.WriteTo(w)
	return n, translateError(err)
}

// AllocateRegion reserves a fresh region for id. The region is unbound
// until the first typed OpenMap attaches to it.
func (db *DB) AllocateRegion(id uint32) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	err := db.allocateRegionLocked(id)
	db.logger.LogAllocate(id, err)
	return err
}

func (db *DB) allocateRegionLocked(id uint32) error {
	if db.closed {
		return ErrClosed
	}
	if !db.file.Writable() {
		return fmt.Errorf("%w: allocate on read-only file", ErrCapability)
	}
	if _, ok := db.regions.Lookup(id); ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	// Region allocation is visible to every mapper of the file, so the
	// critical section spans processes.
	if err := db.file.LockEx(); err != nil {
		return translateError(err)
	}
	defer db.file.Unlock()

	_, off, err := skiplist.Create(db.file, db.heap)
	if err != nil {
		return translateError(err)
	}
	if err := db.regions.Insert(id, idtrie.Record{Off: off, Size: skiplist.HeaderSize}); err != nil {
		db.heap.Free(off)
		return translateError(err)
	}
	db.file.SetRegionCount(db.file.RegionCount() + 1)
	db.live.Add(id)
	return nil
}

// DeallocateRegion releases id and returns the region's storage for reuse.
// The id may be allocated again afterwards.
func (db *DB) DeallocateRegion(id uint32) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if !db.file.Writable() {
		return fmt.Errorf("%w: deallocate on read-only file", ErrCapability)
	}
	rec, ok := db.regions.Lookup(id)
	if !ok {
		err := fmt.Errorf("%w: %d", ErrUnknownID, id)
		db.logger.LogDeallocate(id, 0, err)
		return err
	}
	if g := db.guardFor(id); g.Load() > 0 {
		return fmt.Errorf("%w: region %d", ErrIteratorActive, id)
	}

	if err := db.file.LockEx(); err != nil {
		return translateError(err)
	}
	defer db.file.Unlock()

	list := skiplist.Attach(db.file, db.heap, rec.Off)
	entries := list.Len()
	list.Drop()
	if _, err := db.regions.Remove(id); err != nil {
		return translateError(err)
	}
	db.file.SetRegionCount(db.file.RegionCount() - 1)
	db.live.Remove(id)

	// Invalidate every handle still attached to the old incarnation of this
	// id: the freed storage may be recycled by a later allocation.
	db.gens[id]++

	db.logger.LogDeallocate(id, entries, nil)
	return nil
}

// RegionIDs returns the ids of all currently allocated regions, ascending.
func (db *DB) RegionIDs() []uint32 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.live.ToArray()
}

// RegionInfo describes one allocated region.
type RegionInfo struct {
	ID       uint32
	Entries  uint64
	Kinds    string // "key/value" domains, or "unbound/unbound"
	ReadOnly bool
}

// Regions returns a description of every allocated region, ascending by id.
func (db *DB) Regions() []RegionInfo {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil
	}
	var infos []RegionInfo
	db.regions.Walk(func(rec idtrie.Record) bool {
		list := skiplist.Attach(db.file, db.heap, rec.Off)
		infos = append(infos, RegionInfo{
			ID:       rec.ID,
			Entries:  list.Len(),
			Kinds:    kindPairName(rec.Kind),
			ReadOnly: rec.Flags&idtrie.RecordFlagReadOnly != 0,
		})
		return true
	})
	return infos
}

// guardFor returns the iterator guard for a region. db.mu must be held.
func (db *DB) guardFor(id uint32) *atomic.Int32 {
	g, ok := db.guards[id]
	if !ok {
		g = new(atomic.Int32)
		db.guards[id] = g
	}
	return g
}
