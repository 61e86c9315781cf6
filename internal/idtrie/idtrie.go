// Package idtrie implements the persistent region table: a nibble trie over
// 32-bit region ids, stored entirely inside the mapped backing file. Every
// pointer is a relative offset, so growth or remapping of the file never
// invalidates the structure. Lookup, insert, and remove walk at most eight
// nodes regardless of how many regions are live.
package idtrie

import (
	"encoding/binary"
	"errors"

	"github.com/datacratic/dasdb/internal/heap"
)

var (
	// ErrDuplicateID is returned when inserting an id that is already allocated.
	ErrDuplicateID = errors.New("idtrie: region id already allocated")
	// ErrUnknownID is returned when removing or updating an id that is not allocated.
	ErrUnknownID = errors.New("idtrie: region id not allocated")
)

// Mem is the slice of backing-file behavior the trie needs.
// *mmapfile.File satisfies it.
type Mem interface {
	Bytes() []byte
	RegionRoot() uint64
	SetRegionRoot(uint64)
}

const (
	fanout   = 16
	depth    = 8 // 8 nibbles cover a 32-bit id
	nodeSize = fanout * 8

	recSize     = 24
	recOffOff   = 0
	recSizeOff  = 8
	recIDOff    = 12
	recKindOff  = 16
	recFlagsOff = 18
)

// Record describes one allocated region.
type Record struct {
	Off   uint64 // store header offset inside the file
	Size  uint32 // store header size in bytes
	ID    uint32
	Kind  uint16 // key/value domain tag; 0 until a typed store binds
	Flags uint16
}

// RecordFlagReadOnly marks a region holding an immutable snapshot store.
const RecordFlagReadOnly uint16 = 1 << 0

// Trie is a handle onto the region table of one backing file.
type Trie struct {
	mem  Mem
	heap *heap.Heap
}

// New attaches to the region table of mem. A file with no regions has a
// zero root; the first Insert creates it.
func New(mem Mem, h *heap.Heap) *Trie {
	return &Trie{mem: mem, heap: h}
}

func nibble(id uint32, level int) int {
	return int(id>>(28-4*level)) & 0xF
}

func (t *Trie) child(node uint64, slot int) uint64 {
	return binary.LittleEndian.Uint64(t.mem.Bytes()[node+uint64(8*slot):])
}

func (t *Trie) setChild(node uint64, slot int, off uint64) {
	binary.LittleEndian.PutUint64(t.mem.Bytes()[node+uint64(8*slot):], off)
}

func (t *Trie) readRecord(off uint64) Record {
	b := t.mem.Bytes()[off:]
	return Record{
		Off:   binary.LittleEndian.Uint64(b[recOffOff:]),
		Size:  binary.LittleEndian.Uint32(b[recSizeOff:]),
		ID:    binary.LittleEndian.Uint32(b[recIDOff:]),
		Kind:  binary.LittleEndian.Uint16(b[recKindOff:]),
		Flags: binary.LittleEndian.Uint16(b[recFlagsOff:]),
	}
}

func (t *Trie) writeRecord(off uint64, rec Record) {
	b := t.mem.Bytes()[off:]
	binary.LittleEndian.PutUint64(b[recOffOff:], rec.Off)
	binary.LittleEndian.PutUint32(b[recSizeOff:], rec.Size)
	binary.LittleEndian.PutUint32(b[recIDOff:], rec.ID)
	binary.LittleEndian.PutUint16(b[recKindOff:], rec.Kind)
	binary.LittleEndian.PutUint16(b[recFlagsOff:], rec.Flags)
}

// Insert allocates a trie path for id and stores rec at its leaf. It fails
// with ErrDuplicateID if the id is live.
func (t *Trie) Insert(id uint32, rec Record) error {
	root := t.mem.RegionRoot()
	if root == 0 {
		off, err := t.heap.Alloc(nodeSize)
		if err != nil {
			return err
		}
		t.mem.SetRegionRoot(off)
		root = off
	}

	node := root
	for level := 0; level < depth-1; level++ {
		slot := nibble(id, level)
		next := t.child(node, slot)
		if next == 0 {
			off, err := t.heap.Alloc(nodeSize)
			if err != nil {
				return err
			}
			t.setChild(node, slot, off)
			next = off
		}
		node = next
	}

	slot := nibble(id, depth-1)
	if t.child(node, slot) != 0 {
		return ErrDuplicateID
	}
	recOff, err := t.heap.Alloc(recSize)
	if err != nil {
		return err
	}
	rec.ID = id
	t.writeRecord(recOff, rec)
	t.setChild(node, slot, recOff)
	return nil
}

// Lookup returns the record for id, if allocated.
func (t *Trie) Lookup(id uint32) (Record, bool) {
	off := t.leaf(id)
	if off == 0 {
		return Record{}, false
	}
	return t.readRecord(off), true
}

// Update rewrites the record for an allocated id in place.
func (t *Trie) Update(id uint32, rec Record) error {
	off := t.leaf(id)
	if off == 0 {
		return ErrUnknownID
	}
	rec.ID = id
	t.writeRecord(off, rec)
	return nil
}

// Remove deletes id from the table and returns its final record. Interior
// nodes are kept for reuse; only the leaf record is freed.
func (t *Trie) Remove(id uint32) (Record, error) {
	node := t.mem.RegionRoot()
	if node == 0 {
		return Record{}, ErrUnknownID
	}
	for level := 0; level < depth-1; level++ {
		node = t.child(node, nibble(id, level))
		if node == 0 {
			return Record{}, ErrUnknownID
		}
	}
	slot := nibble(id, depth-1)
	recOff := t.child(node, slot)
	if recOff == 0 {
		return Record{}, ErrUnknownID
	}
	rec := t.readRecord(recOff)
	t.setChild(node, slot, 0)
	t.heap.Free(recOff)
	return rec, nil
}

func (t *Trie) leaf(id uint32) uint64 {
	node := t.mem.RegionRoot()
	if node == 0 {
		return 0
	}
	for level := 0; level < depth-1; level++ {
		node = t.child(node, nibble(id, level))
		if node == 0 {
			return 0
		}
	}
	return t.child(node, nibble(id, depth-1))
}

// Walk visits every live record in ascending id order until fn returns false.
func (t *Trie) Walk(fn func(Record) bool) {
	root := t.mem.RegionRoot()
	if root == 0 {
		return
	}
	t.walk(root, 0, fn)
}

func (t *Trie) walk(node uint64, level int, fn func(Record) bool) bool {
	for slot := 0; slot < fanout; slot++ {
		off := t.child(node, slot)
		if off == 0 {
			continue
		}
		if level == depth-1 {
			if !fn(t.readRecord(off)) {
				return false
			}
		} else if !t.walk(off, level+1, fn) {
			return false
		}
	}
	return true
}
