// Package skiplist implements the ordered byte-keyed map that backs every
// store region: a skip list laid out inside the memory-mapped backing file.
//
// All links are relative offsets into the mapping, never addresses, so the
// file can grow or remap freely. Keys are compared as raw bytes; callers
// encode their domains so that byte order equals the domain's total order
// (uint64 keys are big-endian for exactly this reason).
//
// Layout. The list header is a fixed block holding the entry count and one
// forward pointer per level. Each node stores its key/value lengths, its
// level, the per-level forward pointers, and then the key and value bytes
// inline:
//
//	header: count u64 | reserved u64 | next[maxLevel] u64
//	node:   keyLen u32 | valLen u32 | level u8 | pad[7] | next[level] u64 | key | value
//
// Because the header's and each node's pointer arrays are both contiguous by
// level, the search loop can step down a level by moving one cell back,
// regardless of whether the current predecessor is the header or a node.
package skiplist

import (
	"bytes"
	"encoding/binary"
	"math/bits"
	"time"

	"github.com/datacratic/dasdb/internal/heap"
)

// Mem is the slice of backing-file behavior the list needs.
// *mmapfile.File satisfies it.
type Mem interface {
	Bytes() []byte
}

const (
	maxLevel = 16

	headerCountOff = 0
	headerNextOff  = 16
	// HeaderSize is the size of the fixed list header block.
	HeaderSize = headerNextOff + 8*maxLevel

	nodeKeyLenOff = 0
	nodeValLenOff = 4
	nodeLevelOff  = 8
	nodeNextOff   = 16
)

// List is a handle onto one skip list inside a backing file.
type List struct {
	mem  Mem
	heap *heap.Heap
	off  uint64 // header offset
	rng  uint64
}

// Create allocates an empty list and returns a handle plus the header offset
// to record in the owning region.
func Create(mem Mem, h *heap.Heap) (*List, uint64, error) {
	off, err := h.Alloc(HeaderSize)
	if err != nil {
		return nil, 0, err
	}
	return Attach(mem, h, off), off, nil
}

// Attach wraps an existing list whose header lives at off.
func Attach(mem Mem, h *heap.Heap, off uint64) *List {
	return &List{
		mem:  mem,
		heap: h,
		off:  off,
		rng:  uint64(time.Now().UnixNano()) | 1,
	}
}

// Off returns the header offset the list was attached at.
func (l *List) Off() uint64 { return l.off }

// Len returns the number of entries.
func (l *List) Len() uint64 {
	return binary.LittleEndian.Uint64(l.mem.Bytes()[l.off+headerCountOff:])
}

func (l *List) setLen(n uint64) {
	binary.LittleEndian.PutUint64(l.mem.Bytes()[l.off+headerCountOff:], n)
}

func (l *List) cell(off uint64) uint64 {
	return binary.LittleEndian.Uint64(l.mem.Bytes()[off:])
}

func (l *List) setCell(off, v uint64) {
	binary.LittleEndian.PutUint64(l.mem.Bytes()[off:], v)
}

func (l *List) nodeLevel(node uint64) int {
	return int(l.mem.Bytes()[node+nodeLevelOff])
}

// Key returns a view of the node's key. The slice aliases the mapping and is
// invalidated by any operation that can grow the file.
func (l *List) Key(node uint64) []byte {
	b := l.mem.Bytes()
	keyLen := binary.LittleEndian.Uint32(b[node+nodeKeyLenOff:])
	start := node + nodeNextOff + 8*uint64(l.nodeLevel(node))
	return b[start : start+uint64(keyLen)]
}

// Value returns a view of the node's value, with the same aliasing caveat
// as Key.
func (l *List) Value(node uint64) []byte {
	b := l.mem.Bytes()
	keyLen := binary.LittleEndian.Uint32(b[node+nodeKeyLenOff:])
	valLen := binary.LittleEndian.Uint32(b[node+nodeValLenOff:])
	start := node + nodeNextOff + 8*uint64(l.nodeLevel(node)) + uint64(keyLen)
	return b[start : start+uint64(valLen)]
}

// findCells locates, for every level, the pointer cell whose successor is
// the first node with key >= the search key. It returns the matching node
// offset, or 0 if the key is absent.
func (l *List) findCells(key []byte) (cells [maxLevel]uint64, found uint64) {
	cell := l.off + headerNextOff + 8*(maxLevel-1)
	for level := maxLevel - 1; level >= 0; level-- {
		for {
			nxt := l.cell(cell)
			if nxt == 0 || bytes.Compare(l.Key(nxt), key) >= 0 {
				break
			}
			cell = nxt + nodeNextOff + 8*uint64(level)
		}
		cells[level] = cell
		if level > 0 {
			cell -= 8
		}
	}
	if nxt := l.cell(cells[0]); nxt != 0 && bytes.Equal(l.Key(nxt), key) {
		found = nxt
	}
	return cells, found
}

// Get returns a view of the value stored under key.
func (l *List) Get(key []byte) ([]byte, bool) {
	_, found := l.findCells(key)
	if found == 0 {
		return nil, false
	}
	return l.Value(found), true
}

// Contains reports whether key is present.
func (l *List) Contains(key []byte) bool {
	_, found := l.findCells(key)
	return found != 0
}

func (l *List) randLevel() int {
	x := l.rng
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	l.rng = x
	// p = 1/4 per extra level.
	level := 1 + bits.TrailingZeros64(x)/2
	if level > maxLevel {
		level = maxLevel
	}
	return level
}

// Insert adds key/value if the key is absent and reports whether it did.
// An existing key is left untouched, value included.
func (l *List) Insert(key, value []byte) (bool, error) {
	level := l.randLevel()
	size := nodeNextOff + 8*level + len(key) + len(value)

	// Allocate before searching: allocation can grow and remap the file,
	// which would invalidate any offsets gathered by the search.
	node, err := l.heap.Alloc(size)
	if err != nil {
		return false, err
	}

	b := l.mem.Bytes()
	binary.LittleEndian.PutUint32(b[node+nodeKeyLenOff:], uint32(len(key)))
	binary.LittleEndian.PutUint32(b[node+nodeValLenOff:], uint32(len(value)))
	b[node+nodeLevelOff] = byte(level)
	dataStart := node + nodeNextOff + 8*uint64(level)
	copy(b[dataStart:], key)
	copy(b[dataStart+uint64(len(key)):], value)

	cells, found := l.findCells(key)
	if found != 0 {
		l.heap.Free(node)
		return false, nil
	}
	for i := 0; i < level; i++ {
		l.setCell(node+nodeNextOff+8*uint64(i), l.cell(cells[i]))
		l.setCell(cells[i], node)
	}
	l.setLen(l.Len() + 1)
	return true, nil
}

// Delete removes key and reports whether it was present.
func (l *List) Delete(key []byte) bool {
	cells, found := l.findCells(key)
	if found == 0 {
		return false
	}
	level := l.nodeLevel(found)
	for i := 0; i < level; i++ {
		if l.cell(cells[i]) == found {
			l.setCell(cells[i], l.cell(found+nodeNextOff+8*uint64(i)))
		}
	}
	l.heap.Free(found)
	l.setLen(l.Len() - 1)
	return true
}

// Clear removes every entry and returns their storage to the allocator.
func (l *List) Clear() {
	var nodes []uint64
	for node := l.First(); node != 0; node = l.Next(node) {
		nodes = append(nodes, node)
	}
	for i := 0; i < maxLevel; i++ {
		l.setCell(l.off+headerNextOff+8*uint64(i), 0)
	}
	l.setLen(0)
	for _, node := range nodes {
		l.heap.Free(node)
	}
}

// Drop clears the list and frees its header. The handle must not be used
// afterwards.
func (l *List) Drop() {
	l.Clear()
	l.heap.Free(l.off)
}

// First returns the offset of the smallest-keyed node, or 0 when empty.
func (l *List) First() uint64 {
	return l.cell(l.off + headerNextOff)
}

// Seek returns the offset of the first node with key >= key, or 0.
func (l *List) Seek(key []byte) uint64 {
	cells, _ := l.findCells(key)
	return l.cell(cells[0])
}

// Next returns the level-0 successor of node, or 0 at the end.
func (l *List) Next(node uint64) uint64 {
	return l.cell(node + nodeNextOff)
}
