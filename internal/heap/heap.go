// Package heap implements a size-classed block allocator over a memory-mapped
// backing file. Every block it hands out is identified by a relative offset,
// so the mapping can be grown or remapped without invalidating references.
//
// Layout: each block starts with an 8-byte size header followed by the
// caller-visible payload. Free blocks keep a singly-linked free list, one per
// size class, threaded through their payload bytes. The allocator's roots
// (bump pointer and free-list heads) live in a reserved slice of the file
// header so the structure survives reopen.
package heap

import (
	"encoding/binary"
	"fmt"
)

// Mem is the slice of backing-file behavior the allocator needs.
// *mmapfile.File satisfies it.
type Mem interface {
	// Bytes returns the current mapping. Invalidated by Grow.
	Bytes() []byte
	// Grow extends the mapping to at least newSize bytes.
	Grow(newSize int64) error
	// PageSize returns the backing file's page size.
	PageSize() int
	// HeapState returns the header slice holding the allocator roots.
	HeapState() []byte
}

const (
	blockHeaderSize = 8
	minBlockSize    = 32
	align           = 16

	// Size classes double from 32 bytes to 16 KiB; anything larger goes on
	// the huge list, first fit.
	numClasses = 10
	hugeClass  = numClasses

	stateNextOff  = 0
	stateHeadsOff = 8
)

var classSizes = [numClasses]int{32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384}

// Heap allocates and frees blocks inside a Mem.
type Heap struct {
	mem Mem
}

// New attaches an allocator to mem, initializing the persistent state on
// first use of a fresh file. The mapping must be writable.
func New(mem Mem) *Heap {
	h := &Heap{mem: mem}
	if h.next() == 0 {
		// Fresh file: the heap starts after the header page.
		h.setNext(uint64(mem.PageSize()))
	}
	return h
}

// Attach wraps an already-initialized heap without writing to the mapping.
// Use it for read-only handles; Alloc and Free must not be called on a
// read-only mapping.
func Attach(mem Mem) *Heap {
	return &Heap{mem: mem}
}

func (h *Heap) next() uint64 {
	return binary.LittleEndian.Uint64(h.mem.HeapState()[stateNextOff:])
}

func (h *Heap) setNext(v uint64) {
	binary.LittleEndian.PutUint64(h.mem.HeapState()[stateNextOff:], v)
}

func (h *Heap) head(class int) uint64 {
	return binary.LittleEndian.Uint64(h.mem.HeapState()[stateHeadsOff+8*class:])
}

func (h *Heap) setHead(class int, v uint64) {
	binary.LittleEndian.PutUint64(h.mem.HeapState()[stateHeadsOff+8*class:], v)
}

func classFor(size int) int {
	for i, cs := range classSizes {
		if size <= cs {
			return i
		}
	}
	return hugeClass
}

// Alloc returns the relative offset of a zeroed payload of at least n bytes.
// It grows the backing file as needed.
func (h *Heap) Alloc(n int) (uint64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("heap: invalid allocation size %d", n)
	}
	total := n + blockHeaderSize
	if total < minBlockSize {
		total = minBlockSize
	}
	total = (total + align - 1) &^ (align - 1)

	class := classFor(total)
	if class < numClasses {
		total = classSizes[class]
		if b := h.head(class); b != 0 {
			h.setHead(class, h.link(b))
			h.reuse(b, total)
			return b + blockHeaderSize, nil
		}
	} else if b := h.takeHuge(total); b != 0 {
		size := h.blockSize(b)
		h.reuse(b, int(size))
		return b + blockHeaderSize, nil
	}

	b := h.next()
	end := b + uint64(total)
	if end > uint64(len(h.mem.Bytes())) {
		grown := uint64(len(h.mem.Bytes())) + uint64(len(h.mem.Bytes()))/4
		if grown < end {
			grown = end
		}
		if err := h.mem.Grow(int64(grown)); err != nil {
			return 0, err
		}
	}
	h.setNext(end)
	binary.LittleEndian.PutUint64(h.mem.Bytes()[b:], uint64(total))
	return b + blockHeaderSize, nil
}

// Free returns the payload at off to the allocator for reuse.
func (h *Heap) Free(off uint64) {
	b := off - blockHeaderSize
	size := h.blockSize(b)
	class := classFor(int(size))
	h.setLink(b, h.head(class))
	h.setHead(class, b)
}

// blockSize reads the total block size (header included) at block start b.
func (h *Heap) blockSize(b uint64) uint64 {
	return binary.LittleEndian.Uint64(h.mem.Bytes()[b:])
}

// link reads the free-list successor threaded through a free block's payload.
func (h *Heap) link(b uint64) uint64 {
	return binary.LittleEndian.Uint64(h.mem.Bytes()[b+blockHeaderSize:])
}

func (h *Heap) setLink(b, next uint64) {
	binary.LittleEndian.PutUint64(h.mem.Bytes()[b+blockHeaderSize:], next)
}

// takeHuge removes and returns the first huge block of at least total bytes,
// or 0 if none fits.
func (h *Heap) takeHuge(total int) uint64 {
	prev := uint64(0)
	for b := h.head(hugeClass); b != 0; b = h.link(b) {
		if h.blockSize(b) >= uint64(total) {
			if prev == 0 {
				h.setHead(hugeClass, h.link(b))
			} else {
				h.setLink(prev, h.link(b))
			}
			return b
		}
		prev = b
	}
	return 0
}

// reuse rewrites the size header and zeroes the payload of a recycled block.
func (h *Heap) reuse(b uint64, total int) {
	data := h.mem.Bytes()
	binary.LittleEndian.PutUint64(data[b:], uint64(total))
	payload := data[b+blockHeaderSize : b+uint64(total)]
	for i := range payload {
		payload[i] = 0
	}
}
