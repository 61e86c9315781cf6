package mmapfile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MagicNumber identifies dasdb backing files (ASCII: "DASB").
	MagicNumber = 0x44415342
	// FormatVersion is the current backing-file layout version (v1.0).
	FormatVersion = 0x00010000

	// HeaderPages is the number of pages reserved at the start of the file
	// for the header. The heap hands out offsets strictly above it.
	HeaderPages = 1

	// DefaultInitialPages is the size of a freshly created file.
	DefaultInitialPages = 64

	headerMagicOff    = 0
	headerVersionOff  = 4
	headerPageSizeOff = 8
	headerSizeOff     = 16 // file size in pages, uint64
	headerRegionOff   = 24 // region trie root, uint64 relative offset
	headerCountOff    = 32 // live region count, uint64

	// HeapStateOff and HeapStateLen bound the slice of the header page
	// reserved for the in-file block allocator's persistent state.
	HeapStateOff = 40
	HeapStateLen = 96

	headerMinLen = HeapStateOff + HeapStateLen
)

var (
	// ErrBadMagic indicates the file does not start with a dasdb header.
	ErrBadMagic = errors.New("mmapfile: bad magic number")
	// ErrBadVersion indicates an unsupported backing-file layout version.
	ErrBadVersion = errors.New("mmapfile: unsupported format version")
	// ErrTruncated indicates the file is shorter than its header claims.
	ErrTruncated = errors.New("mmapfile: file shorter than header size")
)

func (f *File) writeHeader(initialPages int) {
	b := f.data
	binary.LittleEndian.PutUint32(b[headerMagicOff:], MagicNumber)
	binary.LittleEndian.PutUint32(b[headerVersionOff:], FormatVersion)
	binary.LittleEndian.PutUint32(b[headerPageSizeOff:], uint32(f.pageSize))
	binary.LittleEndian.PutUint64(b[headerSizeOff:], uint64(initialPages))
}

func (f *File) checkHeader() error {
	b := f.data
	if len(b) < headerMinLen {
		return fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}
	if magic := binary.LittleEndian.Uint32(b[headerMagicOff:]); magic != MagicNumber {
		return fmt.Errorf("%w: 0x%08x", ErrBadMagic, magic)
	}
	if v := binary.LittleEndian.Uint32(b[headerVersionOff:]); v != FormatVersion {
		return fmt.Errorf("%w: 0x%08x", ErrBadVersion, v)
	}
	ps := binary.LittleEndian.Uint32(b[headerPageSizeOff:])
	if ps == 0 || ps&(ps-1) != 0 {
		return fmt.Errorf("mmapfile: invalid page size %d: %w", ps, ErrBadVersion)
	}
	f.pageSize = int(ps)
	pages := binary.LittleEndian.Uint64(b[headerSizeOff:])
	if uint64(len(b)) < pages*uint64(ps) {
		return fmt.Errorf("%w: have %d bytes, header claims %d pages", ErrTruncated, len(b), pages)
	}
	return nil
}

// RegionRoot returns the relative offset of the region table's root node,
// or 0 if no region has ever been allocated.
func (f *File) RegionRoot() uint64 {
	return binary.LittleEndian.Uint64(f.data[headerRegionOff:])
}

// SetRegionRoot records the region table's root node offset in the header.
// The file must be writable.
func (f *File) SetRegionRoot(off uint64) {
	binary.LittleEndian.PutUint64(f.data[headerRegionOff:], off)
}

// RegionCount returns the number of currently allocated regions.
func (f *File) RegionCount() uint64 {
	return binary.LittleEndian.Uint64(f.data[headerCountOff:])
}

// SetRegionCount records the number of currently allocated regions.
// The file must be writable.
func (f *File) SetRegionCount(n uint64) {
	binary.LittleEndian.PutUint64(f.data[headerCountOff:], n)
}

// HeapState returns the mutable header slice that persists the block
// allocator's state. The slice aliases the mapping and is invalidated by
// Grow.
func (f *File) HeapState() []byte {
	return f.data[HeapStateOff : HeapStateOff+HeapStateLen]
}
