package archive

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

// Import restores an archive into a fresh backing file at path. The target
// must not already exist. The decompressed image is staged in a temporary
// file, verified against the archive's checksum, and renamed into place, so
// a failed import leaves nothing behind.
func Import(r io.Reader, path string) (Manifest, error) {
	m, err := readHeader(r)
	if err != nil {
		return Manifest{}, err
	}
	cr, closeCodec, err := codecReader(r, m.Codec)
	if err != nil {
		return Manifest{}, err
	}
	defer closeCodec()

	if _, err := os.Stat(path); err == nil {
		return Manifest{}, fmt.Errorf("archive: import target %s already exists", path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".import-*")
	if err != nil {
		return Manifest{}, fmt.Errorf("archive: stage import: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, cr)
	if err != nil {
		return Manifest{}, fmt.Errorf("archive: decompress image: %w", err)
	}
	if size < int64(trailerSize) {
		return Manifest{}, fmt.Errorf("%w: truncated image", ErrBadArchive)
	}
	imageSize := size - int64(trailerSize)

	var trailer [16]byte
	if _, err := tmp.ReadAt(trailer[:], imageSize); err != nil {
		return Manifest{}, fmt.Errorf("archive: read trailer: %w", err)
	}
	if binary.LittleEndian.Uint32(trailer[0:]) != trailerMagic {
		return Manifest{}, fmt.Errorf("%w: missing trailer", ErrBadArchive)
	}
	wantCRC := binary.LittleEndian.Uint32(trailer[4:])
	wantSize := binary.LittleEndian.Uint64(trailer[8:])
	if wantSize != uint64(imageSize) {
		return Manifest{}, fmt.Errorf("%w: image size mismatch: trailer claims %d, have %d",
			ErrBadArchive, wantSize, imageSize)
	}

	crc := crc32.NewIEEE()
	if _, err := io.Copy(crc, io.NewSectionReader(tmp, 0, imageSize)); err != nil {
		return Manifest{}, fmt.Errorf("archive: verify image: %w", err)
	}
	if crc.Sum32() != wantCRC {
		return Manifest{}, &ChecksumMismatchError{Expected: wantCRC, Actual: crc.Sum32()}
	}

	var head [4]byte
	if _, err := tmp.ReadAt(head[:], 0); err != nil {
		return Manifest{}, fmt.Errorf("archive: read image head: %w", err)
	}
	if !imageValid(head[:]) {
		return Manifest{}, fmt.Errorf("%w: image is not a dasdb backing file", ErrBadArchive)
	}

	if err := tmp.Truncate(imageSize); err != nil {
		return Manifest{}, fmt.Errorf("archive: trim trailer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return Manifest{}, fmt.Errorf("archive: sync image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Manifest{}, fmt.Errorf("archive: close image: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Manifest{}, fmt.Errorf("archive: finalize %s: %w", path, err)
	}
	return m, nil
}
