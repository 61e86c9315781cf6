// Package archive streams a dasdb backing file into a compressed,
// self-describing image and back. An archive carries a header (format
// version, compression codec, snapshot id) followed by the compressed file
// image and an integrity trailer, so it can be stored offsite (see the
// blobstore helpers) and restored into a fresh backing file.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/datacratic/dasdb/mmapfile"
)

// Codec names the compression applied to the archived image.
type Codec string

const (
	// CodecZstd is the default codec.
	CodecZstd Codec = "zstd"
	// CodecLZ4 trades ratio for speed.
	CodecLZ4 Codec = "lz4"
	// CodecNone stores the image uncompressed.
	CodecNone Codec = "none"
)

var (
	archiveMagic   = [4]byte{'D', 'A', 'S', 'A'}
	archiveVersion = uint16(1)

	trailerMagic = uint32(0x44415354) // "DAST"
	trailerSize  = 16
)

var (
	// ErrBadArchive indicates the stream is not a dasdb archive or its
	// image fails validation.
	ErrBadArchive = errors.New("archive: not a valid dasdb archive")
	// ErrUnknownCodec indicates a codec name this build cannot decode.
	ErrUnknownCodec = errors.New("archive: unknown codec")
)

// ChecksumMismatchError reports a corrupt archived image.
type ChecksumMismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("archive: checksum mismatch: expected %08x, got %08x", e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Unwrap() error { return ErrBadArchive }

// Manifest describes one archive.
type Manifest struct {
	ID    uuid.UUID
	Codec Codec
}

// Options configures Export.
type Options struct {
	Codec Codec
}

func writeHeader(w io.Writer, m Manifest) error {
	name := []byte(m.Codec)
	buf := make([]byte, 0, 4+2+1+len(name)+16)
	buf = append(buf, archiveMagic[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, archiveVersion)
	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)
	buf = append(buf, m.ID[:]...)
	_, err := w.Write(buf)
	return err
}

func readHeader(r io.Reader) (Manifest, error) {
	var fixed [7]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Manifest{}, fmt.Errorf("%w: short header: %w", ErrBadArchive, err)
	}
	if [4]byte(fixed[:4]) != archiveMagic {
		return Manifest{}, fmt.Errorf("%w: bad magic", ErrBadArchive)
	}
	if v := binary.LittleEndian.Uint16(fixed[4:6]); v != archiveVersion {
		return Manifest{}, fmt.Errorf("%w: unsupported version %d", ErrBadArchive, v)
	}
	name := make([]byte, fixed[6])
	if _, err := io.ReadFull(r, name); err != nil {
		return Manifest{}, fmt.Errorf("%w: short header: %w", ErrBadArchive, err)
	}
	var m Manifest
	if _, err := io.ReadFull(r, m.ID[:]); err != nil {
		return Manifest{}, fmt.Errorf("%w: short header: %w", ErrBadArchive, err)
	}
	m.Codec = Codec(name)
	return m, nil
}

// Export writes src's bytes as an archive to w and returns its manifest.
// src is typically a *dasdb.DB, whose WriteTo streams a consistent image of
// the committed state.
func Export(w io.Writer, src io.WriterTo, optFns ...func(*Options)) (Manifest, error) {
	opts := Options{Codec: CodecZstd}
	for _, fn := range optFns {
		fn(&opts)
	}

	m := Manifest{ID: uuid.New(), Codec: opts.Codec}
	if err := writeHeader(w, m); err != nil {
		return Manifest{}, fmt.Errorf("archive: write header: %w", err)
	}

	cw, closeCodec, err := codecWriter(w, opts.Codec)
	if err != nil {
		return Manifest{}, err
	}

	crc := crc32.NewIEEE()
	n, err := src.WriteTo(io.MultiWriter(cw, crc))
	if err != nil {
		return Manifest{}, fmt.Errorf("archive: export image: %w", err)
	}

	var trailer [16]byte
	binary.LittleEndian.PutUint32(trailer[0:], trailerMagic)
	binary.LittleEndian.PutUint32(trailer[4:], crc.Sum32())
	binary.LittleEndian.PutUint64(trailer[8:], uint64(n))
	if _, err := cw.Write(trailer[:]); err != nil {
		return Manifest{}, fmt.Errorf("archive: write trailer: %w", err)
	}
	if err := closeCodec(); err != nil {
		return Manifest{}, fmt.Errorf("archive: finish %s stream: %w", opts.Codec, err)
	}
	return m, nil
}

func codecWriter(w io.Writer, c Codec) (io.Writer, func() error, error) {
	switch c {
	case CodecZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: zstd writer: %w", err)
		}
		return zw, zw.Close, nil
	case CodecLZ4:
		lw := lz4.NewWriter(w)
		return lw, lw.Close, nil
	case CodecNone:
		return w, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownCodec, c)
	}
}

func codecReader(r io.Reader, c Codec) (io.Reader, func(), error) {
	switch c {
	case CodecZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: zstd reader: %w", err)
		}
		return zr.IOReadCloser(), zr.Close, nil
	case CodecLZ4:
		return lz4.NewReader(r), func() {}, nil
	case CodecNone:
		return r, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownCodec, c)
	}
}

// imageValid does a cheap sanity check that the restored bytes start with a
// dasdb backing-file header.
func imageValid(head []byte) bool {
	return len(head) >= 4 && binary.LittleEndian.Uint32(head) == mmapfile.MagicNumber
}
