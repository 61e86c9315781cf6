package mmapfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Perm is the access mask a File handle is opened with.
type Perm uint8

const (
	// Read grants read access to store contents.
	Read Perm = 1 << 0
	// Write grants structural and content mutation.
	Write Perm = 1 << 1
	// ReadWrite grants both.
	ReadWrite = Read | Write
)

var (
	// ErrInvalidPerm indicates a permission mask outside {Read, Write, ReadWrite}.
	ErrInvalidPerm = errors.New("mmapfile: permission mask must be a non-empty subset of ReadWrite")
	// ErrClosed indicates use of a handle after Close.
	ErrClosed = errors.New("mmapfile: file is closed")
	// ErrReadOnly indicates a mutating operation on a handle opened without Write.
	ErrReadOnly = errors.New("mmapfile: file not opened for writing")
)

// File is one handle onto a memory-mapped backing file.
type File struct {
	f         *os.File
	path      string
	perm      Perm
	pageSize  int
	data      []byte
	closed    bool
	lockDepth int
}

type options struct {
	initialPages int
}

// Option configures Create and Open.
type Option func(*options)

// WithInitialPages sets the initial file size, in pages, for Create.
// Open ignores it. Values below 1 fall back to DefaultInitialPages.
func WithInitialPages(n int) Option {
	return func(o *options) {
		o.initialPages = n
	}
}

// Create creates or re-attaches to a backing file at path.
//
// A missing or empty file is initialized to the requested initial size
// (default 64 pages). An existing non-empty file must carry a recognizable
// header; anything else fails without producing a handle. The permission
// mask must include Write.
func Create(path string, perm Perm, optFns ...Option) (*File, error) {
	if err := checkPerm(perm); err != nil {
		return nil, err
	}
	if perm&Write == 0 {
		return nil, fmt.Errorf("%w: Create requires Write", ErrInvalidPerm)
	}

	opts := options{initialPages: DefaultInitialPages}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.initialPages < 1 {
		opts.initialPages = DefaultInitialPages
	}

	osf, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: create %s: %w", path, err)
	}
	st, err := osf.Stat()
	if err != nil {
		_ = osf.Close()
		return nil, fmt.Errorf("mmapfile: stat %s: %w", path, err)
	}

	f := &File{f: osf, path: path, perm: perm, pageSize: os.Getpagesize()}

	if st.Size() == 0 {
		size := int64(opts.initialPages) * int64(f.pageSize)
		if err := osf.Truncate(size); err != nil {
			_ = osf.Close()
			return nil, fmt.Errorf("mmapfile: truncate %s: %w", path, err)
		}
		if err := f.mapBytes(size); err != nil {
			_ = osf.Close()
			return nil, err
		}
		f.writeHeader(opts.initialPages)
		return f, nil
	}

	if err := f.mapBytes(st.Size()); err != nil {
		_ = osf.Close()
		return nil, err
	}
	if err := f.checkHeader(); err != nil {
		_ = f.unmap()
		_ = osf.Close()
		return nil, err
	}
	return f, nil
}

// Open attaches to an existing backing file at path. It fails if the path
// is absent or the file's layout is unrecognized.
func Open(path string, perm Perm, optFns ...Option) (*File, error) {
	if err := checkPerm(perm); err != nil {
		return nil, err
	}

	flag := os.O_RDONLY
	if perm&Write != 0 {
		flag = os.O_RDWR
	}
	osf, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: open %s: %w", path, err)
	}
	st, err := osf.Stat()
	if err != nil {
		_ = osf.Close()
		return nil, fmt.Errorf("mmapfile: stat %s: %w", path, err)
	}

	f := &File{f: osf, path: path, perm: perm, pageSize: os.Getpagesize()}
	if err := f.mapBytes(st.Size()); err != nil {
		_ = osf.Close()
		return nil, err
	}
	if err := f.checkHeader(); err != nil {
		_ = f.unmap()
		_ = osf.Close()
		return nil, err
	}
	return f, nil
}

func checkPerm(perm Perm) error {
	if perm == 0 || perm&^ReadWrite != 0 {
		return fmt.Errorf("%w: 0x%x", ErrInvalidPerm, uint8(perm))
	}
	return nil
}

func (f *File) mapBytes(size int64) error {
	if size <= 0 {
		return fmt.Errorf("%w: empty file", ErrTruncated)
	}
	prot := unix.PROT_READ
	if f.perm&Write != 0 {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmapfile: mmap %s: %w", f.path, err)
	}
	f.data = data
	return nil
}

func (f *File) unmap() error {
	if f.data == nil {
		return nil
	}
	err := unix.Munmap(f.data)
	f.data = nil
	return err
}

// Bytes returns the current mapping. The slice is invalidated by Grow and
// Close; callers must re-fetch it rather than retaining views.
func (f *File) Bytes() []byte { return f.data }

// Size returns the mapped size in bytes.
func (f *File) Size() int64 { return int64(len(f.data)) }

// PageSize returns the file's page size as recorded in its header.
func (f *File) PageSize() int { return f.pageSize }

// Path returns the filesystem path the handle was opened with.
func (f *File) Path() string { return f.path }

// Writable reports whether the handle was opened with Write permission.
func (f *File) Writable() bool { return f.perm&Write != 0 }

// Perm returns the permission mask the handle was opened with.
func (f *File) Perm() Perm { return f.perm }

// Grow extends the file and its mapping to at least newSize bytes, rounded
// up to whole pages. Existing offsets are never relocated; the mapping
// address may change. Growth is serialized across every mapper of the same
// file via an exclusive advisory lock.
func (f *File) Grow(newSize int64) error {
	if f.closed {
		return ErrClosed
	}
	if f.perm&Write == 0 {
		return ErrReadOnly
	}
	if newSize <= f.Size() {
		return nil
	}

	if err := f.LockEx(); err != nil {
		return err
	}
	defer f.Unlock()

	// Another mapper may have grown the file while we waited for the lock.
	st, err := f.f.Stat()
	if err != nil {
		return fmt.Errorf("mmapfile: stat %s: %w", f.path, err)
	}
	ps := int64(f.pageSize)
	target := (newSize + ps - 1) / ps * ps
	if st.Size() > target {
		target = st.Size()
	}
	if target > st.Size() {
		if err := f.f.Truncate(target); err != nil {
			return fmt.Errorf("mmapfile: grow %s to %d: %w", f.path, target, err)
		}
	}
	if err := f.unmap(); err != nil {
		return fmt.Errorf("mmapfile: unmap %s: %w", f.path, err)
	}
	if err := f.mapBytes(target); err != nil {
		return err
	}
	f.writePages(target / ps)
	return nil
}

func (f *File) writePages(pages int64) {
	binary.LittleEndian.PutUint64(f.data[headerSizeOff:], uint64(pages))
}

// Sync flushes the mapping to stable storage.
func (f *File) Sync() error {
	if f.closed {
		return ErrClosed
	}
	if f.perm&Write == 0 {
		return nil
	}
	if err := unix.Msync(f.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("mmapfile: msync %s: %w", f.path, err)
	}
	return nil
}

// Snapshot copies the file's current committed bytes to an independent new
// file at target. The copy happens under the file-scoped exclusive lock so
// it cannot interleave with growth or another mapper's snapshot. target
// must not already exist.
func (f *File) Snapshot(target string) error {
	if f.closed {
		return ErrClosed
	}
	if err := f.LockEx(); err != nil {
		return err
	}
	defer f.Unlock()

	if f.perm&Write != 0 {
		if err := unix.Msync(f.data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("mmapfile: msync %s: %w", f.path, err)
		}
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("mmapfile: snapshot %s: %w", target, err)
	}
	if _, err := out.Write(f.data); err != nil {
		_ = out.Close()
		_ = os.Remove(target)
		return fmt.Errorf("mmapfile: snapshot write %s: %w", target, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(target)
		return fmt.Errorf("mmapfile: snapshot sync %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("mmapfile: snapshot close %s: %w", target, err)
	}
	return nil
}

// WriteTo streams the file's current committed bytes to w under the
// file-scoped exclusive lock. It implements io.WriterTo for archive export.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if err := f.LockEx(); err != nil {
		return 0, err
	}
	defer f.Unlock()

	if f.perm&Write != 0 {
		if err := unix.Msync(f.data, unix.MS_SYNC); err != nil {
			return 0, fmt.Errorf("mmapfile: msync %s: %w", f.path, err)
		}
	}
	n, err := w.Write(f.data)
	return int64(n), err
}

// Close unmaps the file and closes the descriptor. The filesystem entry is
// untouched; see Unlink.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	errUnmap := f.unmap()
	errClose := f.f.Close()
	if errUnmap != nil {
		return fmt.Errorf("mmapfile: munmap %s: %w", f.path, errUnmap)
	}
	if errClose != nil {
		return fmt.Errorf("mmapfile: close %s: %w", f.path, errClose)
	}
	return nil
}

// Unlink removes the filesystem entry at path. Already-open mappings of the
// file remain valid until they are closed (POSIX deferred removal).
func Unlink(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("mmapfile: unlink %s: %w", path, err)
	}
	return nil
}

// LockEx takes the file-scoped exclusive advisory lock shared by every
// mapper of the same path. Growth, snapshot, and region allocation use it
// as their cross-process critical section. The lock is depth-counted so a
// growth triggered inside an already-locked section does not release it
// early; callers still serialize LockEx/Unlock pairs themselves.
func (f *File) LockEx() error {
	if f.lockDepth == 0 {
		if err := unix.Flock(int(f.f.Fd()), unix.LOCK_EX); err != nil {
			return fmt.Errorf("mmapfile: flock %s: %w", f.path, err)
		}
	}
	f.lockDepth++
	return nil
}

// Unlock releases the advisory lock taken by LockEx.
func (f *File) Unlock() {
	f.lockDepth--
	if f.lockDepth == 0 {
		_ = unix.Flock(int(f.f.Fd()), unix.LOCK_UN)
	}
}
