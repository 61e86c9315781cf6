package dasdb

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/datacratic/dasdb/internal/idtrie"
	"github.com/datacratic/dasdb/mmapfile"
)

var (
	// ErrInvalidArgument is returned for malformed modes, permission masks,
	// or store type mismatches.
	ErrInvalidArgument = errors.New("dasdb: invalid argument")

	// ErrDuplicateID is returned when allocating a region id that is already
	// allocated. The file remains usable.
	ErrDuplicateID = errors.New("dasdb: duplicate region id")

	// ErrUnknownID is returned when deallocating or attaching to a region id
	// that is not currently allocated.
	ErrUnknownID = errors.New("dasdb: unknown region id")

	// ErrIO wraps failures from the filesystem or the OS mapping layer.
	// The caller owns any retry policy.
	ErrIO = errors.New("dasdb: i/o failure")

	// ErrCapability is returned when mutating a read-only store or when the
	// file handle lacks the required permission. The operation has no effect.
	ErrCapability = errors.New("dasdb: capability not held")

	// ErrTxnConflict is returned by Commit when the transaction can no longer
	// apply, e.g. its region was deallocated after Begin. The transaction is
	// fully aborted.
	ErrTxnConflict = errors.New("dasdb: transaction conflict")

	// ErrTxnDone is returned when using a transaction after Commit or Abort.
	ErrTxnDone = errors.New("dasdb: transaction already finished")

	// ErrCorrupted is returned when a file's layout is unrecognized on open.
	// No handle is produced.
	ErrCorrupted = errors.New("dasdb: unrecognized file layout")

	// ErrClosed is returned when using a handle after Close.
	ErrClosed = errors.New("dasdb: database is closed")

	// ErrIteratorActive is returned when a structural mutation races an
	// in-progress traversal of the same store. Traverse a snapshot instead
	// if concurrent mutation is expected.
	ErrIteratorActive = errors.New("dasdb: store has an active iterator")
)

// StoreTypeError indicates that a region was bound with one key/value domain
// and later attached with another.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type StoreTypeError struct {
	ID   uint32
	Want string
	Got  string
}

func (e *StoreTypeError) Error() string {
	return fmt.Sprintf("store %d holds %s, attached as %s", e.ID, e.Want, e.Got)
}

func (e *StoreTypeError) Unwrap() error { return ErrInvalidArgument }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, mmapfile.ErrBadMagic),
		errors.Is(err, mmapfile.ErrBadVersion),
		errors.Is(err, mmapfile.ErrTruncated):
		return fmt.Errorf("%w: %w", ErrCorrupted, err)
	case errors.Is(err, mmapfile.ErrInvalidPerm):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	case errors.Is(err, mmapfile.ErrReadOnly):
		return fmt.Errorf("%w: %w", ErrCapability, err)
	case errors.Is(err, mmapfile.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, idtrie.ErrDuplicateID):
		return fmt.Errorf("%w: %w", ErrDuplicateID, err)
	case errors.Is(err, idtrie.ErrUnknownID):
		return fmt.Errorf("%w: %w", ErrUnknownID, err)
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return err
}
