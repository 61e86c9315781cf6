// Package blobstore abstracts where exported archives are kept: local disk,
// memory (tests), or S3-compatible object storage via the minio subpackage.
//
// Blobs are written through a streaming WritableBlob whose Close finalizes
// the object; a blob is never observable half-written.
package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// BlobStore is an abstraction for storing and retrieving immutable archives.
type BlobStore interface {
	// Open opens an existing blob for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// Create creates a blob for streaming writes. The blob becomes visible
	// atomically when Close returns nil.
	Create(ctx context.Context, name string) (WritableBlob, error)

	// Delete removes a blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns all blob names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a stored archive.
type Blob interface {
	io.ReadCloser
	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a streaming write handle. Abort discards a partially
// written blob; calling it after a successful Close is a no-op.
type WritableBlob interface {
	io.WriteCloser
	Abort() error
}
