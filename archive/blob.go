package archive

import (
	"context"
	"io"

	"github.com/datacratic/dasdb/blobstore"
)

// ExportToBlob streams an archive of src into the blob store under name.
// A failed export aborts the blob so nothing half-written becomes visible.
func ExportToBlob(ctx context.Context, bs blobstore.BlobStore, name string, src io.WriterTo, optFns ...func(*Options)) (Manifest, error) {
	w, err := bs.Create(ctx, name)
	if err != nil {
		return Manifest{}, err
	}
	m, err := Export(w, src, optFns...)
	if err != nil {
		_ = w.Abort()
		return Manifest{}, err
	}
	if err := w.Close(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ImportFromBlob restores the archive stored under name into a fresh
// backing file at path.
func ImportFromBlob(ctx context.Context, bs blobstore.BlobStore, name, path string) (Manifest, error) {
	r, err := bs.Open(ctx, name)
	if err != nil {
		return Manifest{}, err
	}
	defer r.Close()
	return Import(r, path)
}
