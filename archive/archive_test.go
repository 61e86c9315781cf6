package archive_test

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacratic/dasdb"
	"github.com/datacratic/dasdb/archive"
	"github.com/datacratic/dasdb/blobstore"
)

func newSourceDB(t *testing.T) *dasdb.DB {
	t.Helper()
	db, err := dasdb.Open(filepath.Join(t.TempDir(), "src.das"), dasdb.Create())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.AllocateRegion(1))
	m, err := dasdb.OpenMap[string, string](db, 1)
	require.NoError(t, err)
	for _, kv := range [][2]string{{"alpha", "1"}, {"beta", "2"}, {"gamma", "3"}} {
		ok, err := m.Set(kv[0], kv[1])
		require.NoError(t, err)
		require.True(t, ok)
	}
	return db
}

func verifyRestored(t *testing.T, path string) {
	t.Helper()
	db, err := dasdb.Open(path)
	require.NoError(t, err)
	defer db.Close()

	m, err := dasdb.OpenMap[string, string](db, 1)
	require.NoError(t, err)
	n, err := m.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	val, found, err := m.Get("beta")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", val)
}

func TestExportImportRoundtrip(t *testing.T) {
	codecs := []archive.Codec{archive.CodecZstd, archive.CodecLZ4, archive.CodecNone}
	for _, codec := range codecs {
		t.Run(string(codec), func(t *testing.T) {
			db := newSourceDB(t)

			var buf bytes.Buffer
			m, err := archive.Export(&buf, db, func(o *archive.Options) { o.Codec = codec })
			require.NoError(t, err)
			assert.Equal(t, codec, m.Codec)
			assert.NotZero(t, m.ID)

			target := filepath.Join(t.TempDir(), "restored.das")
			got, err := archive.Import(bytes.NewReader(buf.Bytes()), target)
			require.NoError(t, err)
			assert.Equal(t, m.ID, got.ID)

			verifyRestored(t, target)
		})
	}
}

func TestCompressedArchiveIsSmaller(t *testing.T) {
	db := newSourceDB(t)

	var compressed, raw bytes.Buffer
	_, err := archive.Export(&compressed, db)
	require.NoError(t, err)
	_, err = archive.Export(&raw, db, func(o *archive.Options) { o.Codec = archive.CodecNone })
	require.NoError(t, err)

	// The image is mostly unused pages, so any real codec wins by a lot.
	assert.Less(t, compressed.Len(), raw.Len()/2)
}

func TestExportUnknownCodecFails(t *testing.T) {
	db := newSourceDB(t)
	_, err := archive.Export(&bytes.Buffer{}, db, func(o *archive.Options) { o.Codec = "snappy" })
	require.ErrorIs(t, err, archive.ErrUnknownCodec)
}

func TestImportRejectsForeignStream(t *testing.T) {
	_, err := archive.Import(strings.NewReader("definitely not an archive"), filepath.Join(t.TempDir(), "x.das"))
	require.ErrorIs(t, err, archive.ErrBadArchive)
}

func TestImportRejectsCorruptImage(t *testing.T) {
	db := newSourceDB(t)

	var buf bytes.Buffer
	_, err := archive.Export(&buf, db, func(o *archive.Options) { o.Codec = archive.CodecNone })
	require.NoError(t, err)

	// Flip a byte in the middle of the uncompressed image.
	data := buf.Bytes()
	data[len(data)/2] ^= 0xFF

	_, err = archive.Import(bytes.NewReader(data), filepath.Join(t.TempDir(), "x.das"))
	require.ErrorIs(t, err, archive.ErrBadArchive)
	var mismatch *archive.ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.NotEqual(t, mismatch.Expected, mismatch.Actual)
}

func TestImportRefusesExistingTarget(t *testing.T) {
	db := newSourceDB(t)

	var buf bytes.Buffer
	_, err := archive.Export(&buf, db)
	require.NoError(t, err)

	_, err = archive.Import(bytes.NewReader(buf.Bytes()), db.Path())
	require.Error(t, err)
}

func TestBlobRoundtrip(t *testing.T) {
	ctx := context.Background()
	db := newSourceDB(t)
	bs := blobstore.NewMemoryStore()

	m, err := archive.ExportToBlob(ctx, bs, "backups/daily", db)
	require.NoError(t, err)

	names, err := bs.List(ctx, "backups/")
	require.NoError(t, err)
	assert.Equal(t, []string{"backups/daily"}, names)

	target := filepath.Join(t.TempDir(), "restored.das")
	got, err := archive.ImportFromBlob(ctx, bs, "backups/daily", target)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)

	verifyRestored(t, target)
}
