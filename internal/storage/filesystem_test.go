package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/domain"
)

func newTestBackend(t *testing.T) *FilesystemBackend {
	t.Helper()

	dir := t.TempDir()
	backend, err := NewFilesystemBackend(config.StorageConfig{
		DataDir:       filepath.Join(dir, "blobs"),
		TempDir:       filepath.Join(dir, "temp"),
		HashAlgorithm: "sha256",
	}, zerolog.Nop())
	require.NoError(t, err)
	return backend
}

func TestFilesystemBackend_SpoolAndCommit(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	content := []byte("hello vault")
	sum := sha256.Sum256(content)
	wantDigest := hex.EncodeToString(sum[:])

	spool, err := backend.Spool(ctx, bytes.NewReader(content), 1024)
	require.NoError(t, err)
	require.Equal(t, wantDigest, spool.Digest())
	require.Equal(t, int64(len(content)), spool.Size())

	path, err := spool.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, backend.GetPath(wantDigest), path)

	// Committed bytes land under the two-level shard path.
	require.Contains(t, path, filepath.Join(wantDigest[0:2], wantDigest[2:4]))

	exists, err := backend.Exists(ctx, wantDigest)
	require.NoError(t, err)
	require.True(t, exists)

	rc, err := backend.Open(ctx, wantDigest)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestFilesystemBackend_CommitIsIdempotentPerDigest(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	content := []byte("same bytes twice")

	first, err := backend.Spool(ctx, bytes.NewReader(content), 1024)
	require.NoError(t, err)
	path1, err := first.Commit(ctx)
	require.NoError(t, err)

	// A second spool of the same content commits to the same path and
	// removes its temp file instead of failing.
	second, err := backend.Spool(ctx, bytes.NewReader(content), 1024)
	require.NoError(t, err)
	path2, err := second.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, path1, path2)

	stats, err := backend.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalBlobs)
	require.Equal(t, int64(0), stats.SpooledFiles)
}

func TestFilesystemBackend_SpoolOversize(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	_, err := backend.Spool(ctx, strings.NewReader(strings.Repeat("x", 101)), 100)
	require.ErrorIs(t, err, domain.ErrFileTooLarge)

	// Exactly at the limit is fine.
	spool, err := backend.Spool(ctx, strings.NewReader(strings.Repeat("x", 100)), 100)
	require.NoError(t, err)
	require.Equal(t, int64(100), spool.Size())
	require.NoError(t, spool.Discard())
}

func TestFilesystemBackend_SpoolEmpty(t *testing.T) {
	backend := newTestBackend(t)

	// Empty input spools fine; rejecting it is the caller's policy.
	spool, err := backend.Spool(context.Background(), bytes.NewReader(nil), 100)
	require.NoError(t, err)
	require.Equal(t, int64(0), spool.Size())
	require.NoError(t, spool.Discard())
}

func TestFilesystemBackend_DiscardRemovesSpool(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	spool, err := backend.Spool(ctx, strings.NewReader("short lived"), 1024)
	require.NoError(t, err)
	require.NoError(t, spool.Discard())

	stats, err := backend.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.SpooledFiles)
	require.Equal(t, int64(0), stats.TotalBlobs)

	// Discard after commit is a no-op.
	spool, err = backend.Spool(ctx, strings.NewReader("kept"), 1024)
	require.NoError(t, err)
	_, err = spool.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, spool.Discard())

	exists, err := backend.Exists(ctx, spool.Digest())
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemBackend_DeleteMissingIsNotAnError(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	digest := strings.Repeat("ab", 32)
	require.NoError(t, backend.Delete(ctx, digest))
}

func TestFilesystemBackend_Delete(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	spool, err := backend.Spool(ctx, strings.NewReader("doomed"), 1024)
	require.NoError(t, err)
	_, err = spool.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, backend.Delete(ctx, spool.Digest()))

	exists, err := backend.Exists(ctx, spool.Digest())
	require.NoError(t, err)
	require.False(t, exists)

	_, err = backend.Open(ctx, spool.Digest())
	require.ErrorIs(t, err, domain.ErrBlobNotFound)
}

func TestFilesystemBackend_CleanupSpools(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	// Leak two spools, as a crash between receive and commit would.
	for i := 0; i < 2; i++ {
		_, err := backend.Spool(ctx, strings.NewReader("leaked"), 1024)
		require.NoError(t, err)
	}

	// Young spools survive.
	removed, err := backend.CleanupSpools(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, removed)

	// Age them past the cutoff.
	entries, err := os.ReadDir(backend.tempDir)
	require.NoError(t, err)
	old := time.Now().Add(-2 * time.Hour)
	for _, entry := range entries {
		require.NoError(t, os.Chtimes(filepath.Join(backend.tempDir, entry.Name()), old, old))
	}

	removed, err = backend.CleanupSpools(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
}

func TestFilesystemBackend_Blake2b(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFilesystemBackend(config.StorageConfig{
		DataDir:       dir,
		HashAlgorithm: "blake2b",
	}, zerolog.Nop())
	require.NoError(t, err)

	spool, err := backend.Spool(context.Background(), strings.NewReader("content"), 1024)
	require.NoError(t, err)
	defer spool.Discard()

	// blake2b-256 digests are the same width as sha256 but differ from it.
	require.Len(t, spool.Digest(), 64)
	sum := sha256.Sum256([]byte("content"))
	require.NotEqual(t, hex.EncodeToString(sum[:]), spool.Digest())
}
