package service

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/domain"
	"github.com/filevault/filevault/internal/lock"
	"github.com/filevault/filevault/internal/repository"
	"github.com/filevault/filevault/internal/repository/sqlite"
	"github.com/filevault/filevault/internal/storage"
)

type gcEnv struct {
	repos   *repository.Repositories
	backend storage.Backend
}

func newGCEnv(t *testing.T) *gcEnv {
	t.Helper()

	ctx := context.Background()
	db, err := sqlite.NewDB(ctx, sqlite.DefaultConfig(":memory:"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	dir := t.TempDir()
	backend, err := storage.NewFilesystemBackend(config.StorageConfig{
		DataDir:       filepath.Join(dir, "blobs"),
		TempDir:       filepath.Join(dir, "temp"),
		HashAlgorithm: "sha256",
	}, zerolog.Nop())
	require.NoError(t, err)

	return &gcEnv{repos: sqlite.NewRepositories(db), backend: backend}
}

func (e *gcEnv) collector(cfg GCConfig) *GarbageCollector {
	return NewGarbageCollector(e.repos.Blob, e.backend, lock.NewMemoryLocker(), nil, nil, zerolog.Nop(), cfg)
}

// leavePendingReclaim manufactures the state a crash between marking and
// deleting leaves behind: committed bytes plus a pending_reclaim record.
func (e *gcEnv) leavePendingReclaim(t *testing.T, content string) string {
	t.Helper()
	ctx := context.Background()

	spool, err := e.backend.Spool(ctx, strings.NewReader(content), 1024)
	require.NoError(t, err)
	path, err := spool.Commit(ctx)
	require.NoError(t, err)

	blob := domain.NewBlob(spool.Digest(), spool.Size(), path)
	require.NoError(t, e.repos.Blob.Create(ctx, blob))
	_, err = e.repos.Blob.DecrementRef(ctx, blob.Digest)
	require.NoError(t, err)
	require.NoError(t, e.repos.Blob.MarkPendingReclaim(ctx, blob.Digest))

	return blob.Digest
}

func TestGarbageCollector_ReclaimsPendingBlobs(t *testing.T) {
	env := newGCEnv(t)
	ctx := context.Background()

	doomed := env.leavePendingReclaim(t, "abandoned bytes")

	// A live blob must survive the sweep.
	spool, err := env.backend.Spool(ctx, strings.NewReader("still referenced"), 1024)
	require.NoError(t, err)
	path, err := spool.Commit(ctx)
	require.NoError(t, err)
	live := domain.NewBlob(spool.Digest(), spool.Size(), path)
	require.NoError(t, env.repos.Blob.Create(ctx, live))

	gc := env.collector(DefaultGCConfig())
	result := gc.RunOnce(ctx)
	require.Equal(t, 0, result.Errors)
	require.Equal(t, 1, result.BlobsDeleted)
	require.Equal(t, int64(len("abandoned bytes")), result.BytesFreed)

	_, err = env.repos.Blob.GetAnyState(ctx, doomed)
	require.ErrorIs(t, err, domain.ErrBlobNotFound)
	exists, err := env.backend.Exists(ctx, doomed)
	require.NoError(t, err)
	require.False(t, exists)

	exists, err = env.backend.Exists(ctx, live.Digest)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestGarbageCollector_DryRunDeletesNothing(t *testing.T) {
	env := newGCEnv(t)
	ctx := context.Background()

	digest := env.leavePendingReclaim(t, "kept for now")

	cfg := DefaultGCConfig()
	cfg.DryRun = true
	result := env.collector(cfg).RunOnce(ctx)

	require.Equal(t, 1, result.BlobsDeleted, "dry run reports what it would reclaim")
	require.Equal(t, 0, result.Errors)

	// Record and bytes are still there.
	blob, err := env.repos.Blob.GetAnyState(ctx, digest)
	require.NoError(t, err)
	require.Equal(t, domain.BlobStatePendingReclaim, blob.State)
	exists, err := env.backend.Exists(ctx, digest)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestGarbageCollector_SweepsStaleSpools(t *testing.T) {
	env := newGCEnv(t)
	ctx := context.Background()

	// A spool that never got committed or discarded.
	_, err := env.backend.Spool(ctx, strings.NewReader("orphan"), 1024)
	require.NoError(t, err)

	cfg := DefaultGCConfig()
	cfg.GracePeriod = 0
	result := env.collector(cfg).RunOnce(ctx)
	require.Equal(t, 1, result.SpoolsRemoved)

	stats, err := env.backend.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.SpooledFiles)
}

func TestGarbageCollector_GetStats(t *testing.T) {
	env := newGCEnv(t)
	ctx := context.Background()

	env.leavePendingReclaim(t, "one")
	env.leavePendingReclaim(t, "two bytes more")

	stats, err := env.collector(DefaultGCConfig()).GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.ReclaimableCount)
	require.Equal(t, int64(len("one")+len("two bytes more")), stats.ReclaimableSize)
	require.False(t, stats.HasMore)
	require.Equal(t, 24*time.Hour, stats.GracePeriod)
}

func TestGarbageCollector_SkipsResurrectedDigest(t *testing.T) {
	// A pending_reclaim digest gets listed for sweeping, then an upload
	// resurrects it: the inline reclaim removes the stale record and
	// commits a fresh blob at the same content-addressed path. Acting on
	// the stale listing must not touch the new blob's bytes.
	env := newGCEnv(t)
	ctx := context.Background()

	const content = "nine lives"
	digest := env.leavePendingReclaim(t, content)

	svc := NewFileService(FileServiceConfig{
		FileRepo:  env.repos.File,
		BlobRepo:  env.repos.Blob,
		QuotaRepo: env.repos.Quota,
		Storage:   env.backend,
	}, zerolog.Nop())
	gc := NewGarbageCollector(env.repos.Blob, env.backend, lock.NewMemoryLocker(),
		svc.DigestLocks(), nil, zerolog.Nop(), DefaultGCConfig())

	// The upload lands between the sweep's listing and its delete.
	out, err := svc.Upload(ctx, UploadInput{
		Owner:       "alice",
		DisplayName: "lives.txt",
		Body:        strings.NewReader(content),
	})
	require.NoError(t, err)
	require.Equal(t, digest, out.File.BlobDigest)

	var result GCResult
	gc.reclaimOne(ctx, digest, &result)
	require.Equal(t, 0, result.BlobsDeleted)
	require.Equal(t, 0, result.Errors)

	dl, err := svc.Download(ctx, "alice", out.File.ID)
	require.NoError(t, err)
	defer dl.Body.Close()
	got, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	require.Equal(t, content, string(got))
}

func TestGarbageCollector_SkipsRereferencedBlob(t *testing.T) {
	// A zero-reference active blob past the grace period gets listed,
	// then a concurrent upload takes a reference before the sweep
	// reaches it. The re-read under the digest mutex must see the new
	// reference and leave the blob alone.
	env := newGCEnv(t)
	ctx := context.Background()

	spool, err := env.backend.Spool(ctx, strings.NewReader("wanted again"), 1024)
	require.NoError(t, err)
	path, err := spool.Commit(ctx)
	require.NoError(t, err)
	blob := domain.NewBlob(spool.Digest(), spool.Size(), path)
	require.NoError(t, env.repos.Blob.Create(ctx, blob))
	_, err = env.repos.Blob.DecrementRef(ctx, blob.Digest)
	require.NoError(t, err)

	cfg := DefaultGCConfig()
	cfg.GracePeriod = -time.Minute

	listed, err := env.repos.Blob.ListReclaimable(ctx, cfg.GracePeriod, cfg.BatchSize)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = env.repos.Blob.IncrementRef(ctx, blob.Digest)
	require.NoError(t, err)

	var result GCResult
	gc := env.collector(cfg)
	gc.reclaimOne(ctx, listed[0].Digest, &result)
	require.Equal(t, 0, result.BlobsDeleted)
	require.Equal(t, 0, result.Errors)

	exists, err := env.backend.Exists(ctx, blob.Digest)
	require.NoError(t, err)
	require.True(t, exists)
	current, err := env.repos.Blob.GetAnyState(ctx, blob.Digest)
	require.NoError(t, err)
	require.Equal(t, int64(1), current.RefCount)
}

func TestGarbageCollector_SkipsWhenLockHeld(t *testing.T) {
	env := newGCEnv(t)
	ctx := context.Background()

	env.leavePendingReclaim(t, "contended")

	locker := lock.NewMemoryLocker()
	acquired, err := locker.Acquire(ctx, lock.Keys.BlobGC(), time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	gc := NewGarbageCollector(env.repos.Blob, env.backend, locker, nil, nil, zerolog.Nop(), DefaultGCConfig())
	result := gc.RunOnce(ctx)
	require.Equal(t, 0, result.BlobsDeleted, "run must be skipped while another holder has the lock")
	require.Equal(t, 0, result.Errors)
}
