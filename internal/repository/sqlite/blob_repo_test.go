package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filevault/filevault/internal/domain"
)

func TestBlobRepository_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	repo := NewBlobRepository(db)
	ctx := context.Background()

	digest := testDigest(1)
	blob := mustCreateBlob(t, db, digest, 1024)
	require.Equal(t, int64(1), blob.RefCount)
	require.Equal(t, domain.BlobStateActive, blob.State)

	got, err := repo.GetByDigest(ctx, digest)
	require.NoError(t, err)
	require.Equal(t, digest, got.Digest)
	require.Equal(t, int64(1024), got.Size)
	require.Equal(t, int64(1), got.RefCount)

	_, err = repo.GetByDigest(ctx, testDigest(99))
	require.ErrorIs(t, err, domain.ErrBlobNotFound)
}

func TestBlobRepository_CreateDuplicate(t *testing.T) {
	db := newTestDB(t)
	repo := NewBlobRepository(db)
	ctx := context.Background()

	digest := testDigest(1)
	mustCreateBlob(t, db, digest, 1024)

	err := repo.Create(ctx, domain.NewBlob(digest, 1024, "/elsewhere"))
	require.ErrorIs(t, err, domain.ErrBlobExists)
}

func TestBlobRepository_RefCounting(t *testing.T) {
	db := newTestDB(t)
	repo := NewBlobRepository(db)
	ctx := context.Background()

	digest := testDigest(1)
	mustCreateBlob(t, db, digest, 10)

	count, err := repo.IncrementRef(ctx, digest)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	count, err = repo.DecrementRef(ctx, digest)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	count, err = repo.DecrementRef(ctx, digest)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	// Never below zero.
	count, err = repo.DecrementRef(ctx, digest)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	_, err = repo.IncrementRef(ctx, testDigest(99))
	require.ErrorIs(t, err, domain.ErrBlobNotFound)
}

func TestBlobRepository_IncrementRefSkipsPendingReclaim(t *testing.T) {
	db := newTestDB(t)
	repo := NewBlobRepository(db)
	ctx := context.Background()

	digest := testDigest(1)
	mustCreateBlob(t, db, digest, 10)

	_, err := repo.DecrementRef(ctx, digest)
	require.NoError(t, err)
	require.NoError(t, repo.MarkPendingReclaim(ctx, digest))

	// A record awaiting reclamation must not satisfy dedup lookups.
	_, err = repo.IncrementRef(ctx, digest)
	require.ErrorIs(t, err, domain.ErrBlobNotFound)
	_, err = repo.GetByDigest(ctx, digest)
	require.ErrorIs(t, err, domain.ErrBlobNotFound)

	// But it is still visible to GetAnyState.
	got, err := repo.GetAnyState(ctx, digest)
	require.NoError(t, err)
	require.Equal(t, domain.BlobStatePendingReclaim, got.State)
}

func TestBlobRepository_MarkPendingReclaimRequiresZeroRefs(t *testing.T) {
	db := newTestDB(t)
	repo := NewBlobRepository(db)
	ctx := context.Background()

	digest := testDigest(1)
	mustCreateBlob(t, db, digest, 10)

	err := repo.MarkPendingReclaim(ctx, digest)
	require.ErrorIs(t, err, domain.ErrBlobNotFound)
}

func TestBlobRepository_DeleteRequiresZeroRefs(t *testing.T) {
	db := newTestDB(t)
	repo := NewBlobRepository(db)
	ctx := context.Background()

	digest := testDigest(1)
	mustCreateBlob(t, db, digest, 10)

	require.ErrorIs(t, repo.Delete(ctx, digest), domain.ErrBlobNotFound)

	_, err := repo.DecrementRef(ctx, digest)
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, digest))

	_, err = repo.GetAnyState(ctx, digest)
	require.ErrorIs(t, err, domain.ErrBlobNotFound)
}

func TestBlobRepository_ListReclaimable(t *testing.T) {
	db := newTestDB(t)
	repo := NewBlobRepository(db)
	ctx := context.Background()

	// Pending reclaim: always listed.
	pending := testDigest(1)
	mustCreateBlob(t, db, pending, 10)
	_, err := repo.DecrementRef(ctx, pending)
	require.NoError(t, err)
	require.NoError(t, repo.MarkPendingReclaim(ctx, pending))

	// Fresh zero-reference row: inside grace period, not listed.
	fresh := testDigest(2)
	mustCreateBlob(t, db, fresh, 10)
	_, err = repo.DecrementRef(ctx, fresh)
	require.NoError(t, err)

	// Active row: never listed.
	mustCreateBlob(t, db, testDigest(3), 10)

	blobs, err := repo.ListReclaimable(ctx, time.Hour, 100)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	require.Equal(t, pending, blobs[0].Digest)

	// With zero grace period the orphaned zero-ref row shows up too.
	blobs, err = repo.ListReclaimable(ctx, -time.Minute, 100)
	require.NoError(t, err)
	require.Len(t, blobs, 2)
}

func TestBlobRepository_Stats(t *testing.T) {
	db := newTestDB(t)
	repo := NewBlobRepository(db)
	ctx := context.Background()

	mustCreateBlob(t, db, testDigest(1), 100)
	mustCreateBlob(t, db, testDigest(2), 200)
	_, err := repo.IncrementRef(ctx, testDigest(2))
	require.NoError(t, err)

	pending := testDigest(3)
	mustCreateBlob(t, db, pending, 50)
	_, err = repo.DecrementRef(ctx, pending)
	require.NoError(t, err)
	require.NoError(t, repo.MarkPendingReclaim(ctx, pending))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.TotalBlobs)
	require.Equal(t, int64(350), stats.TotalBytes)
	require.Equal(t, int64(3), stats.TotalRefs)
	require.Equal(t, int64(1), stats.PendingReclaim)
}
