package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/filevault/filevault/internal/domain"
	"github.com/filevault/filevault/internal/repository"
)

func TestFileRepository_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()

	digest := testDigest(1)
	mustCreateBlob(t, db, digest, 11)

	file := domain.NewFile("alice", "notes.txt", "text/plain", digest, 11)
	require.NoError(t, repo.Create(ctx, file))

	got, err := repo.GetByID(ctx, file.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, file.ID, got.ID)
	require.Equal(t, "notes.txt", got.DisplayName)
	require.Equal(t, digest, got.BlobDigest)

	// Another owner's lookup of the same id reads as missing.
	_, err = repo.GetByID(ctx, file.ID, "bob")
	require.ErrorIs(t, err, domain.ErrFileNotFound)

	_, err = repo.GetByID(ctx, uuid.New(), "alice")
	require.ErrorIs(t, err, domain.ErrFileNotFound)
}

func TestFileRepository_CreateRequiresBlob(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()

	file := domain.NewFile("alice", "notes.txt", "text/plain", testDigest(7), 11)
	require.ErrorIs(t, repo.Create(ctx, file), domain.ErrBlobNotFound)
}

func TestFileRepository_Delete(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()

	digest := testDigest(1)
	mustCreateBlob(t, db, digest, 5)
	file := domain.NewFile("alice", "a.txt", "text/plain", digest, 5)
	require.NoError(t, repo.Create(ctx, file))

	// Foreign owner cannot delete, and the entry survives.
	_, err := repo.Delete(ctx, file.ID, "bob")
	require.ErrorIs(t, err, domain.ErrFileNotFound)
	_, err = repo.GetByID(ctx, file.ID, "alice")
	require.NoError(t, err)

	removed, err := repo.Delete(ctx, file.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, file.ID, removed.ID)
	require.Equal(t, int64(5), removed.Size)
	require.Equal(t, digest, removed.BlobDigest)

	_, err = repo.Delete(ctx, file.ID, "alice")
	require.ErrorIs(t, err, domain.ErrFileNotFound)
}

func TestFileRepository_Rename(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()

	digest := testDigest(1)
	mustCreateBlob(t, db, digest, 5)
	file := domain.NewFile("alice", "old.txt", "text/plain", digest, 5)
	require.NoError(t, repo.Create(ctx, file))

	updated, err := repo.Rename(ctx, file.ID, "alice", "new.txt")
	require.NoError(t, err)
	require.Equal(t, "new.txt", updated.DisplayName)
	require.Equal(t, file.Size, updated.Size)

	_, err = repo.Rename(ctx, file.ID, "bob", "stolen.txt")
	require.ErrorIs(t, err, domain.ErrFileNotFound)
}

func TestFileRepository_List(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()

	digest := testDigest(1)
	mustCreateBlob(t, db, digest, 10)

	base := time.Now().UTC().Add(-time.Hour)
	seed := []struct {
		owner string
		name  string
		ct    string
		size  int64
		age   time.Duration
	}{
		{"alice", "report.pdf", "application/pdf", 500, 0},
		{"alice", "photo.jpg", "image/jpeg", 2000, 10 * time.Minute},
		{"alice", "Notes.txt", "text/plain", 50, 20 * time.Minute},
		{"bob", "report.pdf", "application/pdf", 500, 0},
	}
	for _, s := range seed {
		f := domain.NewFile(s.owner, s.name, s.ct, digest, s.size)
		f.CreatedAt = base.Add(s.age)
		require.NoError(t, repo.Create(ctx, f))
	}

	// Unfiltered: owner scoping plus newest-first ordering.
	result, err := repo.List(ctx, "alice", repository.FileListOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(3), result.Total)
	require.Len(t, result.Files, 3)
	require.Equal(t, "Notes.txt", result.Files[0].DisplayName)
	require.Equal(t, "report.pdf", result.Files[2].DisplayName)

	// Case-insensitive name filter.
	result, err = repo.List(ctx, "alice", repository.FileListOptions{NameContains: "notes"})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Total)
	require.Equal(t, "Notes.txt", result.Files[0].DisplayName)

	// Content type filter.
	result, err = repo.List(ctx, "alice", repository.FileListOptions{ContentType: "application/pdf"})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Total)

	// Size range.
	result, err = repo.List(ctx, "alice", repository.FileListOptions{MinSize: 100, MaxSize: 1000})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Total)
	require.Equal(t, "report.pdf", result.Files[0].DisplayName)

	// Time bounds.
	result, err = repo.List(ctx, "alice", repository.FileListOptions{CreatedAfter: base.Add(5 * time.Minute)})
	require.NoError(t, err)
	require.Equal(t, int64(2), result.Total)

	// Pagination.
	result, err = repo.List(ctx, "alice", repository.FileListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Equal(t, int64(3), result.Total)
	require.Len(t, result.Files, 1)
}

func TestFileRepository_ListContentTypesAndCount(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()

	digest := testDigest(1)
	mustCreateBlob(t, db, digest, 10)

	for _, ct := range []string{"text/plain", "image/jpeg", "text/plain"} {
		require.NoError(t, repo.Create(ctx, domain.NewFile("alice", "f", ct, digest, 10)))
	}
	require.NoError(t, repo.Create(ctx, domain.NewFile("bob", "f", "application/pdf", digest, 10)))

	types, err := repo.ListContentTypes(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"image/jpeg", "text/plain"}, types)

	count, err := repo.CountByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(3), count)
}
