package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/filevault/filevault/internal/domain"
	"github.com/filevault/filevault/internal/repository"
)

// blobRepository implements repository.BlobRepository.
type blobRepository struct {
	db *DB
}

// NewBlobRepository creates a new PostgreSQL blob repository.
func NewBlobRepository(db *DB) repository.BlobRepository {
	return &blobRepository{db: db}
}

const blobColumns = `digest, size, storage_path, ref_count, state, created_at`

// Create inserts a new active blob record with ref_count 1.
func (r *blobRepository) Create(ctx context.Context, blob *domain.Blob) error {
	query := `
		INSERT INTO blobs (digest, size, storage_path, ref_count, state, created_at)
		VALUES ($1, $2, $3, 1, $4, $5)
	`

	createdAt := blob.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.Pool.Exec(ctx, query,
		blob.Digest,
		blob.Size,
		blob.StoragePath,
		string(domain.BlobStateActive),
		createdAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrBlobExists
		}
		return fmt.Errorf("failed to insert blob: %w", err)
	}

	blob.RefCount = 1
	blob.State = domain.BlobStateActive
	blob.CreatedAt = createdAt
	return nil
}

// GetByDigest retrieves an active blob by its digest.
func (r *blobRepository) GetByDigest(ctx context.Context, digest string) (*domain.Blob, error) {
	query := `SELECT ` + blobColumns + ` FROM blobs WHERE digest = $1 AND state = $2`
	return scanBlob(r.db.Pool.QueryRow(ctx, query, digest, string(domain.BlobStateActive)))
}

// GetAnyState retrieves a blob regardless of state.
func (r *blobRepository) GetAnyState(ctx context.Context, digest string) (*domain.Blob, error) {
	query := `SELECT ` + blobColumns + ` FROM blobs WHERE digest = $1`
	return scanBlob(r.db.Pool.QueryRow(ctx, query, digest))
}

// IncrementRef atomically increments the reference count of an active blob.
func (r *blobRepository) IncrementRef(ctx context.Context, digest string) (int64, error) {
	query := `
		UPDATE blobs
		SET ref_count = ref_count + 1
		WHERE digest = $1 AND state = $2
		RETURNING ref_count
	`

	var newCount int64
	err := r.db.Pool.QueryRow(ctx, query, digest, string(domain.BlobStateActive)).Scan(&newCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrBlobNotFound
		}
		return 0, fmt.Errorf("failed to increment ref count: %w", err)
	}

	return newCount, nil
}

// DecrementRef atomically decrements the reference count.
// The count never goes below zero.
func (r *blobRepository) DecrementRef(ctx context.Context, digest string) (int64, error) {
	query := `
		UPDATE blobs
		SET ref_count = GREATEST(ref_count - 1, 0)
		WHERE digest = $1
		RETURNING ref_count
	`

	var newCount int64
	err := r.db.Pool.QueryRow(ctx, query, digest).Scan(&newCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrBlobNotFound
		}
		return 0, fmt.Errorf("failed to decrement ref count: %w", err)
	}

	return newCount, nil
}

// MarkPendingReclaim tags a zero-reference blob for physical cleanup.
func (r *blobRepository) MarkPendingReclaim(ctx context.Context, digest string) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE blobs SET state = $2 WHERE digest = $1 AND ref_count <= 0`,
		digest, string(domain.BlobStatePendingReclaim),
	)
	if err != nil {
		return fmt.Errorf("failed to mark blob for reclaim: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrBlobNotFound
	}

	return nil
}

// Delete removes a blob record if its reference count is zero.
func (r *blobRepository) Delete(ctx context.Context, digest string) error {
	result, err := r.db.Pool.Exec(ctx,
		`DELETE FROM blobs WHERE digest = $1 AND ref_count <= 0`, digest,
	)
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrBlobNotFound
	}

	return nil
}

// ListReclaimable returns blobs awaiting physical cleanup: those marked
// pending_reclaim, plus zero-reference rows older than the grace period.
func (r *blobRepository) ListReclaimable(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.Blob, error) {
	query := `
		SELECT ` + blobColumns + `
		FROM blobs
		WHERE state = $1 OR (ref_count <= 0 AND created_at < $2)
		ORDER BY created_at ASC
		LIMIT $3
	`

	cutoff := time.Now().UTC().Add(-gracePeriod)
	rows, err := r.db.Pool.Query(ctx, query, string(domain.BlobStatePendingReclaim), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reclaimable blobs: %w", err)
	}
	defer rows.Close()

	var blobs []*domain.Blob
	for rows.Next() {
		blob := &domain.Blob{}
		var state string
		err := rows.Scan(
			&blob.Digest,
			&blob.Size,
			&blob.StoragePath,
			&blob.RefCount,
			&state,
			&blob.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan blob: %w", err)
		}
		blob.State = domain.BlobState(state)
		blobs = append(blobs, blob)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blobs: %w", err)
	}

	return blobs, nil
}

// Stats returns aggregate blob counts and sizes.
func (r *blobRepository) Stats(ctx context.Context) (*repository.BlobStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(size), 0),
			COALESCE(SUM(ref_count), 0),
			COALESCE(SUM(CASE WHEN state = $1 THEN 1 ELSE 0 END), 0)
		FROM blobs
	`

	stats := &repository.BlobStats{}
	err := r.db.Pool.QueryRow(ctx, query, string(domain.BlobStatePendingReclaim)).Scan(
		&stats.TotalBlobs,
		&stats.TotalBytes,
		&stats.TotalRefs,
		&stats.PendingReclaim,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get blob stats: %w", err)
	}

	return stats, nil
}

// scanBlob scans a single blob row.
func scanBlob(row pgx.Row) (*domain.Blob, error) {
	blob := &domain.Blob{}
	var state string

	err := row.Scan(
		&blob.Digest,
		&blob.Size,
		&blob.StoragePath,
		&blob.RefCount,
		&state,
		&blob.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}

	blob.State = domain.BlobState(state)
	return blob, nil
}

// Ensure blobRepository implements repository.BlobRepository
var _ repository.BlobRepository = (*blobRepository)(nil)
