package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/filevault/filevault/internal/domain"
	"github.com/filevault/filevault/internal/repository"
)

// blobRepository implements repository.BlobRepository for SQLite.
type blobRepository struct {
	db *DB
}

// NewBlobRepository creates a new SQLite blob repository.
func NewBlobRepository(db *DB) repository.BlobRepository {
	return &blobRepository{db: db}
}

const blobColumns = `digest, size, storage_path, ref_count, state, created_at`

// Create inserts a new active blob record with ref_count 1.
func (r *blobRepository) Create(ctx context.Context, blob *domain.Blob) error {
	query := `
		INSERT INTO blobs (digest, size, storage_path, ref_count, state, created_at)
		VALUES (?, ?, ?, 1, ?, ?)
	`

	createdAt := blob.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		blob.Digest,
		blob.Size,
		blob.StoragePath,
		string(domain.BlobStateActive),
		createdAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
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
	query := `SELECT ` + blobColumns + ` FROM blobs WHERE digest = ? AND state = ?`
	return r.scanBlob(r.db.QueryRowContext(ctx, query, digest, string(domain.BlobStateActive)))
}

// GetAnyState retrieves a blob regardless of state.
func (r *blobRepository) GetAnyState(ctx context.Context, digest string) (*domain.Blob, error) {
	query := `SELECT ` + blobColumns + ` FROM blobs WHERE digest = ?`
	return r.scanBlob(r.db.QueryRowContext(ctx, query, digest))
}

// IncrementRef atomically increments the reference count of an active blob.
func (r *blobRepository) IncrementRef(ctx context.Context, digest string) (int64, error) {
	var newCount int64
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE blobs SET ref_count = ref_count + 1 WHERE digest = ? AND state = ?`,
			digest, string(domain.BlobStateActive),
		)
		if err != nil {
			return fmt.Errorf("failed to increment ref count: %w", err)
		}

		rowsAffected, _ := result.RowsAffected()
		if rowsAffected == 0 {
			return domain.ErrBlobNotFound
		}

		return tx.QueryRowContext(ctx,
			`SELECT ref_count FROM blobs WHERE digest = ?`, digest,
		).Scan(&newCount)
	})
	if err != nil {
		return 0, err
	}
	return newCount, nil
}

// DecrementRef atomically decrements the reference count.
// The count never goes below zero.
func (r *blobRepository) DecrementRef(ctx context.Context, digest string) (int64, error) {
	var newCount int64
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE blobs SET ref_count = MAX(ref_count - 1, 0) WHERE digest = ?`,
			digest,
		)
		if err != nil {
			return fmt.Errorf("failed to decrement ref count: %w", err)
		}

		rowsAffected, _ := result.RowsAffected()
		if rowsAffected == 0 {
			return domain.ErrBlobNotFound
		}

		return tx.QueryRowContext(ctx,
			`SELECT ref_count FROM blobs WHERE digest = ?`, digest,
		).Scan(&newCount)
	})
	if err != nil {
		return 0, err
	}
	return newCount, nil
}

// MarkPendingReclaim tags a zero-reference blob for physical cleanup.
func (r *blobRepository) MarkPendingReclaim(ctx context.Context, digest string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE blobs SET state = ? WHERE digest = ? AND ref_count <= 0`,
		string(domain.BlobStatePendingReclaim), digest,
	)
	if err != nil {
		return fmt.Errorf("failed to mark blob for reclaim: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return domain.ErrBlobNotFound
	}

	return nil
}

// Delete removes a blob record if its reference count is zero.
func (r *blobRepository) Delete(ctx context.Context, digest string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM blobs WHERE digest = ? AND ref_count <= 0`, digest,
	)
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return domain.ErrBlobNotFound
	}

	return nil
}

// ListReclaimable returns blobs awaiting physical cleanup: those marked
// pending_reclaim, plus zero-reference rows older than the grace period.
func (r *blobRepository) ListReclaimable(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.Blob, error) {
	cutoff := time.Now().UTC().Add(-gracePeriod).Format(time.RFC3339)

	query := `
		SELECT ` + blobColumns + `
		FROM blobs
		WHERE state = ? OR (ref_count <= 0 AND created_at < ?)
		ORDER BY created_at ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, string(domain.BlobStatePendingReclaim), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reclaimable blobs: %w", err)
	}
	defer rows.Close()

	var blobs []*domain.Blob
	for rows.Next() {
		blob, err := scanBlobRow(rows)
		if err != nil {
			return nil, err
		}
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
			COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0)
		FROM blobs
	`

	stats := &repository.BlobStats{}
	err := r.db.QueryRowContext(ctx, query, string(domain.BlobStatePendingReclaim)).Scan(
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
func (r *blobRepository) scanBlob(row *sql.Row) (*domain.Blob, error) {
	blob := &domain.Blob{}
	var state, createdAt string

	err := row.Scan(
		&blob.Digest,
		&blob.Size,
		&blob.StoragePath,
		&blob.RefCount,
		&state,
		&createdAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}

	blob.State = domain.BlobState(state)
	blob.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return blob, nil
}

// scanBlobRow scans a blob from a rows iterator.
func scanBlobRow(rows *sql.Rows) (*domain.Blob, error) {
	blob := &domain.Blob{}
	var state, createdAt string

	err := rows.Scan(
		&blob.Digest,
		&blob.Size,
		&blob.StoragePath,
		&blob.RefCount,
		&state,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan blob: %w", err)
	}

	blob.State = domain.BlobState(state)
	blob.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return blob, nil
}

// Ensure blobRepository implements repository.BlobRepository.
var _ repository.BlobRepository = (*blobRepository)(nil)
