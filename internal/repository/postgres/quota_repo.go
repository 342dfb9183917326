package postgres

import (
	"context"
	"fmt"

	"github.com/filevault/filevault/internal/domain"
	"github.com/filevault/filevault/internal/repository"
)

// quotaRepository implements repository.QuotaRepository.
type quotaRepository struct {
	db *DB
}

// NewQuotaRepository creates a new PostgreSQL quota repository.
func NewQuotaRepository(db *DB) repository.QuotaRepository {
	return &quotaRepository{db: db}
}

// TryReserve atomically checks and reserves quota for an owner.
// The check and the add are one conditional UPDATE, so two concurrent
// reservations can never both pass against the same remaining space.
func (r *quotaRepository) TryReserve(ctx context.Context, owner string, n int64, defaultLimit int64) error {
	if err := r.ensureRow(ctx, owner, defaultLimit); err != nil {
		return err
	}

	result, err := r.db.Pool.Exec(ctx, `
		UPDATE quotas
		SET used_bytes = used_bytes + $2, updated_at = now()
		WHERE owner = $1 AND used_bytes + $2 <= limit_bytes
	`, owner, n)
	if err != nil {
		return fmt.Errorf("failed to reserve quota: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Reservation refused; fetch a snapshot for the error detail.
		quota, getErr := r.Get(ctx, owner, defaultLimit)
		if getErr != nil {
			return getErr
		}
		return &domain.QuotaError{
			Requested:  n,
			UsedBytes:  quota.UsedBytes,
			LimitBytes: quota.LimitBytes,
		}
	}

	return nil
}

// Release atomically returns n bytes to the owner's quota, floored at zero.
func (r *quotaRepository) Release(ctx context.Context, owner string, n int64) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE quotas
		SET used_bytes = GREATEST(used_bytes - $2, 0), updated_at = now()
		WHERE owner = $1
	`, owner, n)
	if err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

// Get returns the owner's quota row, creating it with defaultLimit if absent.
func (r *quotaRepository) Get(ctx context.Context, owner string, defaultLimit int64) (*domain.Quota, error) {
	quota := &domain.Quota{}
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO quotas (owner, used_bytes, limit_bytes)
		VALUES ($1, 0, $2)
		ON CONFLICT (owner) DO UPDATE SET owner = EXCLUDED.owner
		RETURNING owner, used_bytes, limit_bytes, created_at, updated_at
	`, owner, defaultLimit).Scan(
		&quota.Owner,
		&quota.UsedBytes,
		&quota.LimitBytes,
		&quota.CreatedAt,
		&quota.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	return quota, nil
}

// SetLimit updates the owner's limit, creating the row if absent.
func (r *quotaRepository) SetLimit(ctx context.Context, owner string, limit int64) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO quotas (owner, used_bytes, limit_bytes)
		VALUES ($1, 0, $2)
		ON CONFLICT (owner) DO UPDATE SET limit_bytes = EXCLUDED.limit_bytes, updated_at = now()
	`, owner, limit)
	if err != nil {
		return fmt.Errorf("failed to set quota limit: %w", err)
	}
	return nil
}

// ensureRow lazily creates the owner's ledger row with the default limit.
func (r *quotaRepository) ensureRow(ctx context.Context, owner string, defaultLimit int64) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO quotas (owner, used_bytes, limit_bytes)
		VALUES ($1, 0, $2)
		ON CONFLICT (owner) DO NOTHING
	`, owner, defaultLimit)
	if err != nil {
		return fmt.Errorf("failed to ensure quota row: %w", err)
	}
	return nil
}

// Ensure quotaRepository implements repository.QuotaRepository.
var _ repository.QuotaRepository = (*quotaRepository)(nil)
