// Package repository defines data access interfaces for the file vault.
// Implementations exist for SQLite (embedded) and PostgreSQL.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/filevault/filevault/internal/domain"
)

// =============================================================================
// Blob Repository
// =============================================================================

// BlobRepository manages blob records: the content-addressed side of the
// ledger. All mutations are single atomic statements so that concurrent
// operations against the same digest are linearized by the database.
type BlobRepository interface {
	// Create inserts a new active blob record with ref_count 1.
	// Returns domain.ErrBlobExists if any record (active or pending
	// reclaim) already holds the digest; the caller decides whether to
	// fall back to IncrementRef or to finish reclamation first.
	Create(ctx context.Context, blob *domain.Blob) error

	// GetByDigest retrieves an active blob. Blobs pending reclamation are
	// not visible here; they must never be served or re-referenced.
	GetByDigest(ctx context.Context, digest string) (*domain.Blob, error)

	// GetAnyState retrieves a blob regardless of state. Used by the
	// upload path to detect a same-digest record awaiting reclamation.
	GetAnyState(ctx context.Context, digest string) (*domain.Blob, error)

	// IncrementRef atomically increments the reference count of an
	// active blob and returns the new count.
	// Returns domain.ErrBlobNotFound if the digest has no active blob.
	IncrementRef(ctx context.Context, digest string) (int64, error)

	// DecrementRef atomically decrements the reference count and returns
	// the new count. The count never goes below zero.
	// Returns domain.ErrBlobNotFound if the digest is unknown.
	DecrementRef(ctx context.Context, digest string) (int64, error)

	// MarkPendingReclaim tags a zero-reference blob for physical cleanup.
	// A blob in this state is invisible to GetByDigest and IncrementRef.
	MarkPendingReclaim(ctx context.Context, digest string) error

	// Delete removes a blob record. Only removes rows whose ref_count is
	// zero or below; returns domain.ErrBlobNotFound otherwise.
	Delete(ctx context.Context, digest string) error

	// ListReclaimable returns blobs awaiting physical cleanup: those
	// marked pending_reclaim, plus zero-reference rows older than the
	// grace period (crash remnants that never got tagged).
	ListReclaimable(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.Blob, error)

	// Stats returns aggregate blob counts and sizes.
	Stats(ctx context.Context) (*BlobStats, error)
}

// BlobStats contains aggregate blob bookkeeping numbers.
type BlobStats struct {
	// TotalBlobs is the number of live blob records.
	TotalBlobs int64

	// TotalBytes is the physical size of all live blobs.
	TotalBytes int64

	// TotalRefs is the sum of reference counts, i.e. the number of live
	// file entries. TotalRefs - TotalBlobs uploads were deduplicated.
	TotalRefs int64

	// PendingReclaim is the number of blobs awaiting cleanup.
	PendingReclaim int64
}

// =============================================================================
// File Repository (ownership ledger)
// =============================================================================

// FileListOptions controls filtering and pagination of file listings.
// Zero values mean "no constraint".
type FileListOptions struct {
	// NameContains filters on a display-name substring (case-insensitive).
	NameContains string

	// ContentType filters on the exact declared MIME type.
	ContentType string

	// MinSize/MaxSize bound the declared size in bytes.
	MinSize int64
	MaxSize int64

	// CreatedAfter/CreatedBefore bound the upload timestamp.
	CreatedAfter  time.Time
	CreatedBefore time.Time

	// Limit caps the page size; Offset skips preceding rows.
	Limit  int
	Offset int
}

// FileListResult is one page of a file listing.
type FileListResult struct {
	Files []*domain.File

	// Total is the number of rows matching the filters, ignoring paging.
	Total int64
}

// FileRepository manages ownership entries. Every row references exactly
// one blob by digest; rows are always scoped to their owner.
type FileRepository interface {
	// Create inserts a new file entry.
	Create(ctx context.Context, file *domain.File) error

	// GetByID retrieves a file entry owned by owner.
	// Returns domain.ErrFileNotFound if the id does not exist or the
	// entry belongs to a different owner.
	GetByID(ctx context.Context, id uuid.UUID, owner string) (*domain.File, error)

	// Delete removes a file entry owned by owner and returns the removed
	// row, so the caller has the blob digest and declared size without a
	// second read. Returns domain.ErrFileNotFound as GetByID does.
	Delete(ctx context.Context, id uuid.UUID, owner string) (*domain.File, error)

	// Rename updates the display name only and returns the updated row.
	Rename(ctx context.Context, id uuid.UUID, owner string, displayName string) (*domain.File, error)

	// List returns the owner's file entries matching opts, newest first.
	List(ctx context.Context, owner string, opts FileListOptions) (*FileListResult, error)

	// ListContentTypes returns the distinct declared MIME types among the
	// owner's live entries, sorted.
	ListContentTypes(ctx context.Context, owner string) ([]string, error)

	// CountByOwner returns the number of live entries for an owner.
	CountByOwner(ctx context.Context, owner string) (int64, error)
}

// =============================================================================
// Quota Repository
// =============================================================================

// QuotaRepository is the per-owner quota ledger. Reserve and release are
// single atomic statements; that is what linearizes concurrent quota
// mutations for one owner without any process-level lock.
type QuotaRepository interface {
	// TryReserve atomically checks used+n <= limit and commits
	// used += n in the same statement. The owner's row is created with
	// defaultLimit if absent. On failure nothing is mutated and a
	// *domain.QuotaError (wrapping domain.ErrQuotaExceeded) is returned.
	TryReserve(ctx context.Context, owner string, n int64, defaultLimit int64) error

	// Release atomically decrements used by n, floored at zero. The
	// floor is a last-resort guard; correct coordinator logic never
	// releases more than it reserved.
	Release(ctx context.Context, owner string, n int64) error

	// Get returns the owner's quota row, creating it with defaultLimit
	// if absent.
	Get(ctx context.Context, owner string, defaultLimit int64) (*domain.Quota, error)

	// SetLimit updates the owner's limit, creating the row if absent.
	SetLimit(ctx context.Context, owner string, limit int64) error
}

// =============================================================================
// Aggregates
// =============================================================================

// Repositories holds all repository instances.
type Repositories struct {
	Blob  BlobRepository
	File  FileRepository
	Quota QuotaRepository
}

// DatabaseHealth is an interface for database health checks.
type DatabaseHealth interface {
	Ping(ctx context.Context) error
	Close() error
}
