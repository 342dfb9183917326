// Package storage persists raw blob data on disk under content-addressed
// paths. The digest of the content is only known after the full stream
// has been read, so writes happen in two phases: Spool streams the
// upload into a temporary file while hashing, and Commit renames the
// spool into its final sharded location.
package storage

import (
	"context"
	"io"
	"time"
)

// Spool is a fully received upload waiting to be committed or discarded.
// Exactly one of Commit or Discard must be called.
type Spool interface {
	// Digest returns the hex-encoded content digest of the spooled data.
	Digest() string

	// Size returns the spooled size in bytes.
	Size() int64

	// Commit moves the spool into its content-addressed location and
	// returns the final storage path. Committing a digest that already
	// exists on disk is a no-op; both copies have identical bytes.
	Commit(ctx context.Context) (string, error)

	// Discard removes the spool without committing.
	Discard() error
}

// Backend defines the interface for blob storage backends.
type Backend interface {
	// Spool streams content into a temporary file while computing its
	// digest. Reading stops with an error if the stream exceeds maxSize.
	// The returned Spool must be committed or discarded by the caller.
	Spool(ctx context.Context, reader io.Reader, maxSize int64) (Spool, error)

	// Open returns a reader over committed content.
	// The caller must close it.
	Open(ctx context.Context, digest string) (io.ReadCloser, error)

	// Delete removes committed content. Only called once the blob's
	// reference count has reached zero.
	Delete(ctx context.Context, digest string) error

	// Exists checks whether committed content is present on disk.
	Exists(ctx context.Context, digest string) (bool, error)

	// GetPath returns the content-addressed path for a digest.
	GetPath(digest string) string

	// CleanupSpools removes temporary files older than olderThan and
	// returns how many were removed. Covers spools leaked by crashes
	// between receive and commit.
	CleanupSpools(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns storage statistics.
	Stats(ctx context.Context) (*Stats, error)
}

// Stats contains storage backend statistics.
type Stats struct {
	// TotalBlobs is the number of blob files on disk.
	TotalBlobs int64 `json:"total_blobs"`

	// TotalSize is the total size of all blob files in bytes.
	TotalSize int64 `json:"total_size"`

	// SpooledFiles is the number of temporary files awaiting commit or
	// cleanup.
	SpooledFiles int64 `json:"spooled_files"`

	// OldestSpool is the age of the oldest temporary file, zero when
	// none exist.
	OldestSpool time.Duration `json:"oldest_spool,omitempty"`
}
