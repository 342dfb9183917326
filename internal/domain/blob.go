// Package domain contains the core business entities for the file vault.
package domain

import (
	"time"
)

// BlobState tags the lifecycle state of a blob record.
type BlobState string

const (
	// BlobStateActive means the blob is live and referenced by at least
	// one file entry (or was just created as part of an upload).
	BlobStateActive BlobState = "active"

	// BlobStatePendingReclaim means the reference count reached zero but
	// the physical bytes could not be removed yet. The record is kept so
	// reclamation can be retried instead of leaking disk space, and so
	// the digest is not handed out to readers in the meantime.
	BlobStatePendingReclaim BlobState = "pending_reclaim"
)

// Blob represents one physical, content-addressed copy of file bytes.
// Blobs are keyed by the digest of their content, enabling deduplication:
// any number of file entries, from the same or different owners, may
// reference the same blob.
type Blob struct {
	// Digest is the hex-encoded content hash (64 hex characters).
	// Primary key and storage identifier.
	Digest string `json:"digest"`

	// Size is the length of the content in bytes.
	Size int64 `json:"size"`

	// StoragePath is where the bytes live on disk.
	// Format: {base}/{first2chars}/{next2chars}/{fullhash}
	StoragePath string `json:"storage_path"`

	// RefCount is the number of live file entries pointing at this blob.
	RefCount int64 `json:"ref_count"`

	// State is the lifecycle tag. Only active blobs are visible to
	// lookups; pending_reclaim blobs exist solely for cleanup retry.
	State BlobState `json:"state"`

	// CreatedAt is when the blob was first committed.
	CreatedAt time.Time `json:"created_at"`
}

// NewBlob creates an active Blob with a single reference.
func NewBlob(digest string, size int64, storagePath string) *Blob {
	return &Blob{
		Digest:      digest,
		Size:        size,
		StoragePath: storagePath,
		RefCount:    1,
		State:       BlobStateActive,
		CreatedAt:   time.Now().UTC(),
	}
}

// IsReclaimable reports whether the blob holds no references and its
// bytes may be removed. The grace period protects blobs created by an
// upload that has not linked its file entry yet.
func (b *Blob) IsReclaimable(gracePeriod time.Duration) bool {
	if b.State == BlobStatePendingReclaim {
		return true
	}
	return b.RefCount <= 0 && time.Since(b.CreatedAt) > gracePeriod
}

// ValidDigest reports whether s looks like a hex-encoded 256-bit digest.
func ValidDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
