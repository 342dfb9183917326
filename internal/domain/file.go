package domain

import (
	"time"

	"github.com/google/uuid"
)

// File is a user-visible logical file: one owner's view of uploaded
// content. Every File points at exactly one Blob; the blob's reference
// count equals the number of live File rows pointing at it. An owner may
// upload the same bytes more than once — each upload creates its own
// File (and quota charge) sharing the one blob.
type File struct {
	// ID is the opaque identifier used in the API and in URLs.
	ID uuid.UUID `json:"id"`

	// Owner is the identity the file belongs to.
	Owner string `json:"-"`

	// BlobDigest references the content-addressed blob.
	BlobDigest string `json:"-"`

	// DisplayName is the sanitized user-supplied filename.
	DisplayName string `json:"display_name"`

	// Size is the declared byte length, captured from the blob at
	// creation so the displayed size is independent of blob bookkeeping.
	Size int64 `json:"size"`

	// ContentType is the declared MIME type.
	ContentType string `json:"content_type"`

	// CreatedAt is the upload timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// NewFile creates a File entry for the given owner and blob.
func NewFile(owner, displayName, contentType, blobDigest string, size int64) *File {
	return &File{
		ID:          uuid.New(),
		Owner:       owner,
		BlobDigest:  blobDigest,
		DisplayName: displayName,
		Size:        size,
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}
}
