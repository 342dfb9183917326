// Package domain contains the core business entities for the file vault.
package domain

import (
	"errors"
	"fmt"
)

// Domain errors - these represent business rule violations.
// They are distinct from infrastructure errors (database, disk, network).

var (
	// ===========================================
	// File Errors
	// ===========================================

	// ErrFileNotFound indicates the requested file does not exist for the
	// requesting owner. Deliberately also returned when the file exists
	// but belongs to someone else, so ids don't leak existence.
	ErrFileNotFound = errors.New("file not found")

	// ErrFileEmpty indicates an upload with zero bytes of content.
	ErrFileEmpty = errors.New("the submitted file is empty")

	// ErrFileTooLarge indicates the upload exceeds the single-file maximum.
	ErrFileTooLarge = errors.New("file exceeds the maximum allowed size")

	// ErrFilenameInvalid indicates the display name is empty or malformed.
	ErrFilenameInvalid = errors.New("invalid file name")

	// ErrContentTypeBlocked indicates the declared MIME type is on the
	// executable blocklist.
	ErrContentTypeBlocked = errors.New("file type is not allowed")

	// ===========================================
	// Blob Errors
	// ===========================================

	// ErrBlobNotFound indicates no active blob exists for the digest.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrBlobExists indicates a concurrent upload committed a blob with
	// the same digest first. Callers fall back to incrementing the
	// winner's reference count; this error never reaches the API.
	ErrBlobExists = errors.New("blob already exists")

	// ErrBlobCorrupted indicates the stored bytes no longer match the digest.
	ErrBlobCorrupted = errors.New("blob content is corrupted")

	// ErrStorageFailure indicates a disk-level failure while persisting
	// or reading blob bytes.
	ErrStorageFailure = errors.New("storage operation failed")

	// ===========================================
	// Quota Errors
	// ===========================================

	// ErrQuotaExceeded indicates the owner has no room for the upload.
	// Usually wrapped in a QuotaError carrying usage numbers.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ===========================================
	// Owner Errors
	// ===========================================

	// ErrOwnerRequired indicates the request carried no owner identity.
	ErrOwnerRequired = errors.New("owner identity is required")

	// ErrOwnerInvalid indicates the owner identity is malformed.
	ErrOwnerInvalid = errors.New("invalid owner identity")
)

// QuotaError wraps ErrQuotaExceeded with the owner's current usage so
// clients can react without a separate stats call.
type QuotaError struct {
	Requested  int64
	UsedBytes  int64
	LimitBytes int64
}

// Error implements the error interface.
func (e *QuotaError) Error() string {
	return fmt.Sprintf("storage quota exceeded: %d bytes requested, %d/%d bytes used",
		e.Requested, e.UsedBytes, e.LimitBytes)
}

// Unwrap makes errors.Is(err, ErrQuotaExceeded) work.
func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}
