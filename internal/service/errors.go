// Package service provides business logic services for the file vault.
package service

import "errors"

// Common service errors.
var (
	// ErrInternalError wraps infrastructure failures (database, disk,
	// cache) so handlers can map them to a generic 500 without leaking
	// detail.
	ErrInternalError = errors.New("internal server error")

	// ErrGCAlreadyRunning indicates another instance holds the GC lock.
	ErrGCAlreadyRunning = errors.New("garbage collection already running")
)
