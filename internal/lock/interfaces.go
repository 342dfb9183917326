// Package lock provides the locking primitives the vault relies on:
// an in-process per-key mutex for digest-scoped critical sections, and a
// TTL-based Locker abstraction (memory or Redis) used to keep background
// jobs from running concurrently across processes.
package lock

import (
	"context"
	"time"
)

// Locker defines the interface for TTL-based advisory locking.
// This abstraction allows switching between in-memory locks (single-node)
// and Redis-based locks (multi-process) without changing business logic.
type Locker interface {
	// Acquire attempts to acquire a lock.
	// Returns true if the lock was acquired, false if it's held by another process.
	// The lock will automatically expire after the specified TTL.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// AcquireWithRetry attempts to acquire a lock with retries.
	// Will retry up to maxRetries times with retryDelay between attempts.
	AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (bool, error)

	// Release releases a lock.
	// Returns true if the lock was released, false if it wasn't held.
	Release(ctx context.Context, key string) (bool, error)

	// Extend extends the TTL of a held lock.
	// Returns true if the lock was extended, false if it's not held.
	Extend(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// IsHeld checks if the lock is currently held.
	IsHeld(ctx context.Context, key string) (bool, error)
}

// =============================================================================
// Common Lock Keys
// =============================================================================

// Keys provides lock key generation for common scenarios.
var Keys = lockKeys{}

type lockKeys struct{}

// BlobGC returns the lock key guarding garbage collection runs, so only
// one process sweeps orphan blobs at a time.
func (lockKeys) BlobGC() string {
	return "lock:gc:blob"
}

// Digest returns the advisory lock key for operations on one blob digest.
func (lockKeys) Digest(digest string) string {
	return "lock:blob:" + digest
}
