package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/filevault/filevault/internal/domain"
	"github.com/filevault/filevault/internal/lock"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/repository"
	"github.com/filevault/filevault/internal/storage"
)

// GarbageCollector sweeps blobs whose inline reclamation did not finish:
// records marked pending_reclaim and zero-reference rows past the grace
// period. It also clears stale upload spools. Normal deletes reclaim
// inline; the sweeper only handles leftovers from crashes and transient
// disk failures.
type GarbageCollector struct {
	blobRepo    repository.BlobRepository
	storage     storage.Backend
	locker      lock.Locker
	digestLocks *lock.KeyMutex
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	config      GCConfig

	// Control
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// GCConfig contains garbage collection configuration.
type GCConfig struct {
	// Enabled determines if GC runs automatically.
	Enabled bool

	// Interval is how often to run garbage collection.
	Interval time.Duration

	// GracePeriod is how long an untagged zero-reference blob must sit
	// before the sweeper treats it as abandoned. Prevents races with
	// uploads that are between blob creation and entry creation.
	GracePeriod time.Duration

	// BatchSize is the maximum number of blobs to process per run.
	BatchSize int

	// DryRun logs what would be deleted without actually deleting.
	DryRun bool
}

// DefaultGCConfig returns sensible defaults.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		Enabled:     true,
		Interval:    1 * time.Hour,
		GracePeriod: 24 * time.Hour,
		BatchSize:   1000,
		DryRun:      false,
	}
}

// NewGarbageCollector creates a new garbage collector. digestLocks must
// be the FileService's per-digest mutex when both run in one process,
// so the sweep and the upload path serialize on the same digest; pass
// nil for standalone use and a private mutex is created.
func NewGarbageCollector(
	blobRepo repository.BlobRepository,
	storage storage.Backend,
	locker lock.Locker,
	digestLocks *lock.KeyMutex,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config GCConfig,
) *GarbageCollector {
	if digestLocks == nil {
		digestLocks = lock.NewKeyMutex()
	}
	return &GarbageCollector{
		blobRepo:    blobRepo,
		storage:     storage,
		locker:      locker,
		digestLocks: digestLocks,
		metrics:     m,
		logger:      logger.With().Str("service", "gc").Logger(),
		config:      config,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// Start begins the garbage collection scheduler.
func (gc *GarbageCollector) Start() {
	gc.mu.Lock()
	if gc.running {
		gc.mu.Unlock()
		return
	}
	gc.running = true
	gc.mu.Unlock()

	gc.logger.Info().
		Dur("interval", gc.config.Interval).
		Dur("grace_period", gc.config.GracePeriod).
		Int("batch_size", gc.config.BatchSize).
		Bool("dry_run", gc.config.DryRun).
		Msg("starting garbage collector")

	go gc.runLoop()
}

// Stop stops the garbage collection scheduler.
func (gc *GarbageCollector) Stop() {
	gc.mu.Lock()
	if !gc.running {
		gc.mu.Unlock()
		return
	}
	gc.running = false
	gc.mu.Unlock()

	close(gc.stopChan)
	<-gc.doneChan

	gc.logger.Info().Msg("garbage collector stopped")
}

// runLoop is the main garbage collection loop.
func (gc *GarbageCollector) runLoop() {
	defer close(gc.doneChan)

	// Run immediately on start
	gc.runOnce()

	ticker := time.NewTicker(gc.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			gc.runOnce()
		case <-gc.stopChan:
			return
		}
	}
}

// RunOnce executes a single garbage collection run.
// This can be called manually or by the scheduler.
func (gc *GarbageCollector) RunOnce(ctx context.Context) GCResult {
	return gc.runWithContext(ctx)
}

// runOnce is called by the scheduler loop.
func (gc *GarbageCollector) runOnce() {
	ctx := context.Background()
	gc.runWithContext(ctx)
}

// GCResult contains the result of a garbage collection run.
type GCResult struct {
	// BlobsDeleted is the number of blobs deleted.
	BlobsDeleted int

	// BytesFreed is the total bytes freed.
	BytesFreed int64

	// SpoolsRemoved is the number of stale upload spools removed.
	SpoolsRemoved int

	// Errors is the number of errors encountered.
	Errors int

	// Duration is how long the run took.
	Duration time.Duration

	// BlobsRemaining is the approximate number of reclaimable blobs
	// still pending after this run.
	BlobsRemaining int
}

// runWithContext executes garbage collection with the given context.
func (gc *GarbageCollector) runWithContext(ctx context.Context) GCResult {
	start := time.Now()
	result := GCResult{}

	gc.logger.Debug().Msg("starting garbage collection run")

	// Acquire distributed lock to prevent concurrent GC runs
	lockKey := lock.Keys.BlobGC()
	lockTTL := gc.config.Interval / 2 // Lock expires before next scheduled run
	if lockTTL < 5*time.Minute {
		lockTTL = 5 * time.Minute
	}

	acquired, err := gc.locker.Acquire(ctx, lockKey, lockTTL)
	if err != nil {
		gc.logger.Error().Err(err).Msg("failed to acquire gc lock")
		result.Errors++
		result.Duration = time.Since(start)
		return result
	}
	if !acquired {
		gc.logger.Debug().Msg("gc lock held by another process, skipping run")
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if _, err := gc.locker.Release(ctx, lockKey); err != nil {
			gc.logger.Error().Err(err).Msg("failed to release gc lock")
		}
	}()

	blobs, err := gc.blobRepo.ListReclaimable(ctx, gc.config.GracePeriod, gc.config.BatchSize)
	if err != nil {
		gc.logger.Error().Err(err).Msg("failed to list reclaimable blobs")
		result.Errors++
		result.Duration = time.Since(start)
		return result
	}

	if gc.metrics != nil {
		gc.metrics.GCOrphanBlobs.Set(float64(len(blobs)))
	}

	for _, blob := range blobs {
		if gc.config.DryRun {
			gc.logger.Info().
				Str("digest", blob.Digest).
				Int64("size", blob.Size).
				Msg("[DRY RUN] would reclaim blob")
			result.BlobsDeleted++
			result.BytesFreed += blob.Size
			continue
		}

		gc.reclaimOne(ctx, blob.Digest, &result)
	}

	if !gc.config.DryRun {
		// Stale spools are uploads that died between receive and commit.
		removed, err := gc.storage.CleanupSpools(ctx, gc.config.GracePeriod)
		if err != nil {
			gc.logger.Error().Err(err).Msg("failed to clean up stale spools")
			result.Errors++
		}
		result.SpoolsRemoved = removed
	}

	result.Duration = time.Since(start)

	if len(blobs) == gc.config.BatchSize {
		remaining, _ := gc.blobRepo.ListReclaimable(ctx, gc.config.GracePeriod, 1)
		result.BlobsRemaining = len(remaining)
		if len(remaining) > 0 {
			gc.logger.Info().Msg("more reclaimable blobs remain for next run")
		}
	}

	if gc.metrics != nil {
		gc.metrics.RecordGCRun(result.Duration.Seconds(), result.BlobsDeleted, result.BytesFreed)
		gc.metrics.GCLastRunTime.SetToCurrentTime()
		if result.BlobsRemaining == 0 && len(blobs) < gc.config.BatchSize {
			gc.metrics.GCOrphanBlobs.Set(0)
		}
	}

	gc.logger.Info().
		Int("blobs_deleted", result.BlobsDeleted).
		Int64("bytes_freed", result.BytesFreed).
		Int("spools_removed", result.SpoolsRemoved).
		Int("errors", result.Errors).
		Dur("duration", result.Duration).
		Msg("garbage collection run completed")

	return result
}

// reclaimOne removes one listed blob's bytes and record. The listing
// may be stale by the time this blob's turn comes: an upload can have
// finished the reclamation itself and committed a fresh blob at the
// same content-addressed path, or taken a new reference on a zero-ref
// row. The record is therefore re-read under the digest mutex, and
// nothing is touched unless it is still reclaimable.
func (gc *GarbageCollector) reclaimOne(ctx context.Context, digest string, result *GCResult) {
	unlock := gc.digestLocks.Lock(digest)
	defer unlock()

	blob, err := gc.blobRepo.GetAnyState(ctx, digest)
	if err != nil {
		if errors.Is(err, domain.ErrBlobNotFound) {
			// Already reclaimed inline since the listing was taken.
			return
		}
		gc.logger.Error().
			Err(err).
			Str("digest", digest).
			Msg("failed to re-read blob state")
		result.Errors++
		return
	}
	if !blob.IsReclaimable(gc.config.GracePeriod) {
		gc.logger.Debug().
			Str("digest", digest).
			Msg("blob referenced again since listing, skipping")
		return
	}

	// Delete bytes first; the record only goes once the bytes are
	// gone, so a crash between the two leaves a sweepable record,
	// never unreferenced bytes without one.
	if err := gc.storage.Delete(ctx, digest); err != nil {
		gc.logger.Error().
			Err(err).
			Str("digest", digest).
			Msg("failed to delete blob from storage")
		result.Errors++
		return
	}

	if err := gc.blobRepo.Delete(ctx, digest); err != nil {
		gc.logger.Error().
			Err(err).
			Str("digest", digest).
			Msg("failed to delete blob record")
		result.Errors++
		return
	}

	gc.logger.Debug().
		Str("digest", digest).
		Int64("size", blob.Size).
		Msg("reclaimed blob")

	result.BlobsDeleted++
	result.BytesFreed += blob.Size
}

// GetStats returns current GC statistics.
func (gc *GarbageCollector) GetStats(ctx context.Context) (*GCStats, error) {
	blobs, err := gc.blobRepo.ListReclaimable(ctx, gc.config.GracePeriod, gc.config.BatchSize+1)
	if err != nil {
		return nil, err
	}

	var totalSize int64
	for _, blob := range blobs {
		totalSize += blob.Size
	}

	hasMore := len(blobs) > gc.config.BatchSize
	if hasMore {
		blobs = blobs[:gc.config.BatchSize]
	}

	return &GCStats{
		ReclaimableCount: len(blobs),
		ReclaimableSize:  totalSize,
		HasMore:          hasMore,
		GracePeriod:      gc.config.GracePeriod,
		NextRunIn:        gc.config.Interval,
	}, nil
}

// GCStats contains garbage collection statistics.
type GCStats struct {
	ReclaimableCount int
	ReclaimableSize  int64
	HasMore          bool
	GracePeriod      time.Duration
	NextRunIn        time.Duration
}
