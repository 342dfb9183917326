package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/filevault/filevault/internal/domain"
	"github.com/filevault/filevault/internal/lock"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/repository"
	"github.com/filevault/filevault/internal/storage"
)

// FileService coordinates uploads, downloads and deletes across the
// blob store, the ownership ledger and the quota ledger.
//
// Concurrency model: all blob mutations for one digest happen under the
// per-digest key mutex, and all quota mutations are single atomic SQL
// statements. There is no global lock; operations on unrelated digests
// and owners proceed in parallel.
type FileService struct {
	fileRepo     repository.FileRepository
	blobRepo     repository.BlobRepository
	quotaRepo    repository.QuotaRepository
	storage      storage.Backend
	digestLocks  *lock.KeyMutex
	metrics      *metrics.Metrics
	maxFileSize  int64
	defaultQuota int64
	logger       zerolog.Logger
}

// FileServiceConfig bundles construction parameters for FileService.
type FileServiceConfig struct {
	FileRepo     repository.FileRepository
	BlobRepo     repository.BlobRepository
	QuotaRepo    repository.QuotaRepository
	Storage      storage.Backend
	Metrics      *metrics.Metrics
	MaxFileSize  int64
	DefaultQuota int64
}

// NewFileService creates a new FileService.
func NewFileService(cfg FileServiceConfig, logger zerolog.Logger) *FileService {
	maxFileSize := cfg.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = domain.MaxFileSize
	}
	defaultQuota := cfg.DefaultQuota
	if defaultQuota <= 0 {
		defaultQuota = domain.DefaultQuotaBytes
	}

	return &FileService{
		fileRepo:     cfg.FileRepo,
		blobRepo:     cfg.BlobRepo,
		quotaRepo:    cfg.QuotaRepo,
		storage:      cfg.Storage,
		digestLocks:  lock.NewKeyMutex(),
		metrics:      cfg.Metrics,
		maxFileSize:  maxFileSize,
		defaultQuota: defaultQuota,
		logger:       logger.With().Str("service", "file").Logger(),
	}
}

// DigestLocks exposes the per-digest mutex so the garbage collector can
// serialize its sweep against uploads and deletes on the same digest.
func (s *FileService) DigestLocks() *lock.KeyMutex {
	return s.digestLocks
}

// =============================================================================
// Input/Output Structs
// =============================================================================

// UploadInput contains the data needed to store a file.
type UploadInput struct {
	Owner       string
	DisplayName string
	ContentType string
	Body        io.Reader
}

// UploadOutput contains the result of storing a file.
type UploadOutput struct {
	File *domain.File

	// Deduplicated is true when the content already existed and only a
	// new reference was recorded.
	Deduplicated bool
}

// DownloadOutput contains a file entry and its content stream.
type DownloadOutput struct {
	File *domain.File

	// Body streams the blob content. The caller must close it.
	Body io.ReadCloser
}

// ListInput controls file listing.
type ListInput struct {
	NameContains  string
	ContentType   string
	MinSize       int64
	MaxSize       int64
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// ListOutput contains one page of a file listing.
type ListOutput struct {
	Files []*domain.File
	Total int64
}

// StatsOutput summarizes an owner's storage usage.
type StatsOutput struct {
	UsedBytes    int64
	LimitBytes   int64
	UsagePercent float64
	FileCount    int64
}

// =============================================================================
// Service Methods
// =============================================================================

// Upload stores a file for an owner. Content is spooled to disk while
// hashing, quota is reserved, and the blob is either created or
// deduplicated against an existing copy. Every step that mutates state
// has a compensation that runs if a later step fails, so a failed
// upload leaves no quota, reference or ledger residue.
func (s *FileService) Upload(ctx context.Context, input UploadInput) (*UploadOutput, error) {
	if err := domain.ValidateOwner(input.Owner); err != nil {
		return nil, err
	}
	contentType := input.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := domain.ValidateContentType(contentType); err != nil {
		return nil, err
	}
	displayName := domain.SanitizeFilename(input.DisplayName)

	spool, err := s.storage.Spool(ctx, input.Body, s.maxFileSize)
	if err != nil {
		s.recordUpload("failure")
		if errors.Is(err, domain.ErrFileTooLarge) {
			return nil, err
		}
		s.logger.Error().Err(err).Str("owner", input.Owner).Msg("failed to spool upload")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	// Discard is a no-op once the spool has been committed.
	defer func() { _ = spool.Discard() }()

	if spool.Size() == 0 {
		s.recordUpload("failure")
		return nil, domain.ErrFileEmpty
	}

	size := spool.Size()
	digest := spool.Digest()

	if err := s.quotaRepo.TryReserve(ctx, input.Owner, size, s.defaultQuota); err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			s.recordUpload("quota_exceeded")
			if s.metrics != nil {
				s.metrics.QuotaRejections.Inc()
			}
			return nil, err
		}
		s.recordUpload("failure")
		s.logger.Error().Err(err).Str("owner", input.Owner).Msg("failed to reserve quota")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	reserved := true
	defer func() {
		if reserved {
			if rerr := s.quotaRepo.Release(ctx, input.Owner, size); rerr != nil {
				s.logger.Error().Err(rerr).Str("owner", input.Owner).Msg("failed to release quota after aborted upload")
			}
		}
	}()

	// All blob mutations for this digest happen under its mutex.
	unlock := s.digestLocks.Lock(digest)
	defer unlock()

	deduplicated, err := s.resolveBlob(ctx, spool, digest, size)
	if err != nil {
		s.recordUpload("failure")
		return nil, err
	}
	referenced := true
	defer func() {
		if referenced {
			s.dropReference(ctx, digest)
		}
	}()

	file := domain.NewFile(input.Owner, displayName, contentType, digest, size)
	if err := s.fileRepo.Create(ctx, file); err != nil {
		s.recordUpload("failure")
		s.logger.Error().Err(err).Str("owner", input.Owner).Str("digest", digest).Msg("failed to create file entry")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	// Success: disarm the compensations.
	reserved = false
	referenced = false

	s.recordUpload("success")
	if s.metrics != nil {
		s.metrics.BytesUploaded.Add(float64(size))
		if deduplicated {
			s.metrics.DedupHits.Inc()
		} else {
			s.metrics.BytesStored.Add(float64(size))
		}
	}

	s.logger.Info().
		Str("owner", input.Owner).
		Str("file_id", file.ID.String()).
		Str("digest", digest).
		Int64("size", size).
		Bool("deduplicated", deduplicated).
		Msg("file uploaded")

	return &UploadOutput{File: file, Deduplicated: deduplicated}, nil
}

// Delete removes an owner's file entry, drops the blob reference, and
// returns the declared size to the owner's quota. When the last
// reference goes away the blob's bytes are reclaimed inline.
func (s *FileService) Delete(ctx context.Context, owner string, fileID uuid.UUID) error {
	if err := domain.ValidateOwner(owner); err != nil {
		return err
	}

	// Ownership check and removal are one atomic statement; a foreign
	// id looks identical to a missing one.
	removed, err := s.fileRepo.Delete(ctx, fileID, owner)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			s.recordDelete("not_found")
			return err
		}
		s.recordDelete("failure")
		s.logger.Error().Err(err).Str("owner", owner).Str("file_id", fileID.String()).Msg("failed to delete file entry")
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	unlock := s.digestLocks.Lock(removed.BlobDigest)
	s.dropReference(ctx, removed.BlobDigest)
	unlock()

	if err := s.quotaRepo.Release(ctx, owner, removed.Size); err != nil {
		// The entry is gone; log and carry on rather than resurrect it.
		s.logger.Error().Err(err).Str("owner", owner).Int64("size", removed.Size).Msg("failed to release quota after delete")
	}

	s.recordDelete("success")
	s.logger.Info().
		Str("owner", owner).
		Str("file_id", fileID.String()).
		Str("digest", removed.BlobDigest).
		Msg("file deleted")

	return nil
}

// Get retrieves a file entry owned by owner.
func (s *FileService) Get(ctx context.Context, owner string, fileID uuid.UUID) (*domain.File, error) {
	if err := domain.ValidateOwner(owner); err != nil {
		return nil, err
	}

	file, err := s.fileRepo.GetByID(ctx, fileID, owner)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return file, nil
}

// Download retrieves a file entry and opens its content stream.
func (s *FileService) Download(ctx context.Context, owner string, fileID uuid.UUID) (*DownloadOutput, error) {
	file, err := s.Get(ctx, owner, fileID)
	if err != nil {
		return nil, err
	}

	body, err := s.storage.Open(ctx, file.BlobDigest)
	if err != nil {
		if errors.Is(err, domain.ErrBlobNotFound) {
			// Ledger says the blob exists but the bytes are gone.
			s.logger.Error().Str("digest", file.BlobDigest).Msg("blob bytes missing for live file entry")
			return nil, fmt.Errorf("%w: %v", ErrInternalError, domain.ErrBlobCorrupted)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	return &DownloadOutput{File: file, Body: body}, nil
}

// Rename updates a file's display name.
func (s *FileService) Rename(ctx context.Context, owner string, fileID uuid.UUID, newName string) (*domain.File, error) {
	if err := domain.ValidateOwner(owner); err != nil {
		return nil, err
	}
	if err := domain.ValidateDisplayName(newName); err != nil {
		return nil, err
	}
	displayName := domain.SanitizeFilename(newName)

	file, err := s.fileRepo.Rename(ctx, fileID, owner, displayName)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return file, nil
}

// List returns the owner's files matching the filters, newest first.
func (s *FileService) List(ctx context.Context, owner string, input ListInput) (*ListOutput, error) {
	if err := domain.ValidateOwner(owner); err != nil {
		return nil, err
	}

	result, err := s.fileRepo.List(ctx, owner, repository.FileListOptions{
		NameContains:  input.NameContains,
		ContentType:   input.ContentType,
		MinSize:       input.MinSize,
		MaxSize:       input.MaxSize,
		CreatedAfter:  input.CreatedAfter,
		CreatedBefore: input.CreatedBefore,
		Limit:         input.Limit,
		Offset:        input.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	return &ListOutput{Files: result.Files, Total: result.Total}, nil
}

// ContentTypes returns the distinct MIME types among the owner's files.
func (s *FileService) ContentTypes(ctx context.Context, owner string) ([]string, error) {
	if err := domain.ValidateOwner(owner); err != nil {
		return nil, err
	}

	types, err := s.fileRepo.ListContentTypes(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return types, nil
}

// Stats summarizes the owner's storage usage.
func (s *FileService) Stats(ctx context.Context, owner string) (*StatsOutput, error) {
	if err := domain.ValidateOwner(owner); err != nil {
		return nil, err
	}

	quota, err := s.quotaRepo.Get(ctx, owner, s.defaultQuota)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	count, err := s.fileRepo.CountByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	return &StatsOutput{
		UsedBytes:    quota.UsedBytes,
		LimitBytes:   quota.LimitBytes,
		UsagePercent: quota.UsagePercent(),
		FileCount:    count,
	}, nil
}

// =============================================================================
// Blob resolution
// =============================================================================

// resolveBlob binds the spooled content to a blob record, either by
// incrementing an existing active blob's reference count or by
// committing the spool and creating a fresh record. Caller must hold
// the digest mutex. Returns whether the content was deduplicated.
func (s *FileService) resolveBlob(ctx context.Context, spool storage.Spool, digest string, size int64) (bool, error) {
	if _, err := s.blobRepo.IncrementRef(ctx, digest); err == nil {
		return true, nil
	} else if !errors.Is(err, domain.ErrBlobNotFound) {
		s.logger.Error().Err(err).Str("digest", digest).Msg("failed to increment blob refs")
		return false, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	// A record awaiting reclamation blocks the digest; finish the
	// reclamation here so the new blob starts clean.
	if stale, err := s.blobRepo.GetAnyState(ctx, digest); err == nil {
		if stale.State == domain.BlobStatePendingReclaim {
			if err := s.reclaimRecord(ctx, stale); err != nil {
				return false, fmt.Errorf("%w: %v", ErrInternalError, err)
			}
		} else {
			// Active row appeared between increment and lookup; take a
			// reference on it.
			if _, err := s.blobRepo.IncrementRef(ctx, digest); err != nil {
				return false, fmt.Errorf("%w: %v", ErrInternalError, err)
			}
			return true, nil
		}
	} else if !errors.Is(err, domain.ErrBlobNotFound) {
		return false, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	storagePath, err := spool.Commit(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("digest", digest).Msg("failed to commit blob")
		return false, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	blob := domain.NewBlob(digest, size, storagePath)
	if err := s.blobRepo.Create(ctx, blob); err != nil {
		if errors.Is(err, domain.ErrBlobExists) {
			// Another instance created the record first; its bytes are
			// identical, so just take a reference.
			if _, incErr := s.blobRepo.IncrementRef(ctx, digest); incErr == nil {
				return true, nil
			}
		}
		s.logger.Error().Err(err).Str("digest", digest).Msg("failed to create blob record")
		return false, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	return false, nil
}

// Transient repository failures on the dereference path are retried a
// few times before the blob is left over-retained.
const (
	derefRetries    = 2
	derefRetryDelay = 50 * time.Millisecond
)

// dropReference decrements a blob's reference count and reclaims the
// blob when the count reaches zero. Caller must hold the digest mutex.
func (s *FileService) dropReference(ctx context.Context, digest string) {
	var newCount int64
	var err error
	for attempt := 0; ; attempt++ {
		newCount, err = s.blobRepo.DecrementRef(ctx, digest)
		if err == nil || errors.Is(err, domain.ErrBlobNotFound) || attempt >= derefRetries {
			break
		}
		select {
		case <-ctx.Done():
			s.logger.Error().Err(ctx.Err()).Str("digest", digest).Msg("gave up decrementing blob refs")
			return
		case <-time.After(derefRetryDelay):
		}
	}
	if err != nil {
		s.logger.Error().Err(err).Str("digest", digest).Msg("failed to decrement blob refs")
		return
	}
	if newCount > 0 {
		return
	}

	if err := s.blobRepo.MarkPendingReclaim(ctx, digest); err != nil {
		s.logger.Error().Err(err).Str("digest", digest).Msg("failed to mark blob for reclaim")
		return
	}

	if err := s.storage.Delete(ctx, digest); err != nil {
		// GC picks the record up later; the bytes stay until then.
		s.logger.Warn().Err(err).Str("digest", digest).Msg("inline reclaim failed, leaving blob for gc")
		return
	}

	if err := s.blobRepo.Delete(ctx, digest); err != nil {
		s.logger.Error().Err(err).Str("digest", digest).Msg("failed to delete reclaimed blob record")
	}
}

// reclaimRecord finishes a pending reclamation: removes the bytes and
// the record. Caller must hold the digest mutex.
func (s *FileService) reclaimRecord(ctx context.Context, blob *domain.Blob) error {
	if err := s.storage.Delete(ctx, blob.Digest); err != nil {
		return err
	}
	if err := s.blobRepo.Delete(ctx, blob.Digest); err != nil && !errors.Is(err, domain.ErrBlobNotFound) {
		return err
	}
	return nil
}

func (s *FileService) recordUpload(result string) {
	if s.metrics != nil {
		s.metrics.UploadsTotal.WithLabelValues(result).Inc()
	}
}

func (s *FileService) recordDelete(result string) {
	if s.metrics != nil {
		s.metrics.DeletesTotal.WithLabelValues(result).Inc()
	}
}
