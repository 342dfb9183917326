package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/domain"
	"github.com/filevault/filevault/internal/pkg/crypto"
)

// spoolPattern names temporary files so cleanup can find them.
const spoolPattern = "spool-*"

// retryDelay is the pause between attempts on transient disk errors.
const retryDelay = 50 * time.Millisecond

// FilesystemBackend implements Backend on a local filesystem.
// TempDir must live on the same filesystem as the data directory so
// that Commit is a single rename.
type FilesystemBackend struct {
	pathCfg   PathConfig
	tempDir   string
	algorithm string
	retries   int
	logger    zerolog.Logger
}

// NewFilesystemBackend creates a filesystem backend, creating the data
// and temp directories if needed.
func NewFilesystemBackend(cfg config.StorageConfig, logger zerolog.Logger) (*FilesystemBackend, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", domain.ErrStorageFailure, err)
	}

	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = filepath.Join(cfg.DataDir, ".tmp")
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create temp dir: %v", domain.ErrStorageFailure, err)
	}

	algorithm := cfg.HashAlgorithm
	if algorithm == "" {
		algorithm = crypto.AlgorithmSHA256
	}

	retries := cfg.WriteRetries
	if retries < 0 {
		retries = 0
	}

	return &FilesystemBackend{
		pathCfg:   DefaultPathConfig(cfg.DataDir),
		tempDir:   tempDir,
		algorithm: algorithm,
		retries:   retries,
		logger:    logger.With().Str("component", "storage").Logger(),
	}, nil
}

// Spool streams content into a temporary file while computing its digest.
func (b *FilesystemBackend) Spool(ctx context.Context, reader io.Reader, maxSize int64) (Spool, error) {
	tmp, err := os.CreateTemp(b.tempDir, spoolPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: create spool: %v", domain.ErrStorageFailure, err)
	}

	digester, err := crypto.NewDigestReader(reader, b.algorithm)
	if err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, err
	}

	// Read one byte past the limit so oversize streams are detected
	// without buffering the whole body.
	written, err := copyWithContext(ctx, tmp, io.LimitReader(digester, maxSize+1))
	if err == nil && written > maxSize {
		err = domain.ErrFileTooLarge
	}
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: close spool: %v", domain.ErrStorageFailure, cerr)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, err
	}

	return &fileSpool{
		backend: b,
		path:    tmp.Name(),
		digest:  digester.Digest(),
		size:    written,
	}, nil
}

// Open returns a reader over committed content.
func (b *FilesystemBackend) Open(ctx context.Context, digest string) (io.ReadCloser, error) {
	f, err := os.Open(b.GetPath(digest))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrBlobNotFound
		}
		return nil, fmt.Errorf("%w: open blob: %v", domain.ErrStorageFailure, err)
	}
	return f, nil
}

// Delete removes committed content. Missing files are not an error:
// a crashed earlier reclamation may already have removed the bytes.
func (b *FilesystemBackend) Delete(ctx context.Context, digest string) error {
	path := b.GetPath(digest)

	var err error
	for attempt := 0; attempt <= b.retries; attempt++ {
		err = os.Remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return fmt.Errorf("%w: delete blob: %v", domain.ErrStorageFailure, err)
}

// Exists checks whether committed content is present on disk.
func (b *FilesystemBackend) Exists(ctx context.Context, digest string) (bool, error) {
	_, err := os.Stat(b.GetPath(digest))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat blob: %v", domain.ErrStorageFailure, err)
	}
	return true, nil
}

// GetPath returns the content-addressed path for a digest.
func (b *FilesystemBackend) GetPath(digest string) string {
	return ComputePath(b.pathCfg, digest)
}

// CleanupSpools removes temporary files older than olderThan.
func (b *FilesystemBackend) CleanupSpools(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(b.tempDir)
	if err != nil {
		return 0, fmt.Errorf("%w: read temp dir: %v", domain.ErrStorageFailure, err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(b.tempDir, entry.Name())); err == nil {
			removed++
		}
	}

	return removed, nil
}

// Stats returns storage statistics by walking the blob tree.
func (b *FilesystemBackend) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := filepath.WalkDir(b.pathCfg.BasePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path == b.tempDir {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		stats.TotalBlobs++
		stats.TotalSize += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walk blob tree: %v", domain.ErrStorageFailure, err)
	}

	entries, err := os.ReadDir(b.tempDir)
	if err != nil {
		return stats, nil
	}
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		stats.SpooledFiles++
		if info, err := entry.Info(); err == nil {
			if age := now.Sub(info.ModTime()); age > stats.OldestSpool {
				stats.OldestSpool = age
			}
		}
	}

	return stats, nil
}

// fileSpool implements Spool for the filesystem backend.
type fileSpool struct {
	backend *FilesystemBackend
	path    string
	digest  string
	size    int64
	done    bool
}

func (s *fileSpool) Digest() string {
	return s.digest
}

func (s *fileSpool) Size() int64 {
	return s.size
}

// Commit moves the spool into its content-addressed location.
func (s *fileSpool) Commit(ctx context.Context) (string, error) {
	if s.done {
		return "", fmt.Errorf("%w: spool already finalized", domain.ErrStorageFailure)
	}

	target := s.backend.GetPath(s.digest)

	// Identical content may already be on disk from another upload.
	if _, err := os.Stat(target); err == nil {
		s.done = true
		_ = os.Remove(s.path)
		return target, nil
	}

	var err error
	for attempt := 0; attempt <= s.backend.retries; attempt++ {
		if err = os.MkdirAll(GetShardPath(s.backend.pathCfg, s.digest), 0o755); err == nil {
			if err = os.Rename(s.path, target); err == nil {
				s.done = true
				return target, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return "", fmt.Errorf("%w: commit blob: %v", domain.ErrStorageFailure, err)
}

// Discard removes the spool without committing.
func (s *fileSpool) Discard() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: discard spool: %v", domain.ErrStorageFailure, err)
	}
	return nil
}

// copyWithContext copies src to dst, checking for cancellation between
// chunks so a slow upload can be aborted.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 64*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, fmt.Errorf("%w: write spool: %v", domain.ErrStorageFailure, werr)
			}
			if wn < n {
				return written, fmt.Errorf("%w: short write", domain.ErrStorageFailure)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("failed to read upload stream: %w", rerr)
		}
	}
}

// Ensure FilesystemBackend implements Backend.
var _ Backend = (*FilesystemBackend)(nil)
