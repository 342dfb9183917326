package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/filevault/filevault/internal/domain"
	"github.com/filevault/filevault/internal/repository"
)

// fileRepository implements repository.FileRepository.
type fileRepository struct {
	db *DB
}

// NewFileRepository creates a new PostgreSQL file repository.
func NewFileRepository(db *DB) repository.FileRepository {
	return &fileRepository{db: db}
}

const fileColumns = `id, owner, blob_digest, display_name, size, content_type, created_at`

// fileFilterClause guards every filter with a zero-value check so the
// query stays static. Zero-time bounds mean unbounded.
const fileFilterClause = `
	owner = $1
	AND ($2 = '' OR display_name ILIKE '%' || $2 || '%')
	AND ($3 = '' OR content_type = $3)
	AND ($4::bigint = 0 OR size >= $4)
	AND ($5::bigint = 0 OR size <= $5)
	AND ($6::timestamptz IS NULL OR created_at > $6)
	AND ($7::timestamptz IS NULL OR created_at < $7)
`

// filterArgs flattens FileListOptions into the placeholder list for
// fileFilterClause.
func filterArgs(owner string, opts repository.FileListOptions) []any {
	var after, before *time.Time
	if !opts.CreatedAfter.IsZero() {
		t := opts.CreatedAfter.UTC()
		after = &t
	}
	if !opts.CreatedBefore.IsZero() {
		t := opts.CreatedBefore.UTC()
		before = &t
	}

	return []any{
		owner,
		opts.NameContains,
		opts.ContentType,
		opts.MinSize,
		opts.MaxSize,
		after,
		before,
	}
}

// Create inserts a new file entry.
func (r *fileRepository) Create(ctx context.Context, file *domain.File) error {
	query := `
		INSERT INTO files (id, owner, blob_digest, display_name, size, content_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	createdAt := file.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.Pool.Exec(ctx, query,
		file.ID,
		file.Owner,
		file.BlobDigest,
		file.DisplayName,
		file.Size,
		file.ContentType,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create file entry: %w", err)
	}

	file.CreatedAt = createdAt
	return nil
}

// GetByID retrieves a file entry owned by owner.
func (r *fileRepository) GetByID(ctx context.Context, id uuid.UUID, owner string) (*domain.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1 AND owner = $2`
	return scanFile(r.db.Pool.QueryRow(ctx, query, id, owner))
}

// Delete removes a file entry owned by owner and returns the removed row.
// DELETE ... RETURNING makes the ownership check and the removal one
// atomic statement.
func (r *fileRepository) Delete(ctx context.Context, id uuid.UUID, owner string) (*domain.File, error) {
	query := `DELETE FROM files WHERE id = $1 AND owner = $2 RETURNING ` + fileColumns
	return scanFile(r.db.Pool.QueryRow(ctx, query, id, owner))
}

// Rename updates the display name only and returns the updated row.
func (r *fileRepository) Rename(ctx context.Context, id uuid.UUID, owner string, displayName string) (*domain.File, error) {
	query := `
		UPDATE files SET display_name = $3
		WHERE id = $1 AND owner = $2
		RETURNING ` + fileColumns

	return scanFile(r.db.Pool.QueryRow(ctx, query, id, owner, displayName))
}

// List returns the owner's file entries matching opts, newest first.
func (r *fileRepository) List(ctx context.Context, owner string, opts repository.FileListOptions) (*repository.FileListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	args := filterArgs(owner, opts)

	var total int64
	countQuery := `SELECT COUNT(*) FROM files WHERE ` + fileFilterClause
	if err := r.db.Pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}

	query := `
		SELECT ` + fileColumns + `
		FROM files
		WHERE ` + fileFilterClause + `
		ORDER BY created_at DESC, id DESC
		LIMIT $8 OFFSET $9
	`

	rows, err := r.db.Pool.Query(ctx, query, append(args, limit, opts.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*domain.File
	for rows.Next() {
		file := &domain.File{}
		err := rows.Scan(
			&file.ID,
			&file.Owner,
			&file.BlobDigest,
			&file.DisplayName,
			&file.Size,
			&file.ContentType,
			&file.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file entry: %w", err)
		}
		files = append(files, file)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	return &repository.FileListResult{Files: files, Total: total}, nil
}

// ListContentTypes returns the distinct declared MIME types among the
// owner's live entries.
func (r *fileRepository) ListContentTypes(ctx context.Context, owner string) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT DISTINCT content_type FROM files WHERE owner = $1 ORDER BY content_type ASC`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list content types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var ct string
		if err := rows.Scan(&ct); err != nil {
			return nil, fmt.Errorf("failed to scan content type: %w", err)
		}
		types = append(types, ct)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating content types: %w", err)
	}

	return types, nil
}

// CountByOwner returns the number of live entries for an owner.
func (r *fileRepository) CountByOwner(ctx context.Context, owner string) (int64, error) {
	var count int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM files WHERE owner = $1`, owner,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count files: %w", err)
	}
	return count, nil
}

// scanFile scans a single file row.
func scanFile(row pgx.Row) (*domain.File, error) {
	file := &domain.File{}
	err := row.Scan(
		&file.ID,
		&file.Owner,
		&file.BlobDigest,
		&file.DisplayName,
		&file.Size,
		&file.ContentType,
		&file.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file entry: %w", err)
	}
	return file, nil
}

// Ensure fileRepository implements repository.FileRepository.
var _ repository.FileRepository = (*fileRepository)(nil)
