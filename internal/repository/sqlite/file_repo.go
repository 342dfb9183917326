package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/filevault/filevault/internal/domain"
	"github.com/filevault/filevault/internal/repository"
)

// fileRepository implements repository.FileRepository for SQLite.
type fileRepository struct {
	db *DB
}

// NewFileRepository creates a new SQLite file repository.
func NewFileRepository(db *DB) repository.FileRepository {
	return &fileRepository{db: db}
}

const fileColumns = `id, owner, blob_digest, display_name, size, content_type, created_at`

// fileFilterClause guards every filter with a zero-value check so the
// query stays static. Time bounds are passed as RFC3339 strings, empty
// meaning unbounded.
const fileFilterClause = `
	owner = ?
	AND (? = '' OR display_name LIKE '%' || ? || '%' COLLATE NOCASE)
	AND (? = '' OR content_type = ?)
	AND (? = 0 OR size >= ?)
	AND (? = 0 OR size <= ?)
	AND (? = '' OR created_at > ?)
	AND (? = '' OR created_at < ?)
`

// filterArgs flattens FileListOptions into the placeholder list for
// fileFilterClause.
func filterArgs(owner string, opts repository.FileListOptions) []interface{} {
	var after, before string
	if !opts.CreatedAfter.IsZero() {
		after = opts.CreatedAfter.UTC().Format(time.RFC3339)
	}
	if !opts.CreatedBefore.IsZero() {
		before = opts.CreatedBefore.UTC().Format(time.RFC3339)
	}

	return []interface{}{
		owner,
		opts.NameContains, opts.NameContains,
		opts.ContentType, opts.ContentType,
		opts.MinSize, opts.MinSize,
		opts.MaxSize, opts.MaxSize,
		after, after,
		before, before,
	}
}

// Create inserts a new file entry.
func (r *fileRepository) Create(ctx context.Context, file *domain.File) error {
	query := `
		INSERT INTO files (id, owner, blob_digest, display_name, size, content_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	createdAt := file.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		file.ID.String(),
		file.Owner,
		file.BlobDigest,
		file.DisplayName,
		file.Size,
		file.ContentType,
		createdAt.Format(time.RFC3339),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrBlobNotFound
		}
		return fmt.Errorf("failed to create file entry: %w", err)
	}

	file.CreatedAt = createdAt
	return nil
}

// GetByID retrieves a file entry owned by owner.
func (r *fileRepository) GetByID(ctx context.Context, id uuid.UUID, owner string) (*domain.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = ? AND owner = ?`
	return r.scanFile(r.db.QueryRowContext(ctx, query, id.String(), owner))
}

// Delete removes a file entry owned by owner and returns the removed row.
func (r *fileRepository) Delete(ctx context.Context, id uuid.UUID, owner string) (*domain.File, error) {
	var removed *domain.File
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT ` + fileColumns + ` FROM files WHERE id = ? AND owner = ?`
		file, err := r.scanFile(tx.QueryRowContext(ctx, query, id.String(), owner))
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id.String()); err != nil {
			return fmt.Errorf("failed to delete file entry: %w", err)
		}

		removed = file
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Rename updates the display name only and returns the updated row.
func (r *fileRepository) Rename(ctx context.Context, id uuid.UUID, owner string, displayName string) (*domain.File, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE files SET display_name = ? WHERE id = ? AND owner = ?`,
		displayName, id.String(), owner,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to rename file: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return nil, domain.ErrFileNotFound
	}

	return r.GetByID(ctx, id, owner)
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
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}

	query := `
		SELECT ` + fileColumns + `
		FROM files
		WHERE ` + fileFilterClause + `
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := r.db.QueryContext(ctx, query, append(args, limit, opts.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*domain.File
	for rows.Next() {
		file, err := scanFileRow(rows)
		if err != nil {
			return nil, err
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
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT content_type FROM files WHERE owner = ? ORDER BY content_type ASC`,
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
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE owner = ?`, owner,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count files: %w", err)
	}
	return count, nil
}

// scanFile scans a single file row.
func (r *fileRepository) scanFile(row *sql.Row) (*domain.File, error) {
	file := &domain.File{}
	var idStr, createdAt string

	err := row.Scan(
		&idStr,
		&file.Owner,
		&file.BlobDigest,
		&file.DisplayName,
		&file.Size,
		&file.ContentType,
		&createdAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file entry: %w", err)
	}

	file.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse file id: %w", err)
	}
	file.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return file, nil
}

// scanFileRow scans a file from a rows iterator.
func scanFileRow(rows *sql.Rows) (*domain.File, error) {
	file := &domain.File{}
	var idStr, createdAt string

	err := rows.Scan(
		&idStr,
		&file.Owner,
		&file.BlobDigest,
		&file.DisplayName,
		&file.Size,
		&file.ContentType,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan file entry: %w", err)
	}

	file.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse file id: %w", err)
	}
	file.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return file, nil
}

// Ensure fileRepository implements repository.FileRepository.
var _ repository.FileRepository = (*fileRepository)(nil)
