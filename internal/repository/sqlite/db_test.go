package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/filevault/filevault/internal/domain"
)

// newTestDB opens an in-memory database with the full schema applied.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(context.Background(), DefaultConfig(":memory:"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

// testDigest builds a syntactically valid 64-char hex digest.
func testDigest(n int) string {
	return fmt.Sprintf("%064x", n)
}

// mustCreateBlob inserts an active blob with ref_count 1.
func mustCreateBlob(t *testing.T, db *DB, digest string, size int64) *domain.Blob {
	t.Helper()

	blob := domain.NewBlob(digest, size, "/data/"+digest[:2]+"/"+digest[2:4]+"/"+digest)
	require.NoError(t, NewBlobRepository(db).Create(context.Background(), blob))
	return blob
}

func TestNewDB_AppliesPragmas(t *testing.T) {
	ctx := context.Background()

	// WAL only takes effect on a file-backed database.
	db, err := NewDB(ctx, DefaultConfig(filepath.Join(t.TempDir(), "vault.db")), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var journalMode string
	require.NoError(t, db.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&journalMode))
	require.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRowContext(ctx, `PRAGMA busy_timeout`).Scan(&busyTimeout))
	require.Equal(t, 5000, busyTimeout)

	var foreignKeys int
	require.NoError(t, db.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)
}
