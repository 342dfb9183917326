package sqlite

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filevault/filevault/internal/domain"
)

func TestQuotaRepository_LazyRowCreation(t *testing.T) {
	db := newTestDB(t)
	repo := NewQuotaRepository(db)
	ctx := context.Background()

	quota, err := repo.Get(ctx, "alice", 1000)
	require.NoError(t, err)
	require.Equal(t, "alice", quota.Owner)
	require.Equal(t, int64(0), quota.UsedBytes)
	require.Equal(t, int64(1000), quota.LimitBytes)

	// A second Get with a different default must not reset the row.
	quota, err = repo.Get(ctx, "alice", 5000)
	require.NoError(t, err)
	require.Equal(t, int64(1000), quota.LimitBytes)
}

func TestQuotaRepository_TryReserveBoundary(t *testing.T) {
	db := newTestDB(t)
	repo := NewQuotaRepository(db)
	ctx := context.Background()

	// Exactly filling the limit is allowed.
	require.NoError(t, repo.TryReserve(ctx, "alice", 600, 1000))
	require.NoError(t, repo.TryReserve(ctx, "alice", 400, 1000))

	// One more byte is not.
	err := repo.TryReserve(ctx, "alice", 1, 1000)
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)

	var qerr *domain.QuotaError
	require.True(t, errors.As(err, &qerr))
	require.Equal(t, int64(1), qerr.Requested)
	require.Equal(t, int64(1000), qerr.UsedBytes)
	require.Equal(t, int64(1000), qerr.LimitBytes)
}

func TestQuotaRepository_ReleaseFloorsAtZero(t *testing.T) {
	db := newTestDB(t)
	repo := NewQuotaRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.TryReserve(ctx, "alice", 100, 1000))
	require.NoError(t, repo.Release(ctx, "alice", 500))

	quota, err := repo.Get(ctx, "alice", 1000)
	require.NoError(t, err)
	require.Equal(t, int64(0), quota.UsedBytes)
}

func TestQuotaRepository_SetLimit(t *testing.T) {
	db := newTestDB(t)
	repo := NewQuotaRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.TryReserve(ctx, "alice", 900, 1000))
	require.NoError(t, repo.SetLimit(ctx, "alice", 500))

	quota, err := repo.Get(ctx, "alice", 1000)
	require.NoError(t, err)
	require.Equal(t, int64(500), quota.LimitBytes)
	require.Equal(t, int64(900), quota.UsedBytes, "lowering the limit must not touch usage")

	// New reservations are checked against the lowered limit.
	require.ErrorIs(t, repo.TryReserve(ctx, "alice", 1, 1000), domain.ErrQuotaExceeded)

	// SetLimit on an unknown owner creates the row.
	require.NoError(t, repo.SetLimit(ctx, "bob", 2000))
	quota, err = repo.Get(ctx, "bob", 1000)
	require.NoError(t, err)
	require.Equal(t, int64(2000), quota.LimitBytes)
}

func TestQuotaRepository_ConcurrentReservations(t *testing.T) {
	db := newTestDB(t)
	repo := NewQuotaRepository(db)
	ctx := context.Background()

	// 20 workers race to reserve 100 bytes against a 1000-byte limit.
	// Exactly 10 must win, no matter the interleaving.
	const workers = 20
	const size = 100
	const limit = 1000

	var succeeded atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if err := repo.TryReserve(ctx, "alice", size, limit); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(limit/size), succeeded.Load())

	quota, err := repo.Get(ctx, "alice", limit)
	require.NoError(t, err)
	require.Equal(t, int64(limit), quota.UsedBytes)
}
