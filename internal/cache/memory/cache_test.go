package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filevault/filevault/internal/repository"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	c := NewCache()
	t.Cleanup(c.Stop)
	return c
}

func TestCache_GetSet(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	// The returned slice is a copy.
	got[0] = 'x'
	again, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), again)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 20*time.Millisecond))

	exists, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	require.True(t, exists)

	time.Sleep(30 * time.Millisecond)

	_, err = c.Get(ctx, "k")
	require.ErrorIs(t, err, repository.ErrCacheMiss)
	exists, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCache_SetNX(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", []byte("first"), 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.SetNX(ctx, "k", []byte("second"), 0)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)

	// An expired key can be taken again.
	require.NoError(t, c.Set(ctx, "e", []byte("old"), 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	ok, err = c.SetNX(ctx, "e", []byte("new"), 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCache_IncrementKeepsExpiry(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	// A fresh counter has no expiry until Expire is called.
	n, err := c.Increment(ctx, "counter", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, c.Expire(ctx, "counter", time.Minute))

	n, err = c.Increment(ctx, "counter", 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	// The increment must not wipe the TTL.
	ttl, err := c.TTL(ctx, "counter")
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))

	n, err = c.Decrement(ctx, "counter", 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestCache_IncrementConcurrent(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	const workers = 20
	const perWorker = 50

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, _ = c.Increment(ctx, "counter", 1)
			}
		}()
	}
	wg.Wait()

	n, err := c.Increment(ctx, "counter", 0)
	require.NoError(t, err)
	require.Equal(t, int64(workers*perWorker), n)
}

func TestCache_Delete(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, c.Delete(ctx, "k"))

	_, err := c.Get(ctx, "k")
	require.ErrorIs(t, err, repository.ErrCacheMiss)
}
