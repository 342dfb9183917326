package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/filevault/filevault/internal/auth"
	"github.com/filevault/filevault/internal/cache/memory"
)

func rateLimitedServer(t *testing.T, requests int, window time.Duration) *httptest.Server {
	t.Helper()

	cache := memory.NewCache()
	t.Cleanup(cache.Stop)

	limiter := NewRateLimiter(cache, requests, window, zerolog.Nop())
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(auth.Middleware(auth.Config{}, zerolog.Nop())(limiter.Middleware(inner)))
	t.Cleanup(srv.Close)
	return srv
}

func getAs(t *testing.T, srv *httptest.Server, owner string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/files", nil)
	require.NoError(t, err)
	req.Header.Set("UserId", owner)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestRateLimiter_EnforcesWindowLimit(t *testing.T) {
	srv := rateLimitedServer(t, 2, time.Minute)

	first := getAs(t, srv, "alice")
	require.Equal(t, http.StatusOK, first.StatusCode)
	require.Equal(t, "2", first.Header.Get("X-RateLimit-Limit"))
	require.Equal(t, "1", first.Header.Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, first.Header.Get("X-RateLimit-Reset"))

	second := getAs(t, srv, "alice")
	require.Equal(t, http.StatusOK, second.StatusCode)
	require.Equal(t, "0", second.Header.Get("X-RateLimit-Remaining"))

	third := getAs(t, srv, "alice")
	require.Equal(t, http.StatusTooManyRequests, third.StatusCode)
	require.Equal(t, "0", third.Header.Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, third.Header.Get("Retry-After"))
}

func TestRateLimiter_OwnersAreIndependent(t *testing.T) {
	srv := rateLimitedServer(t, 1, time.Minute)

	require.Equal(t, http.StatusOK, getAs(t, srv, "alice").StatusCode)
	require.Equal(t, http.StatusTooManyRequests, getAs(t, srv, "alice").StatusCode)

	// Bob's window is untouched by alice's burst.
	require.Equal(t, http.StatusOK, getAs(t, srv, "bob").StatusCode)
}

func TestRateLimiter_WindowRollsOver(t *testing.T) {
	const window = 100 * time.Millisecond
	srv := rateLimitedServer(t, 1, window)

	// Start just inside a fresh window so both requests land in it.
	boundary := time.Now().Truncate(window).Add(window)
	time.Sleep(time.Until(boundary) + 5*time.Millisecond)

	require.Equal(t, http.StatusOK, getAs(t, srv, "alice").StatusCode)
	require.Equal(t, http.StatusTooManyRequests, getAs(t, srv, "alice").StatusCode)

	time.Sleep(window + 10*time.Millisecond)
	require.Equal(t, http.StatusOK, getAs(t, srv, "alice").StatusCode)
}

func TestRateLimiter_SkipsAnonymousPaths(t *testing.T) {
	cache := memory.NewCache()
	t.Cleanup(cache.Stop)
	limiter := NewRateLimiter(cache, 1, time.Minute, zerolog.Nop())

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := limiter.Middleware(inner)

	// No owner in context: the limiter stays out of the way.
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil).WithContext(context.Background()))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}
