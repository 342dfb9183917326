package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/filevault/filevault/internal/auth"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/repository"
)

// requestLogger logs one line per request with latency and status.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	log := logger.With().Str("component", "http").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("owner", auth.OwnerFromContext(r.Context())).
				Msg("request")
		})
	}
}

// metricsMiddleware observes request latency per route pattern.
func metricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.HTTPDuration.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).
				Observe(time.Since(start).Seconds())
		})
	}
}

// RateLimiter throttles requests per owner with a fixed window counter
// kept in the cache. Counter keys embed the window start, so windows
// roll over without any explicit reset.
type RateLimiter struct {
	cache    repository.Cache
	requests int64
	window   time.Duration
	logger   zerolog.Logger
}

// NewRateLimiter creates a rate limiter allowing requests per window.
func NewRateLimiter(cache repository.Cache, requests int, window time.Duration, logger zerolog.Logger) *RateLimiter {
	if requests <= 0 {
		requests = 2
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		cache:    cache,
		requests: int64(requests),
		window:   window,
		logger:   logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Middleware enforces the limit for identified owners. Requests that
// carry no identity (health, metrics) pass through untouched.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	var keys repository.CacheKey

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := auth.OwnerFromContext(r.Context())
		if owner == "" {
			next.ServeHTTP(w, r)
			return
		}

		now := time.Now()
		windowStart := now.Truncate(rl.window)
		key := keys.RateLimit(owner, windowStart.Unix())

		count, err := rl.cache.Increment(r.Context(), key, 1)
		if err != nil {
			// Degrade open: a broken cache must not take the API down.
			rl.logger.Warn().Err(err).Msg("rate limit counter unavailable")
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			// Expire a full window after the current one ends so slow
			// clocks never see the counter vanish mid-window.
			_ = rl.cache.Expire(r.Context(), key, 2*rl.window)
		}

		reset := windowStart.Add(rl.window)
		remaining := rl.requests - count
		if remaining < 0 {
			remaining = 0
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(rl.requests, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > rl.requests {
			retryAfter := time.Until(reset)
			if retryAfter < 0 {
				retryAfter = 0
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(errorResponse{Error: apiError{
				Code:    "rate_limited",
				Message: "request was throttled, slow down",
			}})
			return
		}

		next.ServeHTTP(w, r)
	})
}
