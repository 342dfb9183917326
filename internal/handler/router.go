// Package handler provides the HTTP surface of the vault API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/filevault/filevault/internal/auth"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/repository"
)

// Router assembles the middleware chain and routes.
type Router struct {
	files       *FileHandler
	rateLimiter *RateLimiter
	metrics     *metrics.Metrics
	health      repository.DatabaseHealth
	logger      zerolog.Logger
}

// RouterConfig contains the collaborators the router wires together.
type RouterConfig struct {
	FileHandler *FileHandler
	RateLimiter *RateLimiter
	Metrics     *metrics.Metrics
	Health      repository.DatabaseHealth
	Logger      zerolog.Logger
}

// NewRouter creates a Router.
func NewRouter(config RouterConfig) *Router {
	return &Router{
		files:       config.FileHandler,
		rateLimiter: config.RateLimiter,
		metrics:     config.Metrics,
		health:      config.Health,
		logger:      config.Logger.With().Str("component", "router").Logger(),
	}
}

// Handler returns the root HTTP handler.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(rt.logger))
	if rt.metrics != nil {
		r.Use(metricsMiddleware(rt.metrics))
		r.Method(http.MethodGet, "/metrics", rt.metrics.Handler())
	}

	r.Get("/health", rt.handleHealth)
	r.Get("/ready", rt.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(auth.DefaultConfig(), rt.logger))
		if rt.rateLimiter != nil {
			r.Use(rt.rateLimiter.Middleware)
		}

		r.Route("/files", func(r chi.Router) {
			r.Post("/", rt.files.Upload)
			r.Get("/", rt.files.List)
			r.Get("/types", rt.files.ContentTypes)
			r.Get("/{id}", rt.files.Get)
			r.Get("/{id}/download", rt.files.Download)
			r.Patch("/{id}", rt.files.Rename)
			r.Delete("/{id}", rt.files.Delete)
		})

		r.Get("/storage/stats", rt.files.Stats)
	})

	return r
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports readiness, which requires a reachable database.
func (rt *Router) handleReady(w http.ResponseWriter, r *http.Request) {
	if rt.health != nil {
		if err := rt.health.Ping(r.Context()); err != nil {
			rt.logger.Warn().Err(err).Msg("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"reason": "database unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
