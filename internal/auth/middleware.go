// Package auth provides header-based owner identification for the file
// vault. Callers identify themselves with a UserId header; the gateway
// in front of the vault is trusted to have authenticated them.
package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/filevault/filevault/internal/domain"
)

// OwnerHeader is the request header carrying the caller's identity.
const OwnerHeader = "UserId"

// contextKey is a private type for context values set by this package.
type contextKey struct{}

// ownerContextKey stores the validated owner identity.
var ownerContextKey = contextKey{}

// Config contains configuration for the auth middleware.
type Config struct {
	// SkipPaths are paths that skip owner identification.
	SkipPaths []string
}

// DefaultConfig returns the default auth configuration.
func DefaultConfig() Config {
	return Config{
		SkipPaths: []string{"/health", "/ready", "/metrics"},
	}
}

// Middleware validates the UserId header and stores the owner identity
// in the request context. Requests without a valid identity get a 401.
func Middleware(config Config, logger zerolog.Logger) func(http.Handler) http.Handler {
	log := logger.With().Str("component", "auth").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, path := range config.SkipPaths {
				if r.URL.Path == path {
					next.ServeHTTP(w, r)
					return
				}
			}

			owner := r.Header.Get(OwnerHeader)
			if err := domain.ValidateOwner(owner); err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected request with invalid owner identity")
				writeAuthError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), ownerContextKey, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OwnerFromContext returns the validated owner identity, or "" when the
// request skipped identification.
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerContextKey).(string)
	return owner
}

// writeAuthError writes a JSON error response for identification failures.
func writeAuthError(w http.ResponseWriter, err error) {
	kind := "authentication_required"
	if err == domain.ErrOwnerInvalid {
		kind = "invalid_identity"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    kind,
			"message": err.Error(),
		},
	})
}
