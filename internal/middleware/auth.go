package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/mercutioviz/kast-web/internal/domain/users"
)

type contextKey string

const (
	UserKey   contextKey = "user"
	APIKeyKey contextKey = "api_key"
)

// openPaths skip authentication entirely: probes, and the public share
// endpoint which authorizes by token instead.
func openPath(p string) bool {
	if p == "/health" || p == "/ready" || p == "/live" || p == "/metrics" {
		return true
	}
	return strings.HasPrefix(p, "/api/v1/shared/")
}

// APIKeyAuth validates the Authorization header against the configured
// key-to-username map and loads the acting user into the request context.
func APIKeyAuth(validKeys map[string]string, repo users.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				http.Error(w, "missing Authorization header", http.StatusUnauthorized)
				return
			}

			// Support both "Bearer <key>" and "<key>" formats
			apiKey := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			if apiKey == "" {
				http.Error(w, "invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			// Constant-time comparison to prevent timing attacks
			var username string
			valid := false
			for key, name := range validKeys {
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
					valid = true
					username = name
					break
				}
			}
			if !valid {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}

			user, err := repo.GetByUsername(r.Context(), username)
			if err != nil || !user.IsActive {
				http.Error(w, "unknown or inactive user", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserKey, user)
			ctx = context.WithValue(ctx, APIKeyKey, apiKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFrom extracts the authenticated user, nil when the path was open.
func UserFrom(ctx context.Context) *users.User {
	u, _ := ctx.Value(UserKey).(*users.User)
	return u
}
