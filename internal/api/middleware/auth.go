// Package middleware provides HTTP middleware for the index API: API-key
// authentication, role checks, CORS, and per-key rate limiting.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nabulines/nabulines/internal/auth/apikey"
	"github.com/nabulines/nabulines/pkg/logger"
)

type contextKey string

const apiKeyInfoKey contextKey = "api_key_info"

// KeyValidator resolves a raw API key to its metadata.
type KeyValidator interface {
	Validate(ctx context.Context, rawKey string) (*apikey.KeyInfo, error)
}

// AuthOptions configures Auth. With Disabled set every request runs as
// an admin key limited to DevRateLimit requests per window.
type AuthOptions struct {
	Disabled     bool
	DevRateLimit int
}

// Auth returns middleware that validates API keys from the request.
// Keys can be provided via Authorization: Bearer <key>, X-API-Key header,
// or the api_key query parameter. Health and metrics endpoints are exempt.
func Auth(validator KeyValidator, opts AuthOptions) func(http.Handler) http.Handler {
	devKey := &apikey.KeyInfo{
		ID:        "dev",
		Name:      "auth-disabled",
		Role:      apikey.RoleAdmin,
		RateLimit: opts.DevRateLimit,
		IsActive:  true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if opts.Disabled {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKeyInfoKey, devKey)))
				return
			}

			key := extractAPIKey(r)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "missing api key")
				return
			}

			info, err := validator.Validate(r.Context(), key)
			if err != nil {
				switch {
				case errors.Is(err, apikey.ErrInvalidKey):
					writeError(w, http.StatusUnauthorized, "invalid api key")
				case errors.Is(err, apikey.ErrExpiredKey):
					writeError(w, http.StatusUnauthorized, "expired api key")
				default:
					logger.FromContext(r.Context()).Error("api key validation failed", "error", err)
					writeError(w, http.StatusInternalServerError, "authentication error")
				}
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyInfoKey, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetKeyInfo retrieves the validated KeyInfo from the request context.
func GetKeyInfo(ctx context.Context) *apikey.KeyInfo {
	info, _ := ctx.Value(apiKeyInfoKey).(*apikey.KeyInfo)
	return info
}

// RequireRole wraps a handler so only keys granting at least role reach it.
func RequireRole(role apikey.Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := GetKeyInfo(r.Context())
		if info == nil {
			writeError(w, http.StatusUnauthorized, "missing api key")
			return
		}
		if !info.Role.Allows(role) {
			writeError(w, http.StatusForbidden, "api key role "+string(info.Role)+" cannot perform this operation")
			return
		}
		next(w, r)
	}
}

func isPublic(path string) bool {
	return strings.HasPrefix(path, "/health") || path == "/metrics"
}

// extractAPIKey reads the API key from the request in priority order:
// Authorization: Bearer header, X-API-Key header, api_key query parameter.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
