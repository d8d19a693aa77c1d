package middleware

import (
	"net/http"
	"strconv"
	"time"
)

// Limiter decides whether a key may make another request.
type Limiter interface {
	Allow(key string, limit int) bool
}

// RateLimit returns middleware that enforces per-key rate limits using the
// limit stored on the key. Requests without key info pass through; Auth is
// responsible for rejecting them.
func RateLimit(limiter Limiter, window time.Duration) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(window.Seconds()))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			info := GetKeyInfo(r.Context())
			if info == nil {
				next.ServeHTTP(w, r)
				return
			}
			if !limiter.Allow(info.ID, info.RateLimit) {
				w.Header().Set("Retry-After", retryAfter)
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
