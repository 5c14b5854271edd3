package ratelimit

import (
	"net/http"
)

// KeyFunc extracts the rate limit key from a request.
// Returns empty string to skip rate limiting for this request.
type KeyFunc func(r *http.Request) string

// LimitedFunc writes the 429 response. Injected by the caller so this
// package does not depend on the server's error envelope.
type LimitedFunc func(w http.ResponseWriter, r *http.Request)

// Middleware returns HTTP middleware that enforces a rate limit.
// keyFunc determines the identifier to rate limit by. A nil limiter
// disables limiting entirely. Limiter errors fail open.
func Middleware(limiter Limiter, keyFunc KeyFunc, onLimited LimitedFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil || allowed {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Retry-After", "1")
			onLimited(w, r)
		})
	}
}

// UserKeyFunc builds a KeyFunc from a user-id extractor, prefixing keys so
// different rules sharing one limiter cannot collide.
func UserKeyFunc(prefix string, userID func(r *http.Request) string) KeyFunc {
	return func(r *http.Request) string {
		id := userID(r)
		if id == "" {
			return ""
		}
		return prefix + ":" + id
	}
}
