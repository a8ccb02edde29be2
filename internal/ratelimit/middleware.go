package ratelimit

import (
	"net/http"
	"strconv"
)

// KeyFunc extracts the rate-limit key from a request — typically the API
// key ID or remote IP.
type KeyFunc func(*http.Request) string

// PolicyFunc selects which named policy applies to a request, so
// different routes or roles can carry different limits.
type PolicyFunc func(*http.Request) string

// Middleware wraps next with rate limiting, writing X-RateLimit-* headers
// on every checked response and Retry-After on rejected ones (design doc
// Section 4.5).
func (l *Limiter) Middleware(keyFn KeyFunc, policyFn PolicyFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFn(r)
		policyName := policyFn(r)

		decision, err := l.Allow(r.Context(), policyName, key, 1)
		if err != nil {
			http.Error(w, "rate limit check failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(decision.ResetAfter.Seconds())))

		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
