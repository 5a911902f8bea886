package middleware

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/ratelimit"
)

// KeyFunc derives the rate-limit identifier for a request. An empty return
// value falls back to the remote address.
type KeyFunc func(r *http.Request) string

// RateLimit rejects requests past the limiter's sliding window. The gateway
// keys the webhook route by sender phone so one noisy customer cannot starve
// the rest; requests without an extractable phone fall back to the caller's
// address.
func RateLimit(limiter *ratelimit.Limiter, key KeyFunc, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := ""
			if key != nil {
				identifier = key(r)
			}
			if identifier == "" {
				identifier = ratelimit.IdentifierFor("", "", r.RemoteAddr)
			}

			if !limiter.Allow(r.Context(), identifier) {
				logger.Warn("Rate limit exceeded",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr))
				RespondRateLimited(w, limiter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RespondRateLimited writes the shared 429 contract: Retry-After set to the
// window length plus the X-RateLimit pair.
func RespondRateLimited(w http.ResponseWriter, limiter *ratelimit.Limiter) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(limiter.Window().Seconds())))
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.Limit()))
	w.Header().Set("X-RateLimit-Remaining", "0")
	writeJSON(w, http.StatusTooManyRequests, map[string]string{
		"error":   "Rate limit exceeded",
		"message": "Too many requests. Please retry after the rate limit window resets.",
	})
}
