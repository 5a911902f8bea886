package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nexaflow/replygate/internal/metrics"
)

// WebhookMetrics records request counts by method and status code plus
// handling latency for the webhook route.
func WebhookMetrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			metrics.WebhookRequests.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()
			metrics.WebhookProcessingDuration.Observe(time.Since(start).Seconds())
		})
	}
}
