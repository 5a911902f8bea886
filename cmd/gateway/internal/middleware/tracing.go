package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/tracing"
)

type contextKey string

const correlationKey contextKey = "correlation_id"

// CorrelationID returns the request's correlation ID, or empty when the
// Correlation middleware did not run.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// statusWriter captures the response code for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Correlation assigns each request a correlation ID, honoring an inbound
// X-Request-ID so platform-side retries stay traceable, and logs every
// request with its status and duration. The ID is echoed back as
// X-Correlation-ID and rides the delivery task so gateway, worker, and
// engine logs line up.
func Correlation(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			correlationID := r.Header.Get("X-Request-ID")
			if correlationID == "" {
				correlationID = uuid.New().String()
			}

			ctx := context.WithValue(r.Context(), correlationKey, correlationID)
			w.Header().Set("X-Correlation-ID", correlationID)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("correlation_id", correlationID),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if traceID, _, _, ok := tracing.ParseTraceparent(r.Header.Get("traceparent")); ok {
				fields = append(fields, zap.String("trace_id", traceID))
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			fields = append(fields,
				zap.Int("status", sw.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()))
			logger.Info("Request handled", fields...)
		})
	}
}
