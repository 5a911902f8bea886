package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/auth"
)

// Protect wraps a handler with internal API-key authentication when
// enabled. The gateway serves /metrics unauthenticated by default since it
// normally sits behind the scrape network; deployments exposing it set
// METRICS_PROTECTED.
func Protect(enabled bool, verifier *auth.Verifier, logger *zap.Logger, next http.Handler) http.Handler {
	if !enabled {
		return next
	}
	return auth.Middleware(verifier, logger)(next)
}
