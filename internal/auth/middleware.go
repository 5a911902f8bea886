package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// Middleware guards internal endpoints with the verifier. Unauthorized
// requests get a 401; a verifier with no credentials configured gets a 500
// so the misconfiguration is visible server-side instead of blending into
// client errors.
func Middleware(verifier *Verifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := verifier.Authenticate(r); err != nil {
				if errors.Is(err, ErrNotConfigured) {
					logger.Error("Authentication is not configured",
						zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError,
						"Service is not configured for authentication.")
					return
				}
				logger.Warn("Rejected unauthenticated request",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr))
				writeError(w, http.StatusUnauthorized, "Invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
