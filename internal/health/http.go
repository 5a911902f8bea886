package health

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// HTTPHandler serves the aggregate health report.
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHTTPHandler creates an HTTP handler over the manager.
func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes mounts the health endpoint on the mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HandleHealth)
}

// HandleHealth runs all checks and answers 200 for healthy or degraded
// service and 503 when a critical dependency is down. Degraded still
// returns 200 so load balancers keep routing while operators see the
// reduced status in the body.
func (h *HTTPHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := h.manager.Check(r.Context())

	statusCode := http.StatusOK
	if report.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
