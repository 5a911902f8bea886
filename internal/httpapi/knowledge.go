package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// KnowledgeHandler answers every request under /ai/v1/knowledge with a
// permanent 410. The knowledge CRUD surface was folded into conversation
// processing; retrieval now happens inside the pipeline.
type KnowledgeHandler struct {
	logger *zap.Logger
}

func NewKnowledgeHandler(logger *zap.Logger) *KnowledgeHandler {
	return &KnowledgeHandler{logger: logger}
}

// RegisterRoutes registers the tombstone for the endpoint and everything
// beneath it.
func (h *KnowledgeHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ai/v1/knowledge", h.handleDeprecated)
	mux.HandleFunc("/ai/v1/knowledge/", h.handleDeprecated)
}

func (h *KnowledgeHandler) handleDeprecated(w http.ResponseWriter, r *http.Request) {
	h.logger.Warn("Deprecated knowledge endpoint accessed",
		zap.String("path", r.URL.Path),
		zap.String("method", r.Method),
		zap.String("remote_addr", r.RemoteAddr),
	)
	writeJSON(w, http.StatusGone, map[string]interface{}{
		"error":   "endpoint_deprecated",
		"message": "The /knowledge endpoint is deprecated and no longer available.",
		"migration": map[string]string{
			"new_endpoint":  "/ai/v1/process",
			"description":   "Knowledge base interactions are now handled through the main conversation endpoint.",
			"documentation": "https://docs.example.com/api/v1/migration-guide",
		},
		"deprecated_since": "2024-01-15",
		"removal_date":     "2024-06-01",
	})
}
