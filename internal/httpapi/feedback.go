package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/db"
	"github.com/nexaflow/replygate/internal/metrics"
	"github.com/nexaflow/replygate/internal/tracing"
)

// FeedbackStore queues feedback rows onto the async write path. Satisfied
// by *db.Client.
type FeedbackStore interface {
	QueueWrite(writeType db.WriteType, data interface{}, callback func(error)) error
}

// FeedbackHandler serves POST /ai/v1/feedback. Ratings always count toward
// the satisfaction metric; persistence is best effort and skipped entirely
// when store is nil (engine running without Postgres).
type FeedbackHandler struct {
	store  FeedbackStore
	logger *zap.Logger
}

func NewFeedbackHandler(store FeedbackStore, logger *zap.Logger) *FeedbackHandler {
	return &FeedbackHandler{store: store, logger: logger}
}

// RegisterRoutes registers the feedback endpoint on the mux.
func (h *FeedbackHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ai/v1/feedback", h.handleFeedback)
}

type feedbackRequest struct {
	ConvID  string   `json:"conv_id"`
	Rating  *float64 `json:"rating"`
	Comment string   `json:"comment"`
}

func (h *FeedbackHandler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	_, span := tracing.StartSpan(r.Context(), "submit_feedback")
	defer span.End()

	var req feedbackRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Rating == nil || req.ConvID == "" {
		writeError(w, http.StatusBadRequest, "Missing rating or conversation ID")
		return
	}

	rating := int(*req.Rating)
	if float64(rating) != *req.Rating || rating < 1 || rating > 5 {
		writeError(w, http.StatusBadRequest, "Rating must be an integer between 1 and 5")
		return
	}
	if !convIDPattern.MatchString(req.ConvID) {
		writeError(w, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	metrics.FeedbackTotal.WithLabelValues(strconv.Itoa(rating)).Inc()

	if h.store != nil {
		entry := &db.FeedbackEntry{ConversationID: req.ConvID, Rating: rating}
		if req.Comment != "" {
			comment := req.Comment
			entry.Comment = &comment
		}
		if err := h.store.QueueWrite(db.WriteTypeFeedback, entry, nil); err != nil {
			h.logger.Error("Failed to queue feedback write",
				zap.String("conversation_id", req.ConvID),
				zap.Error(err),
			)
		}
	}

	h.logger.Info("Received user feedback",
		zap.String("conversation_id", req.ConvID),
		zap.Int("rating", rating),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
