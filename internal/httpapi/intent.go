package httpapi

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/intent"
	"github.com/nexaflow/replygate/internal/metrics"
	"github.com/nexaflow/replygate/internal/ratelimit"
	"github.com/nexaflow/replygate/internal/sanitize"
	"github.com/nexaflow/replygate/internal/tracing"
)

const (
	// maxIntentMessage caps analyzable messages, same bound the pipeline
	// enforces.
	maxIntentMessage = 4096

	// maxContextBytes bounds the optional context object.
	maxContextBytes = 1024
)

// IntentHandler serves POST /ai/v1/intent/analyze: classification without
// handler dispatch, for clients that route on intent themselves. The
// limiter is provisioned at double the pipeline quota since classification
// is far cheaper than a full process call; nil disables limiting.
type IntentHandler struct {
	analyzer  *intent.Analyzer
	sanitizer *sanitize.Sanitizer
	limiter   *ratelimit.Limiter
	logger    *zap.Logger
}

func NewIntentHandler(analyzer *intent.Analyzer, sanitizer *sanitize.Sanitizer, limiter *ratelimit.Limiter, logger *zap.Logger) *IntentHandler {
	return &IntentHandler{
		analyzer:  analyzer,
		sanitizer: sanitizer,
		limiter:   limiter,
		logger:    logger,
	}
}

// RegisterRoutes registers the intent endpoint on the mux.
func (h *IntentHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ai/v1/intent/analyze", h.handleAnalyze)
}

type intentRequest struct {
	Message string          `json:"message"`
	Context json.RawMessage `json:"context"`
}

type intentResponse struct {
	Intent           intent.Type       `json:"intent"`
	Confidence       float64           `json:"confidence"`
	Entities         map[string]string `json:"entities"`
	ProcessingTimeMS float64           `json:"processing_time_ms"`
}

func (h *IntentHandler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeTaggedError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	start := time.Now()
	_, span := tracing.StartSpan(r.Context(), "analyze_intent")
	defer span.End()

	if h.limiter != nil {
		identifier := ratelimit.IdentifierFor("", r.Header.Get("X-API-Key"), r.RemoteAddr)
		if !h.limiter.Allow(r.Context(), identifier) {
			w.Header().Set("Retry-After", strconv.Itoa(int(h.limiter.Window().Seconds())))
			writeTaggedError(w, http.StatusTooManyRequests, "rate_limit_exceeded",
				"Rate limit exceeded. Please try again later.")
			return
		}
	}

	var req intentRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTaggedError(w, http.StatusBadRequest, "invalid_request",
			"Request body must contain valid JSON data")
		return
	}

	if utf8.RuneCountInString(req.Message) > maxIntentMessage {
		writeTaggedError(w, http.StatusBadRequest, "validation_error", "Invalid request data")
		return
	}
	message := h.sanitizer.Clean(req.Message)
	if message == "" {
		writeTaggedError(w, http.StatusBadRequest, "validation_error", "Invalid request data")
		return
	}
	intentCtx, err := parseIntentContext(req.Context)
	if err != nil {
		h.logger.Debug("Intent request rejected", zap.Error(err))
		writeTaggedError(w, http.StatusBadRequest, "validation_error", "Invalid request data")
		return
	}

	result := h.analyzer.Analyze(message, intentCtx)
	elapsed := time.Since(start)
	metrics.RecordIntentMetrics(string(result.Intent), "success", elapsed.Seconds())

	entities := result.Entities
	if entities == nil {
		entities = map[string]string{}
	}
	milliseconds := float64(elapsed.Microseconds()) / 1000
	writeJSON(w, http.StatusOK, intentResponse{
		Intent:           result.Intent,
		Confidence:       result.Confidence,
		Entities:         entities,
		ProcessingTimeMS: math.Round(milliseconds*100) / 100,
	})
}

// parseIntentContext maps the optional request context onto analyzer hints.
// Unknown keys are ignored; values must be strings.
func parseIntentContext(raw json.RawMessage) (intent.Context, error) {
	var ctx intent.Context
	if len(raw) == 0 || string(raw) == "null" {
		return ctx, nil
	}
	if len(raw) > maxContextBytes {
		return ctx, fmt.Errorf("context exceeds %d bytes", maxContextBytes)
	}
	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ctx, fmt.Errorf("context must be a string map: %w", err)
	}
	ctx.Platform = fields["platform"]
	ctx.Language = fields["language"]
	if ctx.Language == "" {
		ctx.Language = fields["lang"]
	}
	ctx.PreviousIntent = intent.Type(fields["previous_intent"])
	return ctx, nil
}
