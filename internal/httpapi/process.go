package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/metrics"
	"github.com/nexaflow/replygate/internal/processor"
	"github.com/nexaflow/replygate/internal/tracing"
)

var (
	// convIDPattern allows dashes so worker-generated UUID conversation
	// ids pass unchanged.
	convIDPattern   = regexp.MustCompile(`^[a-zA-Z0-9-]{8,100}$`)
	platformPattern = regexp.MustCompile(`^[a-zA-Z0-9]{1,50}$`)
	langPattern     = regexp.MustCompile(`^[a-z]{2}$`)
)

// Pipeline runs one message through the engine. Satisfied by
// *processor.Processor.
type Pipeline interface {
	Process(ctx context.Context, req processor.Request) processor.Result
}

// ProcessConfig holds settings for the process endpoint.
type ProcessConfig struct {
	MaxMessageLength int           // runes; 0 means 4096
	RetryAfter       time.Duration // advertised on 429; 0 means one minute
}

func (c ProcessConfig) withDefaults() ProcessConfig {
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = 4096
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = time.Minute
	}
	return c
}

// ProcessHandler serves POST /ai/v1/process, the worker-facing entry point
// into the pipeline.
type ProcessHandler struct {
	pipeline Pipeline
	config   ProcessConfig
	logger   *zap.Logger
}

func NewProcessHandler(pipeline Pipeline, config ProcessConfig, logger *zap.Logger) *ProcessHandler {
	return &ProcessHandler{
		pipeline: pipeline,
		config:   config.withDefaults(),
		logger:   logger,
	}
}

// RegisterRoutes registers the process endpoint on the mux.
func (h *ProcessHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ai/v1/process", h.handleProcess)
}

type processRequest struct {
	ConvID   string `json:"conv_id"`
	Message  string `json:"message"`
	Platform string `json:"platform"`
	Lang     string `json:"lang"`
	UserID   string `json:"user_id"`
}

type processResponse struct {
	Response  string `json:"response"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (h *ProcessHandler) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), "process_conversation")
	defer span.End()

	var req processRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordAPIError("process", "invalid_json")
		writeError(w, http.StatusBadRequest, "Invalid or missing JSON payload")
		return
	}
	if req.Platform == "" {
		req.Platform = "web"
	}
	if req.Lang == "" {
		req.Lang = "en"
	}
	if err := req.validate(h.config.MaxMessageLength); err != nil {
		h.logger.Debug("Process request rejected", zap.Error(err))
		metrics.RecordAPIError("process", "validation")
		writeError(w, http.StatusBadRequest, "Invalid input data provided.")
		return
	}

	logger := h.logger.With(zap.String("conversation_id", req.ConvID))
	if correlationID := r.Header.Get("X-Correlation-ID"); correlationID != "" {
		logger = logger.With(zap.String("correlation_id", correlationID))
		w.Header().Set("X-Correlation-ID", correlationID)
	}

	result := h.pipeline.Process(ctx, processor.Request{
		Message:        req.Message,
		ConversationID: req.ConvID,
		Platform:       req.Platform,
		Language:       req.Lang,
		UserID:         req.UserID,
	})

	switch result.Error {
	case "":
		writeJSON(w, http.StatusOK, processResponse{
			Response:  result.Response,
			Status:    "success",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	case processor.ErrTagEmptyMessage:
		metrics.RecordAPIError("process", result.Error)
		writeError(w, http.StatusBadRequest, result.Response)
	case processor.ErrTagRateLimited:
		metrics.RecordAPIError("process", result.Error)
		w.Header().Set("Retry-After", strconv.Itoa(int(h.config.RetryAfter.Seconds())))
		writeError(w, http.StatusTooManyRequests, result.Response)
	case processor.ErrTagServiceUnavailable:
		metrics.RecordAPIError("process", result.Error)
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable. Please try again later.")
	default:
		metrics.RecordAPIError("process", result.Error)
		logger.Error("Pipeline failed", zap.String("error_tag", result.Error))
		writeError(w, http.StatusInternalServerError, "An internal server error occurred.")
	}
}

func (r processRequest) validate(maxMessageLength int) error {
	if !convIDPattern.MatchString(r.ConvID) {
		return fmt.Errorf("conv_id %q does not match %s", r.ConvID, convIDPattern)
	}
	if n := utf8.RuneCountInString(r.Message); n < 1 || n > maxMessageLength {
		return fmt.Errorf("message length %d outside [1, %d]", n, maxMessageLength)
	}
	if !platformPattern.MatchString(r.Platform) {
		return fmt.Errorf("platform %q does not match %s", r.Platform, platformPattern)
	}
	if !langPattern.MatchString(r.Lang) {
		return fmt.Errorf("lang %q does not match %s", r.Lang, langPattern)
	}
	return nil
}
