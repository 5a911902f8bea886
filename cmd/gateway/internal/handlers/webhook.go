package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/nexaflow/replygate/cmd/gateway/internal/middleware"
	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/db"
	"github.com/nexaflow/replygate/internal/metrics"
	"github.com/nexaflow/replygate/internal/queue"
	"github.com/nexaflow/replygate/internal/sanitize"
)

// externalIDPattern matches platform message ids.
var externalIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-=]{1,255}$`)

// senderPhonePattern matches the customer phone in E.164 shape, with or
// without the leading plus.
var senderPhonePattern = regexp.MustCompile(`^\+?[1-9]\d{8,14}$`)

// validReceiptStatuses are the delivery states the platform reports for
// outbound messages.
var validReceiptStatuses = map[string]bool{
	db.StatusSent:      true,
	db.StatusDelivered: true,
	db.StatusRead:      true,
	db.StatusFailed:    true,
}

// WebhookConfig carries the ingest knobs.
type WebhookConfig struct {
	VerifyToken  string
	ReplayWindow time.Duration
	DedupTTL     time.Duration
	StrictDedup  bool
	Platform     string
}

func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = 300 * time.Second
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 300 * time.Second
	}
	if c.Platform == "" {
		c.Platform = "whatsapp"
	}
	return c
}

// MessageStore persists inbound messages and delivery receipts.
type MessageStore interface {
	WithTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error
	GetOrCreateConversationTx(ctx context.Context, tx *sqlx.Tx, customerPhone string) (*db.Conversation, error)
	InsertMessageTx(ctx context.Context, tx *sqlx.Tx, msg *db.Message) error
	UpdateMessageStatus(ctx context.Context, externalMessageID, status string) error
}

// WebhookHandler ingests platform webhooks: the verification handshake on
// GET, signed message and receipt deliveries on POST. Signature checks run
// in middleware before this handler sees the body.
type WebhookHandler struct {
	store     MessageStore
	dedup     *circuitbreaker.RedisWrapper
	queue     *queue.Queue
	sanitizer *sanitize.Sanitizer
	config    WebhookConfig
	logger    *zap.Logger
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(
	store MessageStore,
	dedup *circuitbreaker.RedisWrapper,
	q *queue.Queue,
	sanitizer *sanitize.Sanitizer,
	config WebhookConfig,
	logger *zap.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		store:     store,
		dedup:     dedup,
		queue:     q,
		sanitizer: sanitizer,
		config:    config.withDefaults(),
		logger:    logger,
	}
}

// HandleWebhook routes the handshake and event deliveries.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerify(w, r)
	case http.MethodPost:
		h.handleEvent(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, errorBody("Method not allowed"))
	}
}

// handleVerify answers the platform's subscription handshake by echoing the
// challenge when the verify token matches.
func (h *WebhookHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")

	if mode == "subscribe" && token != "" && token == h.config.VerifyToken {
		h.logger.Info("Webhook verification succeeded")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, query.Get("hub.challenge"))
		return
	}

	h.logger.Warn("Webhook verification failed",
		zap.String("mode", mode),
		zap.String("remote_addr", r.RemoteAddr))
	writeJSON(w, http.StatusForbidden, errorBody("Verification failed"))
}

func (h *WebhookHandler) handleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("Malformed payload"))
		return
	}

	ts, ok := payload.EventTimestamp()
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("Missing event timestamp"))
		return
	}
	if age := time.Since(time.Unix(ts, 0)); age > h.config.ReplayWindow || age < -h.config.ReplayWindow {
		h.logger.Warn("Rejected stale webhook delivery",
			zap.Int64("event_timestamp", ts),
			zap.Duration("window", h.config.ReplayWindow))
		writeJSON(w, http.StatusUnauthorized, errorBody("Stale webhook"))
		return
	}

	if msg, ok := payload.FirstMessage(); ok {
		h.handleMessage(ctx, w, msg)
		return
	}
	if receipt, ok := payload.FirstStatus(); ok {
		h.handleReceipt(ctx, w, receipt)
		return
	}
	writeJSON(w, http.StatusBadRequest, errorBody("No event in payload"))
}

// handleReceipt records a delivery status for a previously sent message.
// Receipts skip dedup and never enqueue work; unknown message ids are
// logged by the store and ignored.
func (h *WebhookHandler) handleReceipt(ctx context.Context, w http.ResponseWriter, receipt *StatusEvent) {
	if !validReceiptStatuses[receipt.Status] {
		h.logger.Warn("Ignoring unknown delivery status",
			zap.String("status", receipt.Status),
			zap.String("external_message_id", receipt.ID))
		writeJSON(w, http.StatusOK, okBody())
		return
	}

	if err := h.store.UpdateMessageStatus(ctx, receipt.ID, receipt.Status); err != nil {
		h.logger.Error("Failed to record delivery status",
			zap.Error(err),
			zap.String("external_message_id", receipt.ID))
		writeJSON(w, http.StatusInternalServerError, errorBody("Failed to record status"))
		return
	}
	writeJSON(w, http.StatusOK, okBody())
}

func (h *WebhookHandler) handleMessage(ctx context.Context, w http.ResponseWriter, msg *InboundMessage) {
	correlationID := middleware.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	log := h.logger.With(
		zap.String("correlation_id", correlationID),
		zap.String("external_message_id", msg.ID))

	if msg.Type != "text" || msg.Text == nil {
		log.Info("Ignoring non-text message", zap.String("type", msg.Type))
		writeJSON(w, http.StatusOK, reasonBody("non_text_ignored"))
		return
	}
	if !senderPhonePattern.MatchString(msg.From) || !externalIDPattern.MatchString(msg.ID) {
		writeJSON(w, http.StatusBadRequest, errorBody("Invalid payload"))
		return
	}

	content := h.sanitizer.Clean(msg.Text.Body)
	if content == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("Empty message"))
		return
	}

	seen, err := h.alreadySeen(ctx, msg.ID, msg.From)
	if err != nil {
		log.Error("Deduplication unavailable", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody("Deduplication unavailable"))
		return
	}
	if seen {
		metrics.WebhookDuplicates.Inc()
		log.Info("Ignoring duplicate delivery")
		writeJSON(w, http.StatusOK, reasonBody("duplicate_ignored"))
		return
	}

	conv, err := h.persist(ctx, msg.From, msg.ID, content)
	if errors.Is(err, db.ErrDuplicateMessage) {
		log.Info("Message already persisted")
		writeJSON(w, http.StatusConflict, errorBody("Duplicate message"))
		return
	}
	if err != nil {
		log.Error("Failed to persist message", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody("Failed to persist message"))
		return
	}

	// The row is durable from here; an enqueue failure is logged and the
	// delivery acknowledged so the platform stops redelivering.
	task := queue.Task{
		CustomerPhone:  msg.From,
		Message:        content,
		ConversationID: conv.ID.String(),
		CorrelationID:  correlationID,
		Platform:       h.config.Platform,
	}
	if err := h.queue.Enqueue(ctx, task); err != nil {
		log.Error("Failed to enqueue delivery task", zap.Error(err))
	}

	log.Info("Webhook accepted", zap.String("conversation_id", conv.ID.String()))
	writeJSON(w, http.StatusOK, okBody())
}

// alreadySeen takes the dedup slot for this delivery. Redis errors fail
// open unless strict dedup is configured.
func (h *WebhookHandler) alreadySeen(ctx context.Context, messageID, phone string) (bool, error) {
	key := fmt.Sprintf("webhook_seen:%s:%s", messageID, phone)
	set, err := h.dedup.SetNX(ctx, key, "1", h.config.DedupTTL).Result()
	if err != nil {
		if h.config.StrictDedup {
			return false, err
		}
		h.logger.Warn("Dedup check failed, allowing delivery", zap.Error(err))
		return false, nil
	}
	return !set, nil
}

// persist upserts the conversation and inserts the inbound message in one
// transaction. Enqueueing happens only after commit.
func (h *WebhookHandler) persist(ctx context.Context, phone, externalID, content string) (*db.Conversation, error) {
	var conv *db.Conversation
	err := h.store.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		conv, txErr = h.store.GetOrCreateConversationTx(ctx, tx, phone)
		if txErr != nil {
			return txErr
		}
		return h.store.InsertMessageTx(ctx, tx, &db.Message{
			ConversationID:    conv.ID,
			ExternalMessageID: &externalID,
			Direction:         db.DirectionIncoming,
			Content:           content,
			Status:            db.StatusReceived,
		})
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errorBody(message string) map[string]string {
	return map[string]string{"error": message}
}

func okBody() map[string]string {
	return map[string]string{"status": "OK"}
}

func reasonBody(reason string) map[string]string {
	return map[string]string{"status": "OK", "reason": reason}
}
