package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexaflow/replygate/cmd/gateway/internal/middleware"
	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/db"
	"github.com/nexaflow/replygate/internal/queue"
	"github.com/nexaflow/replygate/internal/sanitize"
)

// stubStore records persistence calls. Handler invocations in these tests
// are synchronous, so no locking is needed.
type stubStore struct {
	conv          *db.Conversation
	messages      []*db.Message
	statusUpdates map[string]string
	txErr         error
	insertErr     error
	updateErr     error
}

func (s *stubStore) WithTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if s.txErr != nil {
		return s.txErr
	}
	return fn(nil)
}

func (s *stubStore) GetOrCreateConversationTx(ctx context.Context, tx *sqlx.Tx, customerPhone string) (*db.Conversation, error) {
	if s.conv == nil {
		s.conv = &db.Conversation{ID: uuid.New(), CustomerPhone: customerPhone, Status: "active"}
	}
	return s.conv, nil
}

func (s *stubStore) InsertMessageTx(ctx context.Context, tx *sqlx.Tx, msg *db.Message) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *stubStore) UpdateMessageStatus(ctx context.Context, externalMessageID, status string) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	if s.statusUpdates == nil {
		s.statusUpdates = make(map[string]string)
	}
	s.statusUpdates[externalMessageID] = status
	return nil
}

func newTestHandler(t *testing.T, cfg WebhookConfig) (*WebhookHandler, *stubStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zaptest.NewLogger(t)
	wrapper := circuitbreaker.NewRedisWrapper(client, logger)
	store := &stubStore{}
	h := NewWebhookHandler(store, wrapper, queue.New(wrapper, queue.Config{}, logger),
		sanitize.New(sanitize.Config{}), cfg, logger)
	return h, store, s
}

// unreachableWrapper points at a port nothing listens on, so every Redis
// call fails fast.
func unreachableWrapper(t *testing.T) *circuitbreaker.RedisWrapper {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	return circuitbreaker.NewRedisWrapper(client, zaptest.NewLogger(t))
}

func messagePayload(phone, id, body string, ts int64) string {
	return fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{"id": "entry-1", "changes": [{"field": "messages", "value": {
			"messaging_product": "whatsapp",
			"contacts": [{"wa_id": %q, "profile": {"name": "Dana"}}],
			"messages": [{"from": %q, "id": %q, "timestamp": "%d", "type": "text", "text": {"body": %q}}]
		}}]}]
	}`, phone, phone, id, ts, body)
}

func receiptPayload(id, status string, ts int64) string {
	return fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{"id": "entry-1", "changes": [{"field": "messages", "value": {
			"messaging_product": "whatsapp",
			"statuses": [{"id": %q, "status": %q, "timestamp": "%d", "recipient_id": "15551234567"}]
		}}]}]
	}`, id, status, ts)
}

func postWebhook(h *WebhookHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.HandleWebhook(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body
}

func TestVerifyHandshake(t *testing.T) {
	h, _, _ := newTestHandler(t, WebhookConfig{VerifyToken: "expected-token"})

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"valid token echoes challenge", "hub.mode=subscribe&hub.verify_token=expected-token&hub.challenge=12991", http.StatusOK, "12991"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=guess&hub.challenge=12991", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=expected-token&hub.challenge=12991", http.StatusForbidden, ""},
		{"empty token", "hub.mode=subscribe&hub.challenge=12991", http.StatusForbidden, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query, nil)
			rr := httptest.NewRecorder()
			h.HandleWebhook(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rr.Body.String())
				assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
			}
		})
	}
}

func TestWebhookAcceptsTextMessage(t *testing.T) {
	h, store, s := newTestHandler(t, WebhookConfig{})

	rr := postWebhook(h, messagePayload("15551234567", "wamid.A1", "Where is my order?", time.Now().Unix()))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", decodeBody(t, rr)["status"])

	require.Len(t, store.messages, 1)
	msg := store.messages[0]
	assert.Equal(t, db.DirectionIncoming, msg.Direction)
	assert.Equal(t, db.StatusReceived, msg.Status)
	require.NotNil(t, msg.ExternalMessageID)
	assert.Equal(t, "wamid.A1", *msg.ExternalMessageID)
	assert.Equal(t, "Where is my order?", msg.Content)
	assert.Equal(t, store.conv.ID, msg.ConversationID)

	assert.True(t, s.Exists("webhook_seen:wamid.A1:15551234567"))

	items, err := s.List(queue.DefaultKey)
	require.NoError(t, err)
	require.Len(t, items, 1)
	var task queue.Task
	require.NoError(t, json.Unmarshal([]byte(items[0]), &task))
	assert.Equal(t, "15551234567", task.CustomerPhone)
	assert.Equal(t, "Where is my order?", task.Message)
	assert.Equal(t, store.conv.ID.String(), task.ConversationID)
	assert.Equal(t, "whatsapp", task.Platform)
	_, err = uuid.Parse(task.CorrelationID)
	assert.NoError(t, err, "minted correlation id should be a uuid")
}

func TestWebhookPropagatesCorrelationID(t *testing.T) {
	h, _, s := newTestHandler(t, WebhookConfig{})
	wrapped := middleware.Correlation(zaptest.NewLogger(t))(http.HandlerFunc(h.HandleWebhook))

	req := httptest.NewRequest(http.MethodPost, "/webhook",
		strings.NewReader(messagePayload("15551234567", "wamid.C7", "hello", time.Now().Unix())))
	req.Header.Set("X-Request-ID", "platform-retry-7")
	rr := httptest.NewRecorder()
	wrapped.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	items, err := s.List(queue.DefaultKey)
	require.NoError(t, err)
	require.Len(t, items, 1)
	var task queue.Task
	require.NoError(t, json.Unmarshal([]byte(items[0]), &task))
	assert.Equal(t, "platform-retry-7", task.CorrelationID)
}

func TestWebhookMalformedPayload(t *testing.T) {
	h, _, _ := newTestHandler(t, WebhookConfig{})

	rr := postWebhook(h, "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Malformed payload", decodeBody(t, rr)["error"])
}

func TestWebhookMissingTimestamp(t *testing.T) {
	h, _, _ := newTestHandler(t, WebhookConfig{})

	body := `{"entry":[{"changes":[{"value":{"messages":[{"from":"15551234567","id":"wamid.NT","type":"text","text":{"body":"hi"}}]}}]}]}`
	rr := postWebhook(h, body)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Missing event timestamp", decodeBody(t, rr)["error"])
}

func TestWebhookRejectsStaleDelivery(t *testing.T) {
	h, store, _ := newTestHandler(t, WebhookConfig{ReplayWindow: 300 * time.Second})

	tests := []struct {
		name string
		ts   int64
	}{
		{"past the replay window", time.Now().Add(-400 * time.Second).Unix()},
		{"from the future", time.Now().Add(400 * time.Second).Unix()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postWebhook(h, messagePayload("15551234567", "wamid.S1", "hi", tt.ts))
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, "Stale webhook", decodeBody(t, rr)["error"])
		})
	}
	assert.Empty(t, store.messages)
}

func TestWebhookIgnoresNonTextMessage(t *testing.T) {
	h, store, s := newTestHandler(t, WebhookConfig{})

	body := fmt.Sprintf(`{"entry":[{"changes":[{"value":{"messages":[{"from":"15551234567","id":"wamid.IMG","timestamp":"%d","type":"image"}]}}]}]}`,
		time.Now().Unix())
	rr := postWebhook(h, body)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "non_text_ignored", decodeBody(t, rr)["reason"])
	assert.Empty(t, store.messages)
	assert.False(t, s.Exists("webhook_seen:wamid.IMG:15551234567"))
}

func TestWebhookRejectsInvalidFields(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantError string
	}{
		{
			"missing sender",
			messagePayload("", "wamid.V1", "hi", time.Now().Unix()),
			"Invalid payload",
		},
		{
			"malformed message id",
			messagePayload("15551234567", "bad id!!", "hi", time.Now().Unix()),
			"Invalid payload",
		},
		{
			"sender with letters",
			messagePayload("1555abc4567", "wamid.V4", "hi", time.Now().Unix()),
			"Invalid payload",
		},
		{
			"sender too short",
			messagePayload("12345678", "wamid.V5", "hi", time.Now().Unix()),
			"Invalid payload",
		},
		{
			"sender with leading zero",
			messagePayload("015551234567", "wamid.V6", "hi", time.Now().Unix()),
			"Invalid payload",
		},
		{
			"whitespace-only body",
			messagePayload("15551234567", "wamid.V3", "   ", time.Now().Unix()),
			"Empty message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, store, _ := newTestHandler(t, WebhookConfig{})
			rr := postWebhook(h, tt.payload)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, tt.wantError, decodeBody(t, rr)["error"])
			assert.Empty(t, store.messages)
		})
	}
}

func TestWebhookAcceptsPlusPrefixedSender(t *testing.T) {
	h, store, _ := newTestHandler(t, WebhookConfig{})

	rr := postWebhook(h, messagePayload("+15551234567", "wamid.P1", "hi", time.Now().Unix()))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, store.messages, 1)
}

func TestWebhookIgnoresDuplicateDelivery(t *testing.T) {
	h, store, s := newTestHandler(t, WebhookConfig{})
	require.NoError(t, s.Set("webhook_seen:wamid.DUP:15551234567", "1"))

	rr := postWebhook(h, messagePayload("15551234567", "wamid.DUP", "hello again", time.Now().Unix()))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "duplicate_ignored", decodeBody(t, rr)["reason"])
	assert.Empty(t, store.messages)
	items, err := s.List(queue.DefaultKey)
	if !errors.Is(err, miniredis.ErrKeyNotFound) {
		require.NoError(t, err)
	}
	assert.Empty(t, items)
}

func TestWebhookDedupFailsOpen(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := &stubStore{}
	wrapper := unreachableWrapper(t)
	h := NewWebhookHandler(store, wrapper, queue.New(wrapper, queue.Config{}, logger),
		sanitize.New(sanitize.Config{}), WebhookConfig{}, logger)

	rr := postWebhook(h, messagePayload("15551234567", "wamid.FO", "hi", time.Now().Unix()))

	// Redis is down: the delivery is still persisted, and the enqueue
	// failure is logged rather than surfaced.
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", decodeBody(t, rr)["status"])
	assert.Len(t, store.messages, 1)
}

func TestWebhookStrictDedupUnavailable(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := &stubStore{}
	wrapper := unreachableWrapper(t)
	h := NewWebhookHandler(store, wrapper, queue.New(wrapper, queue.Config{}, logger),
		sanitize.New(sanitize.Config{}), WebhookConfig{StrictDedup: true}, logger)

	rr := postWebhook(h, messagePayload("15551234567", "wamid.SD", "hi", time.Now().Unix()))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "Deduplication unavailable", decodeBody(t, rr)["error"])
	assert.Empty(t, store.messages)
}

func TestWebhookDuplicateInsertConflicts(t *testing.T) {
	h, store, _ := newTestHandler(t, WebhookConfig{})
	store.insertErr = db.ErrDuplicateMessage

	rr := postWebhook(h, messagePayload("15551234567", "wamid.D2", "hi", time.Now().Unix()))

	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "Duplicate message", decodeBody(t, rr)["error"])
}

func TestWebhookPersistFailure(t *testing.T) {
	h, store, s := newTestHandler(t, WebhookConfig{})
	store.txErr = errors.New("connection reset")

	rr := postWebhook(h, messagePayload("15551234567", "wamid.PF", "hi", time.Now().Unix()))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "Failed to persist message", decodeBody(t, rr)["error"])
	items, err := s.List(queue.DefaultKey)
	if !errors.Is(err, miniredis.ErrKeyNotFound) {
		require.NoError(t, err)
	}
	assert.Empty(t, items, "nothing may be enqueued when the transaction fails")
}

func TestWebhookEnqueueFailureStillAccepts(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zaptest.NewLogger(t)
	store := &stubStore{}
	dedup := circuitbreaker.NewRedisWrapper(client, logger)
	h := NewWebhookHandler(store, dedup, queue.New(unreachableWrapper(t), queue.Config{}, logger),
		sanitize.New(sanitize.Config{}), WebhookConfig{}, logger)

	rr := postWebhook(h, messagePayload("15551234567", "wamid.EQ", "hi", time.Now().Unix()))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", decodeBody(t, rr)["status"])
	assert.Len(t, store.messages, 1, "message must be durable even when the queue is down")
}

func TestWebhookReceiptUpdatesStatus(t *testing.T) {
	h, store, s := newTestHandler(t, WebhookConfig{})

	rr := postWebhook(h, receiptPayload("wamid.OUT1", db.StatusDelivered, time.Now().Unix()))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", decodeBody(t, rr)["status"])
	assert.Equal(t, db.StatusDelivered, store.statusUpdates["wamid.OUT1"])

	items, err := s.List(queue.DefaultKey)
	if !errors.Is(err, miniredis.ErrKeyNotFound) {
		require.NoError(t, err)
	}
	assert.Empty(t, items, "receipts never enqueue work")
}

func TestWebhookReceiptUnknownStatus(t *testing.T) {
	h, store, _ := newTestHandler(t, WebhookConfig{})

	rr := postWebhook(h, receiptPayload("wamid.OUT2", "exploded", time.Now().Unix()))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, store.statusUpdates)
}

func TestWebhookReceiptStoreFailure(t *testing.T) {
	h, store, _ := newTestHandler(t, WebhookConfig{})
	store.updateErr = errors.New("db down")

	rr := postWebhook(h, receiptPayload("wamid.OUT3", db.StatusRead, time.Now().Unix()))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "Failed to record status", decodeBody(t, rr)["error"])
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	h, _, _ := newTestHandler(t, WebhookConfig{})

	req := httptest.NewRequest(http.MethodDelete, "/webhook", nil)
	rr := httptest.NewRecorder()
	h.HandleWebhook(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "GET, POST", rr.Header().Get("Allow"))
}

func TestSenderKey(t *testing.T) {
	body := messagePayload("15551234567", "wamid.K1", "hi", time.Now().Unix())
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.RemoteAddr = "10.0.0.9:1234"

	assert.Equal(t, "phone:15551234567", SenderKey(req))

	restored, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(restored), "peek must restore the body")
}

func TestSenderKeyFallsBackToAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"object":"whatsapp_business_account"}`))
	req.RemoteAddr = "10.0.0.9:1234"
	assert.Equal(t, "addr:10.0.0.9:1234", SenderKey(req))

	get := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	assert.Equal(t, "", SenderKey(get))
}
