package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
)

func newTestEngine(t *testing.T, server *httptest.Server) *EngineClient {
	t.Helper()
	return NewEngineClient(EngineConfig{
		BaseURL: server.URL,
		APIKey:  "secret-key",
	}, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))
}

func engineRequest() ProcessRequest {
	return ProcessRequest{
		ConvID:        "8f14e45f-ceea-467f-a8d9-d3b1a4e92f01",
		Message:       "where is my order",
		Platform:      "whatsapp",
		Lang:          "en",
		CorrelationID: "corr-42",
	}
}

func TestProcessMessage(t *testing.T) {
	var gotPath, gotKey, gotCorr string
	var gotBody processPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		gotCorr = r.Header.Get("X-Correlation-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"response": "Your order is on its way."})
	}))
	defer server.Close()

	c := newTestEngine(t, server)
	reply, err := c.ProcessMessage(context.Background(), engineRequest())
	require.NoError(t, err)
	assert.Equal(t, "Your order is on its way.", reply)
	assert.Equal(t, "/ai/v1/process", gotPath)
	assert.Equal(t, "secret-key", gotKey)
	assert.Equal(t, "corr-42", gotCorr)
	assert.Equal(t, "8f14e45f-ceea-467f-a8d9-d3b1a4e92f01", gotBody.ConvID)
	assert.Equal(t, "where is my order", gotBody.Message)
	assert.Equal(t, "whatsapp", gotBody.Platform)
	assert.Equal(t, "en", gotBody.Lang)
}

func TestProcessMessageRetriesServerError(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "temporary overload", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"response": "Recovered."})
	}))
	defer server.Close()

	c := newTestEngine(t, server)
	reply, err := c.ProcessMessage(context.Background(), engineRequest())
	require.NoError(t, err)
	assert.Equal(t, "Recovered.", reply)
	assert.Equal(t, 2, calls)
}

func TestProcessMessageClientErrorIsPermanent(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"detail":"invalid conv_id"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	c := newTestEngine(t, server)
	_, err := c.ProcessMessage(context.Background(), engineRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, 1, calls, "4xx must not be retried")
}

func TestProcessMessageEmptyResponseIsPermanent(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]string{"response": ""})
	}))
	defer server.Close()

	c := newTestEngine(t, server)
	_, err := c.ProcessMessage(context.Background(), engineRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty response")
	assert.Equal(t, 1, calls)
}

func TestProcessMessageInvalidJSONIsPermanent(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("<html>gateway error</html>"))
	}))
	defer server.Close()

	c := newTestEngine(t, server)
	_, err := c.ProcessMessage(context.Background(), engineRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ai service response")
	assert.Equal(t, 1, calls)
}

func TestProcessMessageBreakerOpenFailsFast(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewEngineClient(EngineConfig{
		BaseURL: server.URL,
		APIKey:  "k",
	}, circuitbreaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute}, zaptest.NewLogger(t))

	_, err := c.ProcessMessage(context.Background(), engineRequest())
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.Equal(t, 1, calls, "open breaker must short-circuit the retry loop")
}

func TestProcessMessageStopsOnContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := newTestEngine(t, server)
	start := time.Now()
	_, err := c.ProcessMessage(ctx, engineRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "retry backoff must yield to the context")
}
