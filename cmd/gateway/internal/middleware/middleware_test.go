package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexaflow/replygate/internal/auth"
	"github.com/nexaflow/replygate/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestCorrelationMintsID(t *testing.T) {
	var seen string
	handler := Correlation(zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", nil))

	require.NotEmpty(t, seen)
	_, err := uuid.Parse(seen)
	assert.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get("X-Correlation-ID"))
}

func TestCorrelationHonorsInboundRequestID(t *testing.T) {
	var seen string
	handler := Correlation(zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	req.Header.Set("X-Request-ID", "platform-retry-7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "platform-retry-7", seen)
	assert.Equal(t, "platform-retry-7", rec.Header().Get("X-Correlation-ID"))
}

func TestCorrelationIDWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	assert.Empty(t, CorrelationID(req.Context()))
}

func TestSignatureValid(t *testing.T) {
	body := `{"object":"whatsapp_business_account"}`
	var downstream string
	handler := Signature("app-secret", zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		downstream = string(b)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("app-secret", body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, downstream, "body must be restored for the handler")
}

func TestSignatureMismatch(t *testing.T) {
	body := `{"object":"whatsapp_business_account"}`
	handler := Signature("app-secret", zaptest.NewLogger(t))(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("wrong-secret", body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid signature")
}

func TestSignatureMissingHeader(t *testing.T) {
	handler := Signature("app-secret", zaptest.NewLogger(t))(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignatureTamperedBody(t *testing.T) {
	handler := Signature("app-secret", zaptest.NewLogger(t))(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"tampered":true}`))
	req.Header.Set("X-Hub-Signature-256", sign("app-secret", `{"original":true}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignatureSkipsGet(t *testing.T) {
	handler := Signature("app-secret", zaptest.NewLogger(t))(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVerifySignatureEmptySecretFailsClosed(t *testing.T) {
	body := []byte("{}")
	assert.False(t, VerifySignature(nil, body, sign("", "{}")))
}

func TestRateLimitAllowsUnderLimit(t *testing.T) {
	limiter := ratelimit.New(nil, ratelimit.Config{MaxRequests: 2, Window: time.Minute}, zaptest.NewLogger(t))
	handler := RateLimit(limiter, nil, zaptest.NewLogger(t))(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimitRejectsOverLimit(t *testing.T) {
	limiter := ratelimit.New(nil, ratelimit.Config{MaxRequests: 1, Window: time.Minute}, zaptest.NewLogger(t))
	handler := RateLimit(limiter, nil, zaptest.NewLogger(t))(okHandler())

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/webhook", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/webhook", nil))

	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))
	assert.Equal(t, "1", second.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, second.Body.String(), "Rate limit exceeded")
}

func TestRateLimitKeysIndependently(t *testing.T) {
	limiter := ratelimit.New(nil, ratelimit.Config{MaxRequests: 1, Window: time.Minute}, zaptest.NewLogger(t))
	key := func(r *http.Request) string { return r.Header.Get("X-Test-Phone") }
	handler := RateLimit(limiter, key, zaptest.NewLogger(t))(okHandler())

	send := func(phone string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
		req.Header.Set("X-Test-Phone", phone)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("15551230001"))
	assert.Equal(t, http.StatusTooManyRequests, send("15551230001"))
	assert.Equal(t, http.StatusOK, send("15551230002"))
}

func TestProtect(t *testing.T) {
	logger := zaptest.NewLogger(t)
	verifier := auth.NewVerifier(auth.Config{APIKey: "metrics-key"})

	t.Run("disabled passes through", func(t *testing.T) {
		handler := Protect(false, verifier, logger, okHandler())
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("enabled requires key", func(t *testing.T) {
		handler := Protect(true, verifier, logger, okHandler())

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.Header.Set("X-API-Key", "metrics-key")
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
