package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/metrics"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="

	// maxBodyBytes caps webhook reads; platform payloads are a few KB.
	maxBodyBytes = 1 << 20
)

// Signature verifies the platform's HMAC-SHA256 signature over the exact raw
// request body and fails closed: a missing, malformed, or mismatched
// signature is rejected before any parsing. The buffered body is restored
// for downstream handlers. GET verification requests pass through
// unsigned.
func Signature(secret string, logger *zap.Logger) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			header := r.Header.Get(signatureHeader)
			if !VerifySignature(key, body, header) {
				metrics.SignatureFailures.Inc()
				logger.Warn("Webhook signature verification failed",
					zap.String("remote_addr", r.RemoteAddr),
					zap.Bool("header_present", header != ""))
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// VerifySignature checks an X-Hub-Signature-256 value against the body.
// An empty secret never verifies.
func VerifySignature(secret, body []byte, header string) bool {
	if len(secret) == 0 {
		return false
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(header, signaturePrefix)))
}
