package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/tracing"
)

const (
	defaultAITimeout = 90 * time.Second

	aiMaxAttempts  = 5
	aiBackoffBase  = 2 * time.Second
	aiBackoffMax   = 10 * time.Minute // task hard limit cancels long before this
	engineEndpoint = "/ai/v1/process"
)

// EngineConfig holds AI engine client settings
type EngineConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// EngineClient calls the AI engine's process endpoint through the
// ai_service circuit breaker. 5xx and transport failures retry with
// jittered exponential backoff; 4xx and unusable bodies are permanent.
type EngineClient struct {
	config EngineConfig
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewEngineClient creates an engine client
func NewEngineClient(config EngineConfig, breakerConfig circuitbreaker.Config, logger *zap.Logger) *EngineClient {
	if config.Timeout <= 0 {
		config.Timeout = defaultAITimeout
	}
	return &EngineClient{
		config: config,
		http: circuitbreaker.NewHTTPWrapper(
			&http.Client{Timeout: config.Timeout},
			"ai_service",
			breakerConfig,
			logger,
		),
		logger: logger,
	}
}

// Breaker exposes the client's circuit breaker for health reporting
func (c *EngineClient) Breaker() *circuitbreaker.CircuitBreaker {
	return c.http.Breaker()
}

// ProcessRequest is one engine call
type ProcessRequest struct {
	ConvID        string
	Message       string
	Platform      string
	Lang          string
	CorrelationID string
}

type processPayload struct {
	ConvID   string `json:"conv_id"`
	Message  string `json:"message"`
	Platform string `json:"platform"`
	Lang     string `json:"lang"`
}

type processReply struct {
	Response string `json:"response"`
}

// ProcessMessage returns the engine's reply text for one message
func (c *EngineClient) ProcessMessage(ctx context.Context, req ProcessRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt < aiMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(aiBackoff(attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		reply, retryable, err := c.call(ctx, req)
		if err == nil {
			return reply, nil
		}
		if !retryable {
			return "", err
		}
		lastErr = err
		c.logger.Warn("AI service call failed, will retry",
			zap.String("conversation_id", req.ConvID),
			zap.String("correlation_id", req.CorrelationID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return "", fmt.Errorf("ai service failed after %d attempts: %w", aiMaxAttempts, lastErr)
}

func (c *EngineClient) call(ctx context.Context, req ProcessRequest) (reply string, retryable bool, err error) {
	payload, err := json.Marshal(processPayload{
		ConvID:   req.ConvID,
		Message:  req.Message,
		Platform: req.Platform,
		Lang:     req.Lang,
	})
	if err != nil {
		return "", false, fmt.Errorf("marshal process request: %w", err)
	}

	url := c.config.BaseURL + engineEndpoint
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("build process request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Correlation-ID", req.CorrelationID)
	httpReq.Header.Set("X-API-Key", c.config.APIKey)
	httpReq.Header.Set("User-Agent", "replygate-gateway/1.0")
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			return "", false, err
		}
		return "", true, fmt.Errorf("ai service request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", true, fmt.Errorf("ai service status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", false, fmt.Errorf("ai service status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var parsed processReply
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, fmt.Errorf("invalid ai service response: %w", err)
	}
	if parsed.Response == "" {
		return "", false, errors.New("empty response from ai service")
	}
	return parsed.Response, false, nil
}

func aiBackoff(attempt int) time.Duration {
	d := aiBackoffBase << uint(attempt-1)
	if d > aiBackoffMax {
		d = aiBackoffMax
	}
	// Full jitter over [d/2, 3d/2) spreads synchronized retries apart.
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
