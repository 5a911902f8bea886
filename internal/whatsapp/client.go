package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/metrics"
	"github.com/nexaflow/replygate/internal/tracing"
)

const (
	defaultAPIURL     = "https://graph.facebook.com"
	defaultAPIVersion = "v17.0"
	defaultSendRate   = 20 // messages per second
	defaultTimeout    = 30 * time.Second

	sendMaxAttempts = 3
	sendBackoffBase = time.Second
	sendBackoffMax  = 30 * time.Second
)

var (
	// ErrInvalidRecipient reports a phone number that does not reduce to a
	// plausible E.164 form.
	ErrInvalidRecipient = errors.New("invalid recipient phone number")

	// ErrRateLimited reports a 429 from the platform. The breaker counts
	// these; callers must not retry immediately.
	ErrRateLimited = errors.New("platform rate limit exceeded")
)

// E.164 without the plus: 7 to 15 digits, no leading zero.
var phonePattern = regexp.MustCompile(`^[1-9]\d{6,14}$`)

var nonDigits = regexp.MustCompile(`\D`)

// Config holds outbound platform settings
type Config struct {
	APIURL        string
	APIVersion    string
	PhoneNumberID string
	AccessToken   string
	SendRate      float64 // messages per second; burst is twice this
	Timeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.APIURL == "" {
		c.APIURL = defaultAPIURL
	}
	if c.APIVersion == "" {
		c.APIVersion = defaultAPIVersion
	}
	if c.SendRate <= 0 {
		c.SendRate = defaultSendRate
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// Client sends text messages through the platform messages API. Sends are
// paced by a local rate limiter and routed through the whatsapp circuit
// breaker, which counts 429s as failures alongside 5xx.
type Client struct {
	config  Config
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates an outbound platform client
func NewClient(config Config, breakerConfig circuitbreaker.Config, logger *zap.Logger) *Client {
	config = config.withDefaults()
	wrapper := circuitbreaker.NewHTTPWrapper(
		&http.Client{Timeout: config.Timeout},
		"whatsapp",
		breakerConfig,
		logger,
	).WithFailureStatus(func(code int) bool {
		return code == http.StatusTooManyRequests || code >= 500
	})

	return &Client{
		config:  config,
		http:    wrapper,
		limiter: rate.NewLimiter(rate.Limit(config.SendRate), int(config.SendRate)*2),
		logger:  logger,
	}
}

// Breaker exposes the client's circuit breaker for health reporting
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.http.Breaker()
}

type textBody struct {
	Body string `json:"body"`
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// ValidatePhone reduces phone to digits and checks the E.164 shape. The
// returned string is what goes on the wire.
func ValidatePhone(phone string) (string, error) {
	cleaned := nonDigits.ReplaceAllString(phone, "")
	if !phonePattern.MatchString(cleaned) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, phone)
	}
	return cleaned, nil
}

// SendText delivers one text message and returns the platform message id.
// 5xx responses are retried up to three attempts with jittered backoff;
// 429 and other 4xx are permanent for this call.
func (c *Client) SendText(ctx context.Context, to, message string) (string, error) {
	recipient, err := ValidatePhone(to)
	if err != nil {
		metrics.OutboundSends.WithLabelValues("invalid_recipient").Inc()
		return "", err
	}

	// Pacing happens before the breaker so a paused sender cannot trip it.
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("send pacing: %w", err)
	}

	start := time.Now()
	id, err := c.sendWithRetry(ctx, recipient, message)
	metrics.OutboundSendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		status := "error"
		switch {
		case errors.Is(err, ErrRateLimited):
			status = "rate_limited"
		case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen):
			status = "breaker_open"
		}
		metrics.OutboundSends.WithLabelValues(status).Inc()
		return "", err
	}

	metrics.OutboundSends.WithLabelValues("success").Inc()
	c.logger.Info("Sent WhatsApp message",
		zap.String("recipient", recipient),
		zap.String("message_id", id),
	)
	return id, nil
}

func (c *Client) sendWithRetry(ctx context.Context, recipient, message string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < sendMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(sendBackoff(attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		id, retryable, err := c.send(ctx, recipient, message)
		if err == nil {
			return id, nil
		}
		if !retryable {
			return "", err
		}
		lastErr = err
		c.logger.Warn("WhatsApp send failed, will retry",
			zap.String("recipient", recipient),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return "", fmt.Errorf("send failed after %d attempts: %w", sendMaxAttempts, lastErr)
}

// send performs one POST. The bool reports whether the failure is worth
// retrying.
func (c *Client) send(ctx context.Context, recipient, message string) (string, bool, error) {
	payload, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		To:               recipient,
		Type:             "text",
		Text:             textBody{Body: message},
	})
	if err != nil {
		return "", false, fmt.Errorf("marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.config.APIURL, c.config.APIVersion, c.config.PhoneNumberID)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			return "", false, err
		}
		return "", true, fmt.Errorf("whatsapp request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return "", false, ErrRateLimited
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", true, fmt.Errorf("whatsapp status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", false, fmt.Errorf("whatsapp status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var parsed sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, fmt.Errorf("decode send response: %w", err)
	}
	if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
		return "", false, errors.New("platform did not return a message id")
	}
	return parsed.Messages[0].ID, false, nil
}

func sendBackoff(attempt int) time.Duration {
	d := sendBackoffBase << uint(attempt-1)
	if d > sendBackoffMax {
		d = sendBackoffMax
	}
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}
