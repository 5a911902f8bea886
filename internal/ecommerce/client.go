package ecommerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/tracing"
)

const (
	maxAttempts = 3
	backoffMin  = 250 * time.Millisecond
	backoffMax  = 2 * time.Second
)

// ErrNotFound marks a missing product or order. Handlers turn it into a
// user-facing message instead of retrying.
var ErrNotFound = errors.New("not found")

// Client talks to the e-commerce REST API through a dedicated circuit
// breaker. 5xx and transport failures retry with jittered backoff; 4xx are
// permanent.
type Client struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewClient creates the e-commerce client with its own breaker.
func NewClient(cfg Config, breakerConfig circuitbreaker.Config, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper(httpClient, "ecommerce", breakerConfig, logger),
		logger: logger,
	}
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.http.Breaker() }

// SearchProducts queries the catalog. Filters are passed through as query
// parameters alongside the keyword string.
func (c *Client) SearchProducts(ctx context.Context, query string, filters map[string]string) ([]Product, error) {
	params := url.Values{}
	params.Set("keywords", query)
	for k, v := range filters {
		params.Set(k, v)
	}
	endpoint := fmt.Sprintf("%s/products?%s", strings.TrimRight(c.cfg.BaseURL, "/"), params.Encode())

	var products []Product
	if err := c.getJSON(ctx, endpoint, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// GetProduct fetches one product by id.
func (c *Client) GetProduct(ctx context.Context, id string) (*Product, error) {
	endpoint := fmt.Sprintf("%s/products/%s", strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(id))

	var product Product
	if err := c.getJSON(ctx, endpoint, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// GetOrderStatus fetches the current status of an order.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (*Order, error) {
	endpoint := fmt.Sprintf("%s/order/%s", strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(orderID))

	var order Order
	if err := c.getJSON(ctx, endpoint, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// getJSON runs a GET with retry and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	backoff := backoffMin
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retryable, err := c.doGET(ctx, endpoint, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt == maxAttempts {
			break
		}
		c.logger.Warn("E-commerce call failed, retrying",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
	return lastErr
}

func (c *Client) doGET(ctx context.Context, endpoint string, out interface{}) (retryable bool, err error) {
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodGet, endpoint)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build e-commerce request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			return false, err
		}
		return true, fmt.Errorf("e-commerce request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return true, fmt.Errorf("decode e-commerce response: %w", err)
		}
		return false, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, fmt.Errorf("%s: %w", endpoint, ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return true, fmt.Errorf("e-commerce status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("e-commerce status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// jitter spreads a backoff over [d/2, 3d/2) so synchronized retries fan out.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
