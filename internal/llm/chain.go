package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
)

// RetryPolicy bounds the attempts against a single provider before the
// chain moves to the next one.
type RetryPolicy struct {
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

// DefaultRetryPolicy returns the standard bounded retry: three attempts
// with exponential backoff between 2s and 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffMin: 2 * time.Second, BackoffMax: 10 * time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BackoffMin <= 0 {
		p.BackoffMin = d.BackoffMin
	}
	if p.BackoffMax < p.BackoffMin {
		p.BackoffMax = p.BackoffMin
	}
	return p
}

// Chain walks providers in order until one returns text. An open breaker
// or a non-retryable provider error skips the remaining attempts for that
// provider and moves straight to the next.
type Chain struct {
	providers []Provider
	policy    RetryPolicy
	logger    *zap.Logger
}

// NewChain builds a failover chain over providers in the given order.
func NewChain(policy RetryPolicy, logger *zap.Logger, providers ...Provider) *Chain {
	return &Chain{providers: providers, policy: policy.withDefaults(), logger: logger}
}

// Providers returns the configured provider count. Zero means every call
// will fail with ErrNoProviders and the caller should answer statically.
func (c *Chain) Providers() int { return len(c.providers) }

// Generate returns the first successful provider response.
func (c *Chain) Generate(ctx context.Context, req Request) (string, error) {
	if len(c.providers) == 0 {
		return "", ErrNoProviders
	}

	var lastErr error
	for _, p := range c.providers {
		text, err := c.generateWithRetry(ctx, p, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("LLM provider failed, failing over",
			zap.String("provider", p.Name()),
			zap.Error(err),
		)
	}
	return "", fmt.Errorf("all llm providers failed: %w", lastErr)
}

func (c *Chain) generateWithRetry(ctx context.Context, p Provider, req Request) (string, error) {
	backoff := c.policy.BackoffMin
	var lastErr error

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		text, err := p.Generate(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			return "", err
		}
		var svcErr *AIServiceError
		if errors.As(err, &svcErr) && !svcErr.Retryable {
			return "", err
		}
		if attempt == c.policy.MaxAttempts {
			break
		}

		c.logger.Debug("Retrying LLM provider",
			zap.String("provider", p.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return "", lastErr
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.policy.BackoffMax {
			backoff = c.policy.BackoffMax
		}
	}
	return "", lastErr
}
