package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/metrics"
)

const openaiDefaultModel = "gpt-4o-mini"

// OpenAIConfig configures the secondary provider.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// OpenAI calls the chat completions API through the go-openai client. Its
// breaker treats 4xx responses as neutral: a bad request or revoked key is
// not a provider outage and must not open the circuit.
type OpenAI struct {
	config OpenAIConfig
	client *openai.Client
	cb     *circuitbreaker.CircuitBreaker
	logger *zap.Logger
}

// NewOpenAI creates the OpenAI provider with its own breaker.
func NewOpenAI(config OpenAIConfig, breakerConfig circuitbreaker.Config, logger *zap.Logger) *OpenAI {
	if config.Model == "" {
		config.Model = openaiDefaultModel
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}

	breakerConfig.ExpectedMatch = func(err error) bool {
		var apiErr *openai.APIError
		return errors.As(err, &apiErr) &&
			apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500
	}

	return &OpenAI{
		config: config,
		client: openai.NewClientWithConfig(clientConfig),
		cb:     circuitbreaker.NewCircuitBreaker("openai", breakerConfig, logger),
		logger: logger,
	}
}

func (o *OpenAI) Name() string { return "openai" }

// Breaker exposes the provider's circuit breaker for health reporting.
func (o *OpenAI) Breaker() *circuitbreaker.CircuitBreaker { return o.cb }

// Generate performs one chat completion call.
func (o *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	text, err := o.generate(ctx, req)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.LLMRequests.WithLabelValues(o.Name(), status).Inc()
	metrics.LLMRequestDuration.WithLabelValues(o.Name()).Observe(time.Since(start).Seconds())
	return text, err
}

func (o *OpenAI) generate(ctx context.Context, req Request) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	var resp openai.ChatCompletionResponse
	err := o.cb.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       o.config.Model,
			Messages:    msgs,
			Temperature: 0.7,
			MaxTokens:   512,
		})
		return callErr
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			return "", err
		}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
				return "", &AIServiceError{Provider: o.Name(), Reason: "rate limited", Retryable: true, Err: err}
			case apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500:
				return "", &AIServiceError{Provider: o.Name(), Reason: fmt.Sprintf("status %d", apiErr.HTTPStatusCode), Err: err}
			}
		}
		return "", fmt.Errorf("openai request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", &AIServiceError{Provider: o.Name(), Reason: "no choices in response", Retryable: true}
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", &AIServiceError{Provider: o.Name(), Reason: "empty response text", Retryable: true}
	}
	return text, nil
}
