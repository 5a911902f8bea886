package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/metrics"
)

const (
	geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"
	geminiDefaultModel   = "gemini-2.5-flash-lite"
)

// GeminiConfig configures the primary provider.
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Gemini calls the Gemini REST API. Requests go through a dedicated
// circuit breaker; only transport errors and 5xx responses count against
// it.
type Gemini struct {
	config GeminiConfig
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewGemini creates the Gemini provider with its own breaker.
func NewGemini(config GeminiConfig, breakerConfig circuitbreaker.Config, logger *zap.Logger) *Gemini {
	if config.BaseURL == "" {
		config.BaseURL = geminiDefaultBaseURL
	}
	if config.Model == "" {
		config.Model = geminiDefaultModel
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: config.Timeout}
	return &Gemini{
		config: config,
		http:   circuitbreaker.NewHTTPWrapper(client, "gemini", breakerConfig, logger),
		logger: logger,
	}
}

func (g *Gemini) Name() string { return "gemini" }

// Breaker exposes the provider's circuit breaker for health reporting.
func (g *Gemini) Breaker() *circuitbreaker.CircuitBreaker { return g.http.Breaker() }

// Gemini wire format. The assistant role is called "model" on this API.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	TopP            float32 `json:"topP,omitempty"`
	TopK            int     `json:"topK,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []geminiSafetySetting   `json:"safetySettings,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate performs one generateContent call. Parsing is strict: missing
// candidates, a non-STOP finish reason and empty text each fail with an
// AIServiceError rather than passing garbage downstream.
func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	text, err := g.generate(ctx, req)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.LLMRequests.WithLabelValues(g.Name(), status).Inc()
	metrics.LLMRequestDuration.WithLabelValues(g.Name()).Observe(time.Since(start).Seconds())
	return text, err
}

func (g *Gemini) generate(ctx context.Context, req Request) (string, error) {
	body := geminiRequest{
		Contents: make([]geminiContent, 0, len(req.Messages)),
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     0.7,
			TopP:            0.9,
			TopK:            40,
			MaxOutputTokens: 512,
		},
		SafetySettings: []geminiSafetySetting{
			{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
			{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
		},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	for _, m := range req.Messages {
		role := m.Role
		if role == RoleAssistant {
			role = "model"
		}
		body.Contents = append(body.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		strings.TrimRight(g.config.BaseURL, "/"), g.config.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.config.APIKey)

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readGeminiError(resp.Body)
		switch {
		case resp.StatusCode >= 500:
			return "", fmt.Errorf("gemini status %d: %s", resp.StatusCode, msg)
		case resp.StatusCode == http.StatusTooManyRequests:
			return "", &AIServiceError{Provider: g.Name(), Reason: "rate limited: " + msg, Retryable: true}
		default:
			return "", &AIServiceError{Provider: g.Name(), Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, msg)}
		}
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &AIServiceError{Provider: g.Name(), Reason: "malformed response", Retryable: true, Err: err}
	}
	if len(out.Candidates) == 0 {
		return "", &AIServiceError{Provider: g.Name(), Reason: "no candidates in response", Retryable: true}
	}
	cand := out.Candidates[0]
	if fr := cand.FinishReason; fr != "" && fr != "STOP" {
		// SAFETY, BLOCKED, MAX_TOKENS and friends are deterministic for
		// the same prompt, so retrying is pointless.
		return "", &AIServiceError{Provider: g.Name(), Reason: "generation stopped: " + fr}
	}
	if len(cand.Content.Parts) == 0 {
		return "", &AIServiceError{Provider: g.Name(), Reason: "empty response text", Retryable: true}
	}
	text := strings.TrimSpace(cand.Content.Parts[0].Text)
	if text == "" {
		return "", &AIServiceError{Provider: g.Name(), Reason: "empty response text", Retryable: true}
	}
	return text, nil
}

func readGeminiError(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	var out geminiErrorResponse
	if err := json.Unmarshal(data, &out); err == nil && out.Error.Message != "" {
		return out.Error.Message
	}
	return strings.TrimSpace(string(data))
}
