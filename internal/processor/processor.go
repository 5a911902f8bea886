package processor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nexaflow/replygate/internal/cache"
	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/conversation"
	"github.com/nexaflow/replygate/internal/handlers"
	"github.com/nexaflow/replygate/internal/intent"
	"github.com/nexaflow/replygate/internal/metrics"
	"github.com/nexaflow/replygate/internal/ratelimit"
	"github.com/nexaflow/replygate/internal/sanitize"
)

// Error tags carried in Result.Error. The HTTP layer folds them to status
// codes; everything else reads them as opaque strings.
const (
	ErrTagEmptyMessage       = "empty_message"
	ErrTagRateLimited        = "rate_limit_exceeded"
	ErrTagServiceUnavailable = "service_unavailable"
	ErrTagInternal           = "internal_error"
)

// User-facing replies for pipeline failures. Wording is part of the product
// surface; changing it changes what customers read in chat.
const (
	emptyMessageText = "I didn't receive your message. Could you please try again?"
	rateLimitText    = "Rate limit exceeded. Please wait before sending another message."
	unavailableText  = "Service temporarily unavailable. Please try again in a few moments."
	internalText     = "I encountered an unexpected error. Please try again later."
)

const (
	// lastIntentTTL bounds how long a stale classification can influence
	// the context-carry boost.
	lastIntentTTL = time.Hour

	// maxLastIntents caps the per-replica classification memory.
	maxLastIntents = 10000
)

// Request is one message to process. Platform and Language default to
// "web" and "en" when empty. UserID is optional; when present it is the
// rate-limit identity.
type Request struct {
	Message        string
	ConversationID string
	Platform       string
	Language       string
	UserID         string
}

// Result is the outcome of processing one message. Error, when set, is one
// of the ErrTag constants; Response always carries user-safe text.
type Result struct {
	Response       string      `json:"response"`
	Intent         intent.Type `json:"intent"`
	ProcessingTime float64     `json:"processing_time"`
	TokensUsed     int         `json:"tokens_used,omitempty"`
	Cached         bool        `json:"cached"`
	Error          string      `json:"error,omitempty"`
}

// Config holds processor settings
type Config struct {
	MaxConcurrent     int64 // handler dispatches in flight across all conversations
	MinResponseLength int   // replies shorter than this (in runes) fail validation
}

// DefaultConfig returns the processor defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     50,
		MinResponseLength: 5,
	}
}

type lastIntent struct {
	intent intent.Type
	seen   time.Time
}

// Processor runs the message pipeline: sanitize, rate-limit, cache lookup,
// history load, intent analysis, handler dispatch, validation, cache store,
// history append. It never returns an error to the caller; every failure
// folds into a Result with an error tag and user-safe text.
type Processor struct {
	sanitizer *sanitize.Sanitizer
	limiter   *ratelimit.Limiter
	cache     *cache.ResponseCache
	history   *conversation.Store
	analyzer  *intent.Analyzer
	registry  *handlers.Registry
	sem       *semaphore.Weighted
	config    Config
	logger    *zap.Logger

	// lastIntents remembers each conversation's most recent classification
	// for the analyzer's context-carry boost. Per replica and best effort.
	mu          sync.Mutex
	lastIntents map[string]lastIntent
}

// New creates a processor. limiter may be nil, in which case requests are
// never rate limited.
func New(
	sanitizer *sanitize.Sanitizer,
	limiter *ratelimit.Limiter,
	responseCache *cache.ResponseCache,
	history *conversation.Store,
	analyzer *intent.Analyzer,
	registry *handlers.Registry,
	config Config,
	logger *zap.Logger,
) *Processor {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 50
	}
	if config.MinResponseLength <= 0 {
		config.MinResponseLength = 5
	}
	return &Processor{
		sanitizer:   sanitizer,
		limiter:     limiter,
		cache:       responseCache,
		history:     history,
		analyzer:    analyzer,
		registry:    registry,
		sem:         semaphore.NewWeighted(config.MaxConcurrent),
		config:      config,
		logger:      logger,
		lastIntents: make(map[string]lastIntent),
	}
}

// Process runs one message through the pipeline. Safe for concurrent use.
func (p *Processor) Process(ctx context.Context, req Request) Result {
	start := time.Now()
	metrics.ActiveConversations.Inc()
	defer metrics.ActiveConversations.Dec()

	if req.Platform == "" {
		req.Platform = "web"
	}
	if req.Language == "" {
		req.Language = "en"
	}

	message := p.sanitizer.Clean(req.Message)
	if message == "" {
		metrics.IntentTotal.WithLabelValues("unknown", ErrTagEmptyMessage).Inc()
		return p.failure(start, ErrTagEmptyMessage, emptyMessageText)
	}

	if req.UserID != "" && p.limiter != nil && !p.limiter.Allow(ctx, req.UserID) {
		metrics.IntentTotal.WithLabelValues("unknown", ErrTagRateLimited).Inc()
		p.logger.Warn("Rate limit exceeded",
			zap.String("conversation_id", req.ConversationID),
			zap.String("user_id", req.UserID),
		)
		return p.failure(start, ErrTagRateLimited, rateLimitText)
	}

	// The intent is unknown before analysis, so the lookup key omits it.
	// The store below writes both forms.
	prelimKey := p.cache.Key(message, "")
	if entry, ok := p.cache.Get(ctx, prelimKey); ok {
		it := intent.Type(entry.Intent)
		p.rememberIntent(req.ConversationID, it)
		return Result{
			Response:       entry.Response,
			Intent:         it,
			ProcessingTime: time.Since(start).Seconds(),
			Cached:         true,
		}
	}

	history := p.history.GetHistory(ctx, req.ConversationID)

	res := p.analyzer.Analyze(message, intent.Context{
		Platform:       req.Platform,
		Language:       req.Language,
		PreviousIntent: p.previousIntent(req.ConversationID),
		HistoryLength:  len(history),
	})
	p.rememberIntent(req.ConversationID, res.Intent)

	hctx := &handlers.Context{
		ConvID:   req.ConversationID,
		Platform: req.Platform,
		Language: req.Language,
		History:  history,
		Intent:   &res,
	}

	response, errTag := p.dispatch(ctx, message, res.Intent, hctx)
	if errTag != "" {
		metrics.IntentTotal.WithLabelValues(string(res.Intent), errTag).Inc()
		text := internalText
		if errTag == ErrTagServiceUnavailable {
			text = unavailableText
		}
		return p.failure(start, errTag, text)
	}

	if cacheable(response) {
		entry := cache.Entry{Response: response, Intent: string(res.Intent)}
		p.cache.Set(ctx, prelimKey, entry)
		p.cache.Set(ctx, p.cache.Key(message, string(res.Intent)), entry)
	}

	now := time.Now().UTC()
	history = append(history,
		conversation.Turn{Role: conversation.RoleUser, Content: message, Timestamp: now},
		conversation.Turn{Role: conversation.RoleAssistant, Content: response, Timestamp: now},
	)
	p.history.SaveHistory(ctx, req.ConversationID, history)

	elapsed := time.Since(start)
	metrics.RecordIntentMetrics(string(res.Intent), "success", elapsed.Seconds())
	p.logger.Debug("Message processed",
		zap.String("conversation_id", req.ConversationID),
		zap.String("intent", string(res.Intent)),
		zap.Duration("duration", elapsed),
	)

	return Result{
		Response:       response,
		Intent:         res.Intent,
		ProcessingTime: elapsed.Seconds(),
	}
}

// dispatch runs the intent's handler under the concurrency semaphore and
// validates the reply. On failure it retries once through the fallback
// handler; a second failure is folded into an error tag.
func (p *Processor) dispatch(ctx context.Context, message string, it intent.Type, hctx *handlers.Context) (string, string) {
	response, err := p.invoke(ctx, p.registry.For(it), message, hctx)
	if err == nil && p.validResponse(response) {
		return response, ""
	}
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		p.logger.Warn("Handler blocked by open circuit breaker",
			zap.String("conversation_id", hctx.ConvID),
			zap.String("intent", string(it)),
		)
		return "", ErrTagServiceUnavailable
	}
	p.logger.Warn("Handler failed, retrying with fallback",
		zap.String("conversation_id", hctx.ConvID),
		zap.String("intent", string(it)),
		zap.Error(err),
	)

	response, err = p.invoke(ctx, p.registry.Fallback(), message, hctx)
	if err == nil && p.validResponse(response) {
		return response, ""
	}
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return "", ErrTagServiceUnavailable
	}
	p.logger.Error("Fallback retry failed",
		zap.String("conversation_id", hctx.ConvID),
		zap.String("intent", string(it)),
		zap.Error(err),
	)
	return "", ErrTagInternal
}

func (p *Processor) invoke(ctx context.Context, h handlers.Handler, message string, hctx *handlers.Context) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.sem.Release(1)
	return h.Handle(ctx, message, hctx)
}

func (p *Processor) validResponse(response string) bool {
	trimmed := strings.TrimSpace(response)
	return trimmed != "" && utf8.RuneCountInString(trimmed) >= p.config.MinResponseLength
}

func (p *Processor) failure(start time.Time, tag, text string) Result {
	return Result{
		Response:       text,
		Intent:         intent.TypeFallback,
		ProcessingTime: time.Since(start).Seconds(),
		Error:          tag,
	}
}

// errorMarkers flags replies that describe a failure. Memoizing one would
// replay the apology to every user repeating the message for the full TTL.
var errorMarkers = []string{"error", "sorry", "unavailable"}

func cacheable(response string) bool {
	if response == handlers.FallbackFailureText {
		return false
	}
	lower := strings.ToLower(response)
	for _, marker := range errorMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}

func (p *Processor) previousIntent(conversationID string) intent.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.lastIntents[conversationID]
	if !ok || time.Since(entry.seen) > lastIntentTTL {
		return ""
	}
	return entry.intent
}

func (p *Processor) rememberIntent(conversationID string, it intent.Type) {
	if conversationID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.lastIntents[conversationID]; !ok && len(p.lastIntents) >= maxLastIntents {
		p.evictLastIntentLocked()
	}
	p.lastIntents[conversationID] = lastIntent{intent: it, seen: time.Now()}
}

// evictLastIntentLocked drops every expired entry, then the oldest live one
// if the map is still full.
func (p *Processor) evictLastIntentLocked() {
	var oldestKey string
	var oldestSeen time.Time
	for key, entry := range p.lastIntents {
		if time.Since(entry.seen) > lastIntentTTL {
			delete(p.lastIntents, key)
			continue
		}
		if oldestKey == "" || entry.seen.Before(oldestSeen) {
			oldestKey, oldestSeen = key, entry.seen
		}
	}
	if len(p.lastIntents) >= maxLastIntents && oldestKey != "" {
		delete(p.lastIntents, oldestKey)
	}
}
