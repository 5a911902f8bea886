package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/metrics"
)

// slidingWindowScript admits at most max_requests per window atomically.
// Prune, count and insert happen in one script so concurrent callers cannot
// race between the read and the write.
const slidingWindowScript = `
local key = KEYS[1]
local max_requests = tonumber(ARGV[1])
local window_seconds = tonumber(ARGV[2])
local current_time = tonumber(ARGV[3])
local unique_member = ARGV[4]

local cutoff_time = current_time - window_seconds
redis.call('ZREMRANGEBYSCORE', key, 0, cutoff_time)

local current_count = redis.call('ZCARD', key)

if current_count < max_requests then
    redis.call('ZADD', key, current_time, unique_member)
    redis.call('EXPIRE', key, window_seconds + 60)
    return 1
else
    return 0
end
`

// Config holds sliding window limiter settings
type Config struct {
	MaxRequests int
	Window      time.Duration
	FailOpen    bool // allow on empty identifiers and total backend failure
}

// Limiter is a Redis-backed sliding window rate limiter. When Redis is
// unreachable (or its circuit breaker is open) it degrades to a per-process
// in-memory window, which is not shared across instances.
type Limiter struct {
	redis  *circuitbreaker.RedisWrapper
	logger *zap.Logger

	// limitMu guards MaxRequests and Window, which hot reload may swap.
	// FailOpen is immutable after construction.
	limitMu sync.RWMutex
	config  Config

	scriptMu  sync.Mutex
	scriptSHA string

	mu          sync.Mutex
	memory      map[string][]time.Time
	lastCleanup time.Time
}

// New creates a Limiter. rdb may be nil, in which case only the in-memory
// window is used.
func New(rdb *circuitbreaker.RedisWrapper, config Config, logger *zap.Logger) *Limiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = 100
	}
	if config.Window < time.Second {
		config.Window = time.Minute
	}
	return &Limiter{
		redis:       rdb,
		config:      config,
		logger:      logger,
		memory:      make(map[string][]time.Time),
		lastCleanup: time.Now(),
	}
}

// Limit returns the configured maximum requests per window
func (l *Limiter) Limit() int {
	max, _ := l.limits()
	return max
}

// Window returns the configured window duration
func (l *Limiter) Window() time.Duration {
	_, window := l.limits()
	return window
}

func (l *Limiter) limits() (int, time.Duration) {
	l.limitMu.RLock()
	defer l.limitMu.RUnlock()
	return l.config.MaxRequests, l.config.Window
}

// UpdateLimits swaps the quota and window at runtime. Invalid values are
// ignored so a bad reload cannot disable limiting. Entries admitted under
// the old window age out on their own.
func (l *Limiter) UpdateLimits(maxRequests int, window time.Duration) {
	if maxRequests <= 0 || window < time.Second {
		return
	}
	l.limitMu.Lock()
	l.config.MaxRequests = maxRequests
	l.config.Window = window
	l.limitMu.Unlock()
}

// Allow reports whether a request from identifier is admitted. Raw
// identifiers never reach Redis; keys carry a truncated SHA-256 instead.
func (l *Limiter) Allow(ctx context.Context, identifier string) bool {
	if identifier == "" {
		l.logger.Warn("Rate limit check called with empty identifier")
		return l.config.FailOpen
	}

	if l.redis != nil {
		allowed, err := l.redisAllow(ctx, identifier)
		if err == nil {
			metrics.RateLimitDecisions.WithLabelValues("redis", strconv.FormatBool(allowed)).Inc()
			return allowed
		}
		l.logger.Warn("Redis rate limiting failed, using memory fallback",
			zap.Error(err))
	}

	allowed := l.memoryAllow(identifier)
	metrics.RateLimitDecisions.WithLabelValues("memory", strconv.FormatBool(allowed)).Inc()
	return allowed
}

func (l *Limiter) redisAllow(ctx context.Context, identifier string) (bool, error) {
	sha, err := l.loadScript(ctx)
	if err != nil {
		return false, err
	}

	maxRequests, window := l.limits()
	now := float64(time.Now().UnixNano()) / 1e9
	uniqueMember := fmt.Sprintf("%.6f:%s", now, uuid.NewString())
	key := "rate_limit:" + hashIdentifier(identifier)

	result, err := l.redis.EvalSha(ctx, sha, []string{key},
		maxRequests,
		int(window.Seconds()),
		now,
		uniqueMember,
	).Result()
	if err != nil {
		if redis.HasErrorPrefix(err, "NOSCRIPT") {
			// Script cache was flushed; reload once and retry.
			l.scriptMu.Lock()
			l.scriptSHA = ""
			l.scriptMu.Unlock()
			sha, err = l.loadScript(ctx)
			if err != nil {
				return false, err
			}
			result, err = l.redis.EvalSha(ctx, sha, []string{key},
				maxRequests,
				int(window.Seconds()),
				now,
				uniqueMember,
			).Result()
		}
		if err != nil {
			return false, err
		}
	}

	n, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type %T", result)
	}
	return n == 1, nil
}

func (l *Limiter) loadScript(ctx context.Context) (string, error) {
	l.scriptMu.Lock()
	defer l.scriptMu.Unlock()
	if l.scriptSHA != "" {
		return l.scriptSHA, nil
	}
	sha, err := l.redis.ScriptLoad(ctx, slidingWindowScript).Result()
	if err != nil {
		return "", fmt.Errorf("load rate limit script: %w", err)
	}
	l.scriptSHA = sha
	return sha, nil
}

func (l *Limiter) memoryAllow(identifier string) bool {
	maxRequests, window := l.limits()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastCleanup) > window {
		l.cleanupLocked(now, window)
		l.lastCleanup = now
	}

	key := hashIdentifier(identifier)
	cutoff := now.Add(-window)

	kept := l.memory[key][:0]
	for _, ts := range l.memory[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) < maxRequests {
		kept = append(kept, now)
		l.memory[key] = kept
		return true
	}
	l.memory[key] = kept
	return false
}

// cleanupLocked drops identifiers with no requests inside the window.
// Callers must hold l.mu.
func (l *Limiter) cleanupLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	for key, times := range l.memory {
		kept := times[:0]
		for _, ts := range times {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(l.memory, key)
		} else {
			l.memory[key] = kept
		}
	}
}

// Reset clears the window for one identifier in both tiers
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	key := hashIdentifier(identifier)

	l.mu.Lock()
	delete(l.memory, key)
	l.mu.Unlock()

	if l.redis != nil {
		if err := l.redis.Del(ctx, "rate_limit:"+key).Err(); err != nil {
			return fmt.Errorf("reset rate limit for %s: %w", key, err)
		}
	}
	return nil
}

// Stats describes the limiter for health and admin endpoints
type Stats struct {
	MaxRequests    int    `json:"max_requests"`
	WindowSeconds  int    `json:"window_seconds"`
	MemoryEntries  int    `json:"memory_entries"`
	RedisAvailable bool   `json:"redis_available"`
	Backend        string `json:"backend"`
}

// Stats returns a point-in-time snapshot
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	entries := len(l.memory)
	l.mu.Unlock()

	maxRequests, window := l.limits()
	redisUp := l.redis != nil && !l.redis.IsCircuitBreakerOpen()
	backend := "memory"
	if redisUp {
		backend = "redis"
	}
	return Stats{
		MaxRequests:    maxRequests,
		WindowSeconds:  int(window.Seconds()),
		MemoryEntries:  entries,
		RedisAvailable: redisUp,
		Backend:        backend,
	}
}

// IdentifierFor derives the ingest-path limiting identity: prefer the sender
// phone, then a hash of the API key, then the remote address.
func IdentifierFor(phone, apiKey, remoteAddr string) string {
	if phone != "" {
		return "phone:" + phone
	}
	if apiKey != "" {
		sum := sha256.Sum256([]byte(apiKey))
		return "api:" + hex.EncodeToString(sum[:])[:16]
	}
	return "addr:" + remoteAddr
}

// hashIdentifier keeps raw phone numbers and API keys out of Redis keys
func hashIdentifier(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])[:16]
}
