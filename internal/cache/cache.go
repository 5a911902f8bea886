package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/metrics"
)

// Entry is a cached pipeline response
type Entry struct {
	Response string `json:"response"`
	Intent   string `json:"intent"`
}

// Config holds response cache settings
type Config struct {
	TTL     time.Duration
	Version string // bumping invalidates every existing key
}

// ResponseCache memoizes pipeline responses in Redis, keyed by a digest of
// the message, the intent when known, and the cache version. The cache fails
// open: any backend error is reported as a miss, never surfaced to the
// pipeline.
type ResponseCache struct {
	client *circuitbreaker.RedisWrapper
	logger *zap.Logger
	config Config
}

// New creates a response cache. client may be nil; all lookups then miss.
func New(client *circuitbreaker.RedisWrapper, config Config, logger *zap.Logger) *ResponseCache {
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.Version == "" {
		config.Version = "1"
	}
	return &ResponseCache{
		client: client,
		logger: logger,
		config: config,
	}
}

// Key derives the cache key for a message. Before intent analysis the intent
// is unknown; pass "" to get the preliminary lookup key. After analysis the
// refined key scopes the entry to its intent so reclassified messages never
// collide. The digest keeps message text out of Redis keys and bounds key
// length.
func (c *ResponseCache) Key(message, intent string) string {
	var sum [16]byte
	if intent == "" {
		sum = md5.Sum([]byte(fmt.Sprintf("%s:%s", message, c.config.Version)))
	} else {
		sum = md5.Sum([]byte(fmt.Sprintf("%s:%s:%s", message, intent, c.config.Version)))
	}
	return hex.EncodeToString(sum[:])
}

// Get returns the cached entry for key, or ok=false on miss
func (c *ResponseCache) Get(ctx context.Context, key string) (Entry, bool) {
	var entry Entry
	if c.client == nil {
		metrics.CacheHits.WithLabelValues("response", "miss").Inc()
		return entry, false
	}

	data, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Response cache read failed", zap.Error(err))
		}
		metrics.CacheHits.WithLabelValues("response", "miss").Inc()
		return entry, false
	}

	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("Corrupted response cache entry, deleting", zap.Error(err))
		c.client.Del(ctx, cacheKey(key))
		metrics.CacheHits.WithLabelValues("response", "miss").Inc()
		return Entry{}, false
	}

	metrics.CacheHits.WithLabelValues("response", "hit").Inc()
	return entry, true
}

// Set stores an entry with the configured TTL. Errors are logged only.
func (c *ResponseCache) Set(ctx context.Context, key string, entry Entry) {
	if c.client == nil {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Error("Failed to marshal cache entry", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, cacheKey(key), data, c.config.TTL).Err(); err != nil {
		c.logger.Warn("Response cache write failed", zap.Error(err))
	}
}

// Delete removes one entry
func (c *ResponseCache) Delete(ctx context.Context, key string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, cacheKey(key)).Err(); err != nil {
		c.logger.Warn("Response cache delete failed", zap.Error(err))
	}
}

func cacheKey(key string) string {
	return "cache:" + key
}
