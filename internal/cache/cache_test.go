package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
)

func newTestCache(t *testing.T, config Config) (*ResponseCache, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zaptest.NewLogger(t)
	wrapper := circuitbreaker.NewRedisWrapper(client, logger)
	return New(wrapper, config, logger), s
}

func TestCacheRoundtrip(t *testing.T) {
	c, _ := newTestCache(t, Config{TTL: time.Minute, Version: "1"})
	ctx := context.Background()

	key := c.Key("where is my order", "order_status")
	c.Set(ctx, key, Entry{Response: "On its way!", Intent: "order_status"})

	got, ok := c.Get(ctx, key)
	if !ok {
		t.Fatal("Expected cache hit")
	}
	if got.Response != "On its way!" || got.Intent != "order_status" {
		t.Errorf("Entry mismatch: %+v", got)
	}
}

func TestCacheMiss(t *testing.T) {
	c, _ := newTestCache(t, Config{TTL: time.Minute})
	if _, ok := c.Get(context.Background(), c.Key("never stored", "")); ok {
		t.Error("Expected cache miss")
	}
}

func TestKeyVariesByIntentAndVersion(t *testing.T) {
	c1, _ := newTestCache(t, Config{TTL: time.Minute, Version: "1"})

	refined := c1.Key("hello", "greeting")
	if refined != c1.Key("hello", "greeting") {
		t.Error("Key should be deterministic")
	}
	if refined == c1.Key("hello", "fallback") {
		t.Error("Key should differ across intents")
	}
	if refined == c1.Key("hello", "") {
		t.Error("Refined key should differ from the preliminary key")
	}

	c2 := New(nil, Config{TTL: time.Minute, Version: "2"}, zaptest.NewLogger(t))
	if refined == c2.Key("hello", "greeting") {
		t.Error("Key should differ across cache versions")
	}
	if c1.Key("hello", "") == c2.Key("hello", "") {
		t.Error("Preliminary key should differ across cache versions")
	}
}

func TestCacheTTLApplied(t *testing.T) {
	c, s := newTestCache(t, Config{TTL: 30 * time.Second})
	ctx := context.Background()

	key := c.Key("msg", "greeting")
	c.Set(ctx, key, Entry{Response: "r", Intent: "greeting"})

	ttl := s.TTL("cache:" + key)
	if ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("Expected TTL in (0, 30s], got %v", ttl)
	}
}

func TestCorruptedEntryIsMissAndDeleted(t *testing.T) {
	c, s := newTestCache(t, Config{TTL: time.Minute})
	ctx := context.Background()

	key := c.Key("msg", "fallback")
	s.Set("cache:"+key, "%%%not json%%%")

	if _, ok := c.Get(ctx, key); ok {
		t.Error("Expected miss for corrupted entry")
	}
	if s.Exists("cache:" + key) {
		t.Error("Expected corrupted entry to be deleted")
	}
}

func TestNilClientAlwaysMisses(t *testing.T) {
	c := New(nil, Config{TTL: time.Minute}, zaptest.NewLogger(t))
	ctx := context.Background()

	key := c.Key("msg", "")
	c.Set(ctx, key, Entry{Response: "r"})
	if _, ok := c.Get(ctx, key); ok {
		t.Error("Expected miss with nil client")
	}
}

func TestDelete(t *testing.T) {
	c, _ := newTestCache(t, Config{TTL: time.Minute})
	ctx := context.Background()

	key := c.Key("msg", "greeting")
	c.Set(ctx, key, Entry{Response: "r", Intent: "greeting"})
	c.Delete(ctx, key)

	if _, ok := c.Get(ctx, key); ok {
		t.Error("Expected miss after delete")
	}
}
