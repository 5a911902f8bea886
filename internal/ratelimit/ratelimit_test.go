package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
)

func newRedisLimiter(t *testing.T, config Config) (*Limiter, *miniredis.Miniredis) {
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

func TestAllowWithinLimit(t *testing.T) {
	limiter, _ := newRedisLimiter(t, Config{MaxRequests: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !limiter.Allow(ctx, "user-1") {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}
	if limiter.Allow(ctx, "user-1") {
		t.Error("Request over the limit should be denied")
	}

	// Different identifier has its own window
	if !limiter.Allow(ctx, "user-2") {
		t.Error("Different identifier should be allowed")
	}
}

func TestExactlyMaxAdmittedUnderConcurrency(t *testing.T) {
	limiter, _ := newRedisLimiter(t, Config{MaxRequests: 10, Window: time.Minute})
	ctx := context.Background()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow(ctx, "concurrent-user") {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("Expected exactly 10 admitted requests, got %d", allowed)
	}
}

func TestWindowSlides(t *testing.T) {
	limiter, _ := newRedisLimiter(t, Config{MaxRequests: 2, Window: time.Second})
	ctx := context.Background()

	if !limiter.Allow(ctx, "slider") || !limiter.Allow(ctx, "slider") {
		t.Fatal("Initial requests should be allowed")
	}
	if limiter.Allow(ctx, "slider") {
		t.Fatal("Third request inside window should be denied")
	}

	time.Sleep(1100 * time.Millisecond)

	if !limiter.Allow(ctx, "slider") {
		t.Error("Request after window elapsed should be allowed")
	}
}

func TestScriptReloadAfterStaleSHA(t *testing.T) {
	limiter, _ := newRedisLimiter(t, Config{MaxRequests: 5, Window: time.Minute})
	ctx := context.Background()

	if !limiter.Allow(ctx, "flush-user") {
		t.Fatal("First request should be allowed")
	}

	// Simulate a flushed script cache: the cached SHA no longer exists
	limiter.scriptMu.Lock()
	limiter.scriptSHA = "0000000000000000000000000000000000000000"
	limiter.scriptMu.Unlock()

	if !limiter.Allow(ctx, "flush-user") {
		t.Error("Request with stale script SHA should reload and allow")
	}
}

func TestMemoryFallback(t *testing.T) {
	logger := zaptest.NewLogger(t)
	limiter := New(nil, Config{MaxRequests: 2, Window: time.Minute}, logger)
	ctx := context.Background()

	if !limiter.Allow(ctx, "mem-user") || !limiter.Allow(ctx, "mem-user") {
		t.Error("Requests within limit should be allowed in memory mode")
	}
	if limiter.Allow(ctx, "mem-user") {
		t.Error("Request over the limit should be denied in memory mode")
	}

	stats := limiter.Stats()
	if stats.Backend != "memory" {
		t.Errorf("Expected memory backend, got %s", stats.Backend)
	}
	if stats.MemoryEntries != 1 {
		t.Errorf("Expected 1 memory entry, got %d", stats.MemoryEntries)
	}
}

func TestMemoryWindowSlides(t *testing.T) {
	logger := zaptest.NewLogger(t)
	limiter := New(nil, Config{MaxRequests: 1, Window: time.Second}, logger)
	ctx := context.Background()

	if !limiter.Allow(ctx, "mem-slider") {
		t.Fatal("First request should be allowed")
	}
	if limiter.Allow(ctx, "mem-slider") {
		t.Fatal("Second request inside window should be denied")
	}

	time.Sleep(1100 * time.Millisecond)

	if !limiter.Allow(ctx, "mem-slider") {
		t.Error("Request after window elapsed should be allowed")
	}
}

func TestUpdateLimits(t *testing.T) {
	logger := zaptest.NewLogger(t)
	limiter := New(nil, Config{MaxRequests: 1, Window: time.Minute}, logger)
	ctx := context.Background()

	if !limiter.Allow(ctx, "reload-user") {
		t.Fatal("First request should be allowed")
	}
	if limiter.Allow(ctx, "reload-user") {
		t.Fatal("Second request should be denied at the original limit")
	}

	limiter.UpdateLimits(3, time.Minute)

	if !limiter.Allow(ctx, "reload-user") || !limiter.Allow(ctx, "reload-user") {
		t.Error("Requests under the raised limit should be allowed")
	}
	if limiter.Allow(ctx, "reload-user") {
		t.Error("Request over the raised limit should be denied")
	}
	if limiter.Limit() != 3 {
		t.Errorf("Limit() = %d, want 3", limiter.Limit())
	}

	// Out-of-range values must not take effect.
	limiter.UpdateLimits(0, time.Minute)
	limiter.UpdateLimits(5, 10*time.Millisecond)
	if limiter.Limit() != 3 || limiter.Window() != time.Minute {
		t.Errorf("Invalid updates changed limits to %d per %s", limiter.Limit(), limiter.Window())
	}
}

func TestEmptyIdentifier(t *testing.T) {
	logger := zaptest.NewLogger(t)

	open := New(nil, Config{MaxRequests: 1, Window: time.Minute, FailOpen: true}, logger)
	if !open.Allow(context.Background(), "") {
		t.Error("Empty identifier should be allowed when failing open")
	}

	closed := New(nil, Config{MaxRequests: 1, Window: time.Minute, FailOpen: false}, logger)
	if closed.Allow(context.Background(), "") {
		t.Error("Empty identifier should be denied when failing closed")
	}
}

func TestReset(t *testing.T) {
	limiter, _ := newRedisLimiter(t, Config{MaxRequests: 1, Window: time.Minute})
	ctx := context.Background()

	if !limiter.Allow(ctx, "reset-user") {
		t.Fatal("First request should be allowed")
	}
	if limiter.Allow(ctx, "reset-user") {
		t.Fatal("Second request should be denied")
	}

	if err := limiter.Reset(ctx, "reset-user"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if !limiter.Allow(ctx, "reset-user") {
		t.Error("Request after reset should be allowed")
	}
}

func TestIdentifierFor(t *testing.T) {
	if got := IdentifierFor("15551234567", "key", "1.2.3.4"); got != "phone:15551234567" {
		t.Errorf("Expected phone identity, got %s", got)
	}
	apiID := IdentifierFor("", "secret-key", "1.2.3.4")
	if len(apiID) != len("api:")+16 {
		t.Errorf("Expected truncated api key hash, got %s", apiID)
	}
	if apiID == "api:secret-key" {
		t.Error("Raw API key must not appear in the identifier")
	}
	if got := IdentifierFor("", "", "1.2.3.4"); got != "addr:1.2.3.4" {
		t.Errorf("Expected remote address identity, got %s", got)
	}
}
