package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/conversation"
	"github.com/nexaflow/replygate/internal/db"
)

// RedisChecker probes Redis through the circuit-breaker wrapper.
type RedisChecker struct {
	wrapper  *circuitbreaker.RedisWrapper
	critical bool
	timeout  time.Duration
}

// NewRedisChecker creates a Redis checker. The gateway registers Redis as
// non-critical: dedup fails open and enqueue failures are acknowledged, so
// losing Redis degrades the service without taking it down.
func NewRedisChecker(wrapper *circuitbreaker.RedisWrapper, critical bool) *RedisChecker {
	return &RedisChecker{
		wrapper:  wrapper,
		critical: critical,
		timeout:  2 * time.Second,
	}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return r.critical }
func (r *RedisChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	if r.wrapper == nil {
		return CheckResult{Status: StatusUnhealthy, Error: "redis not configured"}
	}
	if r.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{Status: StatusUnhealthy, Error: "circuit breaker open"}
	}

	start := time.Now()
	if err := r.wrapper.Ping(ctx).Err(); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "ping failed"}
	}
	if time.Since(start) > 100*time.Millisecond {
		return CheckResult{Status: StatusDegraded, Message: "responding with high latency"}
	}
	return CheckResult{Status: StatusHealthy}
}

// DatabaseChecker probes PostgreSQL connectivity. The database is critical:
// the gateway cannot persist inbound messages without it.
type DatabaseChecker struct {
	client  *db.Client
	timeout time.Duration
}

// NewDatabaseChecker creates a PostgreSQL checker.
func NewDatabaseChecker(client *db.Client) *DatabaseChecker {
	return &DatabaseChecker{
		client:  client,
		timeout: 2 * time.Second,
	}
}

func (d *DatabaseChecker) Name() string           { return "postgres" }
func (d *DatabaseChecker) IsCritical() bool       { return true }
func (d *DatabaseChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	if d.client == nil {
		return CheckResult{Status: StatusUnhealthy, Error: "database not configured"}
	}

	start := time.Now()
	if err := d.client.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "ping failed"}
	}
	if time.Since(start) > 100*time.Millisecond {
		return CheckResult{Status: StatusDegraded, Message: "responding with high latency"}
	}
	return CheckResult{Status: StatusHealthy}
}

// EngineChecker probes the AI engine's health endpoint over HTTP. The
// gateway stays up when the engine is unreachable because queued tasks
// survive in Redis until it returns, so this checker is never critical.
type EngineChecker struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewEngineChecker creates an engine reachability checker.
func NewEngineChecker(baseURL string) *EngineChecker {
	timeout := 3 * time.Second
	return &EngineChecker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (e *EngineChecker) Name() string           { return "ai_engine" }
func (e *EngineChecker) IsCritical() bool       { return false }
func (e *EngineChecker) Timeout() time.Duration { return e.timeout }

func (e *EngineChecker) Check(ctx context.Context) CheckResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "engine unreachable"}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("engine reports status %d", resp.StatusCode),
		}
	}
	return CheckResult{Status: StatusHealthy}
}

// BreakerChecker reports the state of a set of circuit breakers, typically
// the LLM providers. All breakers open means no provider can serve, which
// the failover chain cannot paper over.
type BreakerChecker struct {
	name     string
	breakers []*circuitbreaker.CircuitBreaker
}

// NewBreakerChecker creates a checker over the given breakers.
func NewBreakerChecker(name string, breakers ...*circuitbreaker.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{name: name, breakers: breakers}
}

func (b *BreakerChecker) Name() string           { return b.name }
func (b *BreakerChecker) IsCritical() bool       { return false }
func (b *BreakerChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerChecker) Check(ctx context.Context) CheckResult {
	open := 0
	for _, cb := range b.breakers {
		if cb.State() == circuitbreaker.StateOpen {
			open++
		}
	}

	switch {
	case len(b.breakers) == 0:
		return CheckResult{Status: StatusUnhealthy, Error: "no providers configured"}
	case open == len(b.breakers):
		return CheckResult{Status: StatusUnhealthy, Error: "all circuit breakers open"}
	case open > 0:
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d of %d circuit breakers open", open, len(b.breakers)),
		}
	default:
		return CheckResult{Status: StatusHealthy}
	}
}

// ConversationStoreChecker reports the conversation store's operating mode.
// Fallback-only operation still serves reads and writes, so it degrades
// rather than fails.
type ConversationStoreChecker struct {
	store *conversation.Store
}

// NewConversationStoreChecker creates a conversation store checker.
func NewConversationStoreChecker(store *conversation.Store) *ConversationStoreChecker {
	return &ConversationStoreChecker{store: store}
}

func (c *ConversationStoreChecker) Name() string           { return "conversation_store" }
func (c *ConversationStoreChecker) IsCritical() bool       { return false }
func (c *ConversationStoreChecker) Timeout() time.Duration { return 3 * time.Second }

func (c *ConversationStoreChecker) Check(ctx context.Context) CheckResult {
	if c.store == nil {
		return CheckResult{Status: StatusUnhealthy, Error: "store not configured"}
	}

	h := c.store.HealthCheck(ctx)
	if h.Status == conversation.StatusHealthy {
		return CheckResult{Status: StatusHealthy}
	}
	return CheckResult{
		Status:  StatusDegraded,
		Message: fmt.Sprintf("in-memory fallback active, %d entries", h.FallbackEntries),
	}
}

// FileChecker reports whether a file the service depends on exists, such as
// the embedding cache built offline. A missing file degrades the features
// that read it without affecting the rest of the service.
type FileChecker struct {
	name string
	path string
}

// NewFileChecker creates a file presence checker.
func NewFileChecker(name, path string) *FileChecker {
	return &FileChecker{name: name, path: path}
}

func (f *FileChecker) Name() string           { return f.name }
func (f *FileChecker) IsCritical() bool       { return false }
func (f *FileChecker) Timeout() time.Duration { return time.Second }

func (f *FileChecker) Check(ctx context.Context) CheckResult {
	if f.path == "" {
		return CheckResult{Status: StatusDegraded, Message: "no path configured"}
	}
	if _, err := os.Stat(f.path); err != nil {
		return CheckResult{Status: StatusDegraded, Message: "file not present", Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}
