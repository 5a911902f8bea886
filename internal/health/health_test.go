package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
)

type stubChecker struct {
	name     string
	status   Status
	critical bool
	delay    time.Duration
	timeout  time.Duration
}

func (s *stubChecker) Name() string     { return s.name }
func (s *stubChecker) IsCritical() bool { return s.critical }

func (s *stubChecker) Timeout() time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return time.Second
}

func (s *stubChecker) Check(ctx context.Context) CheckResult {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return CheckResult{Status: s.status}
}

func TestManagerAggregation(t *testing.T) {
	tests := []struct {
		name     string
		checkers []*stubChecker
		want     Status
	}{
		{
			name: "all healthy",
			checkers: []*stubChecker{
				{name: "a", status: StatusHealthy, critical: true},
				{name: "b", status: StatusHealthy},
			},
			want: StatusHealthy,
		},
		{
			name: "critical failure is unhealthy",
			checkers: []*stubChecker{
				{name: "a", status: StatusUnhealthy, critical: true},
				{name: "b", status: StatusHealthy},
			},
			want: StatusUnhealthy,
		},
		{
			name: "non-critical failure is degraded",
			checkers: []*stubChecker{
				{name: "a", status: StatusHealthy, critical: true},
				{name: "b", status: StatusUnhealthy},
			},
			want: StatusDegraded,
		},
		{
			name: "degraded dependency is degraded",
			checkers: []*stubChecker{
				{name: "a", status: StatusHealthy, critical: true},
				{name: "b", status: StatusDegraded},
			},
			want: StatusDegraded,
		},
		{
			name: "critical failure outranks degraded",
			checkers: []*stubChecker{
				{name: "a", status: StatusUnhealthy, critical: true},
				{name: "b", status: StatusDegraded},
			},
			want: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(zaptest.NewLogger(t))
			for _, c := range tt.checkers {
				require.NoError(t, m.RegisterChecker(c))
			}

			report := m.Check(context.Background())

			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Dependencies, len(tt.checkers))
		})
	}
}

func TestManagerRejectsDuplicateChecker(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))

	require.NoError(t, m.RegisterChecker(&stubChecker{name: "redis"}))
	err := m.RegisterChecker(&stubChecker{name: "redis"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestManagerAbandonsSlowChecker(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(&stubChecker{
		name:    "slow",
		status:  StatusHealthy,
		delay:   500 * time.Millisecond,
		timeout: 30 * time.Millisecond,
	}))

	start := time.Now()
	report := m.Check(context.Background())

	assert.Less(t, time.Since(start), 300*time.Millisecond)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "health check timed out", report.Dependencies["slow"].Error)
}

func TestRedisChecker(t *testing.T) {
	s := miniredis.RunT(t)
	logger := zaptest.NewLogger(t)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	checker := NewRedisChecker(circuitbreaker.NewRedisWrapper(client, logger), false)

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.False(t, checker.IsCritical())
}

func TestRedisCheckerUnreachable(t *testing.T) {
	logger := zaptest.NewLogger(t)
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	checker := NewRedisChecker(circuitbreaker.NewRedisWrapper(client, logger), false)

	result := checker.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestEngineChecker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewEngineChecker(server.URL)
	result := checker.Check(context.Background())

	assert.Equal(t, StatusHealthy, result.Status)
}

func TestEngineCheckerDegradedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	checker := NewEngineChecker(server.URL)
	result := checker.Check(context.Background())

	assert.Equal(t, StatusDegraded, result.Status)
	assert.Contains(t, result.Message, "503")
}

func TestEngineCheckerUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	checker := NewEngineChecker(server.URL)
	result := checker.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestBreakerChecker(t *testing.T) {
	logger := zaptest.NewLogger(t)
	primary := circuitbreaker.NewCircuitBreaker("primary", circuitbreaker.DefaultConfig(), logger)
	fallback := circuitbreaker.NewCircuitBreaker("fallback", circuitbreaker.DefaultConfig(), logger)
	checker := NewBreakerChecker("llm_providers", primary, fallback)

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)

	primary.ForceOpen()
	result = checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Contains(t, result.Message, "1 of 2")

	fallback.ForceOpen()
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestFileChecker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.json")

	checker := NewFileChecker("embedding_cache", path)
	assert.Equal(t, StatusDegraded, checker.Check(context.Background()).Status)

	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)
}

func TestHTTPHandler(t *testing.T) {
	logger := zaptest.NewLogger(t)
	m := NewManager(logger)
	require.NoError(t, m.RegisterChecker(&stubChecker{name: "postgres", status: StatusHealthy, critical: true}))
	require.NoError(t, m.RegisterChecker(&stubChecker{name: "redis", status: StatusDegraded}))
	handler := NewHTTPHandler(m, logger)

	rec := httptest.NewRecorder()
	handler.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status       string `json:"status"`
		Dependencies map[string]struct {
			Status string `json:"status"`
		} `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "healthy", body.Dependencies["postgres"].Status)
	assert.Equal(t, "degraded", body.Dependencies["redis"].Status)
}

func TestHTTPHandlerUnhealthy(t *testing.T) {
	logger := zaptest.NewLogger(t)
	m := NewManager(logger)
	require.NoError(t, m.RegisterChecker(&stubChecker{name: "postgres", status: StatusUnhealthy, critical: true}))
	handler := NewHTTPHandler(m, logger)

	rec := httptest.NewRecorder()
	handler.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPHandlerRejectsNonGet(t *testing.T) {
	logger := zaptest.NewLogger(t)
	handler := NewHTTPHandler(NewManager(logger), logger)

	rec := httptest.NewRecorder()
	handler.HandleHealth(rec, httptest.NewRequest(http.MethodPost, "/health", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
