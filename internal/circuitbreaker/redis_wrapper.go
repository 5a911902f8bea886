package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with a circuit breaker so that a dead
// Redis fails fast instead of stalling every caller on connect timeouts.
// redis.Nil is never counted as a failure.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	cb := NewCircuitBreaker("redis", GetRedisConfig().ToConfig(), logger)
	return &RedisWrapper{
		client: client,
		cb:     cb,
		logger: logger,
	}
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.Ping(ctx)
		return result.Err()
	})

	if err != nil && result == nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Get wraps Redis Get with circuit breaker
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.Get(ctx, key)
		if result.Err() == redis.Nil {
			return nil
		}
		return result.Err()
	})

	if err != nil && result == nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	})

	if err != nil && result == nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// SetNX wraps Redis SETNX-with-TTL with circuit breaker
func (rw *RedisWrapper) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	var result *redis.BoolCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.SetNX(ctx, key, value, expiration)
		return result.Err()
	})

	if err != nil && result == nil {
		result = redis.NewBoolCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	})

	if err != nil && result == nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// LPush wraps Redis LPush with circuit breaker
func (rw *RedisWrapper) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	var result *redis.IntCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.LPush(ctx, key, values...)
		return result.Err()
	})

	if err != nil && result == nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// BRPop wraps Redis BRPop with circuit breaker. A pop timeout (redis.Nil)
// is not a breaker failure.
func (rw *RedisWrapper) BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	var result *redis.StringSliceCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.BRPop(ctx, timeout, keys...)
		if result.Err() == redis.Nil {
			return nil
		}
		return result.Err()
	})

	if err != nil && result == nil {
		result = redis.NewStringSliceCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// LLen wraps Redis LLen with circuit breaker
func (rw *RedisWrapper) LLen(ctx context.Context, key string) *redis.IntCmd {
	var result *redis.IntCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.LLen(ctx, key)
		return result.Err()
	})

	if err != nil && result == nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// ScriptLoad wraps Redis SCRIPT LOAD with circuit breaker
func (rw *RedisWrapper) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	var result *redis.StringCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.ScriptLoad(ctx, script)
		return result.Err()
	})

	if err != nil && result == nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// EvalSha wraps Redis EVALSHA with circuit breaker
func (rw *RedisWrapper) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	var result *redis.Cmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.EvalSha(ctx, sha1, keys, args...)
		return result.Err()
	})

	if err != nil && result == nil {
		result = redis.NewCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the underlying Redis client for operations not covered by wrapper
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// Breaker returns the wrapper's circuit breaker
func (rw *RedisWrapper) Breaker() *CircuitBreaker {
	return rw.cb
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
