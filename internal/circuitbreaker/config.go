package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// CircuitBreakerConfig represents configuration for a named dependency
type CircuitBreakerConfig struct {
	FailureThreshold         uint32
	RecoveryTimeout          time.Duration
	HalfOpenMaxCalls         uint32
	HalfOpenSuccessThreshold uint32
	CallTimeout              time.Duration
}

// GetLLMConfig returns the LLM provider breaker configuration. It applies to
// both the primary and the secondary provider breakers.
func GetLLMConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:         getEnvUint32("LLM_FAILURE_THRESHOLD", 5),
		RecoveryTimeout:          getEnvSeconds("LLM_RECOVERY_TIMEOUT", 60*time.Second),
		HalfOpenMaxCalls:         getEnvUint32("LLM_HALF_OPEN_MAX_CALLS", 1),
		HalfOpenSuccessThreshold: getEnvUint32("LLM_HALF_OPEN_SUCCESS_THRESHOLD", 1),
	}
}

// GetEcommerceConfig returns the e-commerce API breaker configuration
func GetEcommerceConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:         getEnvUint32("ECOMMERCE_FAILURE_THRESHOLD", 3),
		RecoveryTimeout:          getEnvSeconds("ECOMMERCE_RECOVERY_TIMEOUT", 30*time.Second),
		HalfOpenMaxCalls:         getEnvUint32("ECOMMERCE_HALF_OPEN_MAX_CALLS", 1),
		HalfOpenSuccessThreshold: getEnvUint32("ECOMMERCE_HALF_OPEN_SUCCESS_THRESHOLD", 1),
	}
}

// GetOutboundConfig returns the platform messages API breaker configuration
func GetOutboundConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:         getEnvUint32("WHATSAPP_FAILURE_THRESHOLD", 5),
		RecoveryTimeout:          getEnvSeconds("WHATSAPP_RECOVERY_TIMEOUT", 60*time.Second),
		HalfOpenMaxCalls:         getEnvUint32("WHATSAPP_HALF_OPEN_MAX_CALLS", 1),
		HalfOpenSuccessThreshold: getEnvUint32("WHATSAPP_HALF_OPEN_SUCCESS_THRESHOLD", 1),
	}
}

// GetEmbeddingConfig returns the embedding API breaker configuration
func GetEmbeddingConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:         getEnvUint32("EMBEDDING_FAILURE_THRESHOLD", 3),
		RecoveryTimeout:          getEnvSeconds("EMBEDDING_RECOVERY_TIMEOUT", 30*time.Second),
		HalfOpenMaxCalls:         getEnvUint32("EMBEDDING_HALF_OPEN_MAX_CALLS", 1),
		HalfOpenSuccessThreshold: getEnvUint32("EMBEDDING_HALF_OPEN_SUCCESS_THRESHOLD", 1),
	}
}

// GetRedisConfig returns Redis circuit breaker configuration
func GetRedisConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:         getEnvUint32("CB_REDIS_FAILURE_THRESHOLD", 3),
		RecoveryTimeout:          getEnvSeconds("CB_REDIS_RECOVERY_TIMEOUT", 15*time.Second),
		HalfOpenMaxCalls:         getEnvUint32("CB_REDIS_HALF_OPEN_MAX_CALLS", 2),
		HalfOpenSuccessThreshold: getEnvUint32("CB_REDIS_HALF_OPEN_SUCCESS_THRESHOLD", 2),
	}
}

// GetDatabaseConfig returns PostgreSQL circuit breaker configuration
func GetDatabaseConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:         getEnvUint32("CB_DB_FAILURE_THRESHOLD", 5),
		RecoveryTimeout:          getEnvSeconds("CB_DB_RECOVERY_TIMEOUT", 30*time.Second),
		HalfOpenMaxCalls:         getEnvUint32("CB_DB_HALF_OPEN_MAX_CALLS", 1),
		HalfOpenSuccessThreshold: getEnvUint32("CB_DB_HALF_OPEN_SUCCESS_THRESHOLD", 2),
	}
}

// ToConfig converts CircuitBreakerConfig to circuit breaker Config
func (cbc CircuitBreakerConfig) ToConfig() Config {
	return Config{
		FailureThreshold:         cbc.FailureThreshold,
		RecoveryTimeout:          cbc.RecoveryTimeout,
		HalfOpenMaxCalls:         cbc.HalfOpenMaxCalls,
		HalfOpenSuccessThreshold: cbc.HalfOpenSuccessThreshold,
		CallTimeout:              cbc.CallTimeout,
	}
}

// Helper functions for environment variable parsing

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

// getEnvSeconds parses a plain integer number of seconds, falling back to
// time.ParseDuration for suffixed values.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if parsed, err := time.ParseDuration(val); err == nil {
		return parsed
	}
	return defaultValue
}
