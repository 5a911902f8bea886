package config

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RuntimeSettings are the knobs that may change while the engine is running.
// Everything else requires a restart.
type RuntimeSettings struct {
	RateLimitRequests   int           `json:"rate_limit_requests" yaml:"rate_limit_requests"`
	RateLimitWindow     time.Duration `json:"rate_limit_window" yaml:"rate_limit_window"`
	CacheTTL            time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	ConfidenceThreshold float64       `json:"confidence_threshold" yaml:"confidence_threshold"`
	SimilarityThreshold float64       `json:"similarity_threshold" yaml:"similarity_threshold"`
	MaxProductsToShow   int           `json:"max_products_to_show" yaml:"max_products_to_show"`
}

// RuntimeManager keeps a typed, hot-reloaded view of the dynamic settings
// file. Readers call Settings() per use; the pointer swap is atomic under
// the lock so a reload never tears a struct.
type RuntimeManager struct {
	manager *Manager
	logger  *zap.Logger
	file    string

	mu          sync.RWMutex
	current     *RuntimeSettings
	subscribers []func(*RuntimeSettings)
}

// NewRuntimeManager derives initial settings from the engine config and
// subscribes to changes of the named file.
func NewRuntimeManager(manager *Manager, file string, initial *EngineConfig, logger *zap.Logger) *RuntimeManager {
	rm := &RuntimeManager{
		manager: manager,
		logger:  logger,
		file:    file,
		current: &RuntimeSettings{
			RateLimitRequests:   initial.RateLimit.Requests,
			RateLimitWindow:     initial.RateLimit.Window,
			CacheTTL:            initial.Cache.TTL,
			ConfidenceThreshold: initial.Pipeline.ConfidenceThreshold,
			SimilarityThreshold: initial.Knowledge.SimilarityThreshold,
			MaxProductsToShow:   initial.Pipeline.MaxProductsToShow,
		},
	}

	manager.RegisterValidator(file, validateRuntimeSettings)
	manager.RegisterHandler(file, rm.handleChange)
	return rm
}

// Settings returns the current settings snapshot.
func (rm *RuntimeManager) Settings() *RuntimeSettings {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.current
}

// Subscribe registers fn to run after every settings swap, with the new
// snapshot. Subscribers push values into components that cannot poll, such
// as the rate limiter.
func (rm *RuntimeManager) Subscribe(fn func(*RuntimeSettings)) {
	rm.mu.Lock()
	rm.subscribers = append(rm.subscribers, fn)
	rm.mu.Unlock()
}

func (rm *RuntimeManager) handleChange(event Event) error {
	if event.Action == "delete" {
		// Keep the last good settings when the file disappears.
		return nil
	}

	rm.mu.RLock()
	next := *rm.current
	rm.mu.RUnlock()

	if v, ok := intFrom(event.Config, "rate_limit_requests"); ok {
		next.RateLimitRequests = v
	}
	if v, ok := intFrom(event.Config, "rate_limit_window"); ok {
		next.RateLimitWindow = time.Duration(v) * time.Second
	}
	if v, ok := intFrom(event.Config, "cache_ttl"); ok {
		next.CacheTTL = time.Duration(v) * time.Second
	}
	if v, ok := floatFrom(event.Config, "confidence_threshold"); ok {
		next.ConfidenceThreshold = v
	}
	if v, ok := floatFrom(event.Config, "similarity_threshold"); ok {
		next.SimilarityThreshold = v
	}
	if v, ok := intFrom(event.Config, "max_products_to_show"); ok {
		next.MaxProductsToShow = v
	}

	rm.mu.Lock()
	rm.current = &next
	subscribers := rm.subscribers
	rm.mu.Unlock()

	for _, fn := range subscribers {
		fn(&next)
	}

	rm.logger.Info("Runtime settings updated",
		zap.String("file", event.File),
		zap.String("action", event.Action),
		zap.Int("rate_limit_requests", next.RateLimitRequests),
		zap.Duration("cache_ttl", next.CacheTTL),
		zap.Float64("confidence_threshold", next.ConfidenceThreshold),
	)
	return nil
}

func validateRuntimeSettings(config map[string]interface{}) error {
	if v, ok := intFrom(config, "rate_limit_requests"); ok && v <= 0 {
		return fmt.Errorf("rate_limit_requests must be positive, got %d", v)
	}
	if v, ok := intFrom(config, "rate_limit_window"); ok && v <= 0 {
		return fmt.Errorf("rate_limit_window must be positive, got %d", v)
	}
	if v, ok := intFrom(config, "cache_ttl"); ok && v < 0 {
		return fmt.Errorf("cache_ttl cannot be negative, got %d", v)
	}
	if v, ok := floatFrom(config, "confidence_threshold"); ok && (v < 0 || v > 1) {
		return fmt.Errorf("confidence_threshold out of range: %f", v)
	}
	if v, ok := floatFrom(config, "similarity_threshold"); ok && (v < 0 || v > 1) {
		return fmt.Errorf("similarity_threshold out of range: %f", v)
	}
	return nil
}

// YAML numbers decode as int; JSON numbers as float64. Accept both.
func intFrom(m map[string]interface{}, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func floatFrom(m map[string]interface{}, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
