package circuitbreaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry holds the process-wide set of named breakers. Each dependency
// gets exactly one breaker instance for the life of the process.
type Registry struct {
	mutex    sync.RWMutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewRegistry creates an empty breaker registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// GetOrCreate returns the breaker registered under name, creating it with
// config on first use. Later calls ignore config.
func (r *Registry) GetOrCreate(name string, config Config) *CircuitBreaker {
	r.mutex.RLock()
	cb, ok := r.breakers[name]
	r.mutex.RUnlock()
	if ok {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(name, config, r.logger)
	r.breakers[name] = cb
	return cb
}

// Register adds an externally constructed breaker, such as one owned by an
// HTTP or client wrapper, so it shows up in Stats and health checks.
func (r *Registry) Register(cb *CircuitBreaker) {
	if cb == nil {
		return
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.breakers[cb.Name()] = cb
}

// Get returns the breaker registered under name, if any
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Stats returns snapshots of all registered breakers keyed by name
func (r *Registry) Stats() map[string]Stats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Stats()
	}
	return out
}
