package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
	ErrCallTimeout        = errors.New("protected call timed out")
)

const (
	historyLimit = 50
	historyTTL   = time.Hour
)

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold         uint32        // Failures in closed state before opening
	RecoveryTimeout          time.Duration // Time to wait before transitioning from open to half-open
	HalfOpenMaxCalls         uint32        // Max concurrent calls admitted in half-open state
	HalfOpenSuccessThreshold uint32        // Consecutive successes in half-open to close
	CallTimeout              time.Duration // Optional per-call timeout; 0 disables
	ExpectedErrors           []error       // Errors that do not count as failures
	ExpectedMatch            func(error) bool
	OnStateChange            func(name string, from State, to State)
}

// DefaultConfig returns sensible defaults for circuit breaker
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		RecoveryTimeout:          60 * time.Second,
		HalfOpenMaxCalls:         1,
		HalfOpenSuccessThreshold: 1,
	}
}

// Counts holds the circuit breaker statistics
type Counts struct {
	FailureCount   uint32 // decremented toward zero on closed-state successes
	SuccessCount   uint32 // consecutive successes while half-open
	TotalRequests  uint64
	TotalSuccesses uint64
	TotalFailures  uint64
}

// StateChange records one transition for the bounded history
type StateChange struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Stats is a point-in-time snapshot of a breaker
type Stats struct {
	Name           string        `json:"name"`
	State          string        `json:"state"`
	FailureCount   uint32        `json:"failure_count"`
	SuccessCount   uint32        `json:"success_count"`
	TotalRequests  uint64        `json:"total_requests"`
	TotalSuccesses uint64        `json:"total_successes"`
	TotalFailures  uint64        `json:"total_failures"`
	FailureRate    float64       `json:"failure_rate"`
	LastFailureAt  time.Time     `json:"last_failure_at"`
	StateChanges   []StateChange `json:"state_changes"`
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeNeutral // expected errors: admitted but not counted
)

// callToken carries admission facts from beforeRequest to afterRequest
type callToken struct {
	generation uint64
	state      State
	halfOpen   bool
}

// CircuitBreaker implements the circuit breaker pattern. State reads,
// transition checks, admission counting and state writes all happen under
// one mutex; the protected call itself runs outside it.
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger

	mutex         sync.Mutex
	state         State
	generation    uint64
	counts        Counts
	halfOpenCalls uint32
	lastFailure   time.Time
	openExpiry    time.Time
	history       []StateChange
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls == 0 {
		config.HalfOpenMaxCalls = 1
	}
	if config.HalfOpenSuccessThreshold == 0 {
		config.HalfOpenSuccessThreshold = 1
	}

	cb := &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
	}
	setStateGauge(name, StateClosed)
	return cb
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the circuit breaker admits the call
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	tok, err := cb.beforeRequest()
	if err != nil {
		recordCall(cb.name, tok.state, resultRejected)
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(tok, outcomeFailure)
			recordCall(cb.name, tok.state, resultFailure)
			panic(r)
		}
	}()

	start := time.Now()
	err = cb.runProtected(ctx, fn)
	observeExecution(cb.name, time.Since(start).Seconds())

	switch {
	case err == nil:
		cb.afterRequest(tok, outcomeSuccess)
		recordCall(cb.name, tok.state, resultSuccess)
	case cb.isExpected(err):
		cb.afterRequest(tok, outcomeNeutral)
		recordCall(cb.name, tok.state, resultExpectedError)
	case errors.Is(err, ErrCallTimeout):
		cb.afterRequest(tok, outcomeFailure)
		recordCall(cb.name, tok.state, resultTimeout)
	default:
		cb.afterRequest(tok, outcomeFailure)
		recordCall(cb.name, tok.state, resultFailure)
	}
	return err
}

// runProtected invokes fn, applying the per-call timeout when configured.
func (cb *CircuitBreaker) runProtected(ctx context.Context, fn func(context.Context) error) error {
	if cb.config.CallTimeout <= 0 {
		return fn(ctx)
	}

	cctx, cancel := context.WithTimeout(ctx, cb.config.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &panicError{value: r}
			}
		}()
		done <- fn(cctx)
	}()

	select {
	case err := <-done:
		if pe, ok := err.(*panicError); ok {
			panic(pe.value)
		}
		return err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrCallTimeout
	}
}

type panicError struct{ value interface{} }

func (p *panicError) Error() string { return "panic in protected call" }

func (cb *CircuitBreaker) isExpected(err error) bool {
	for _, expected := range cb.config.ExpectedErrors {
		if errors.Is(err, expected) {
			return true
		}
	}
	if cb.config.ExpectedMatch != nil {
		return cb.config.ExpectedMatch(err)
	}
	return false
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.currentState(time.Now())
}

// Counts returns the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.counts
}

// StateChanges returns the bounded transition history, pruning stale entries
func (cb *CircuitBreaker) StateChanges() []StateChange {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.pruneHistory(time.Now())
	out := make([]StateChange, len(cb.history))
	copy(out, cb.history)
	return out
}

// Stats returns a snapshot for health reporting and admin inspection
func (cb *CircuitBreaker) Stats() Stats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state := cb.currentState(time.Now())
	cb.pruneHistory(time.Now())
	changes := make([]StateChange, len(cb.history))
	copy(changes, cb.history)

	return Stats{
		Name:           cb.name,
		State:          state.String(),
		FailureCount:   cb.counts.FailureCount,
		SuccessCount:   cb.counts.SuccessCount,
		TotalRequests:  cb.counts.TotalRequests,
		TotalSuccesses: cb.counts.TotalSuccesses,
		TotalFailures:  cb.counts.TotalFailures,
		FailureRate:    cb.failureRate(),
		LastFailureAt:  cb.lastFailure,
		StateChanges:   changes,
	}
}

// ForceOpen trips the breaker regardless of counts
func (cb *CircuitBreaker) ForceOpen() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.setState(StateOpen, time.Now())
}

// Reset returns the breaker to closed and zeroes all statistics
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.setState(StateClosed, time.Now())
	cb.counts = Counts{}
	cb.lastFailure = time.Time{}
	setFailureRate(cb.name, 0)
}

// beforeRequest checks if a request can proceed
func (cb *CircuitBreaker) beforeRequest() (callToken, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state := cb.currentState(now)
	tok := callToken{generation: cb.generation, state: state}

	if state == StateOpen {
		return tok, ErrCircuitBreakerOpen
	}
	if state == StateHalfOpen {
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return tok, ErrTooManyRequests
		}
		cb.halfOpenCalls++
		tok.halfOpen = true
	}

	cb.counts.TotalRequests++
	return tok, nil
}

// afterRequest updates the circuit breaker state after request completion
func (cb *CircuitBreaker) afterRequest(tok callToken, result outcome) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if tok.halfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}

	now := time.Now()
	state := cb.currentState(now)
	if tok.generation != cb.generation {
		return
	}

	switch result {
	case outcomeSuccess:
		cb.onSuccess(state)
	case outcomeFailure:
		cb.onFailure(state, now)
	}
	setFailureRate(cb.name, cb.failureRate())
}

// currentState returns the current state, transitioning open breakers whose
// recovery timeout has elapsed. Callers must hold the mutex.
func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && now.After(cb.openExpiry) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

// onSuccess handles a successful request
func (cb *CircuitBreaker) onSuccess(state State) {
	cb.counts.TotalSuccesses++
	switch state {
	case StateClosed:
		if cb.counts.FailureCount > 0 {
			cb.counts.FailureCount--
		}
	case StateHalfOpen:
		cb.counts.SuccessCount++
		if cb.counts.SuccessCount >= cb.config.HalfOpenSuccessThreshold {
			cb.setState(StateClosed, time.Now())
		}
	}
}

// onFailure handles a failed request
func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.counts.TotalFailures++
	cb.lastFailure = now
	switch state {
	case StateClosed:
		cb.counts.FailureCount++
		if cb.counts.FailureCount >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// setState transitions to a new state. Callers must hold the mutex.
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.generation++
	cb.counts.FailureCount = 0
	cb.counts.SuccessCount = 0
	cb.halfOpenCalls = 0

	if state == StateOpen {
		cb.openExpiry = now.Add(cb.config.RecoveryTimeout)
		setOpenSince(cb.name, now)
	} else if prev == StateOpen {
		clearOpenSince(cb.name)
	}

	cb.pruneHistory(now)
	cb.history = append(cb.history, StateChange{From: prev, To: state, At: now})
	if len(cb.history) > historyLimit {
		cb.history = cb.history[len(cb.history)-historyLimit:]
	}

	setStateGauge(cb.name, state)
	recordStateChange(cb.name, prev, state)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}

// pruneHistory drops transition records older than the history TTL.
// Callers must hold the mutex.
func (cb *CircuitBreaker) pruneHistory(now time.Time) {
	cutoff := now.Add(-historyTTL)
	idx := 0
	for idx < len(cb.history) && cb.history[idx].At.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		cb.history = cb.history[idx:]
	}
}

func (cb *CircuitBreaker) failureRate() float64 {
	if cb.counts.TotalRequests == 0 {
		return 0
	}
	return float64(cb.counts.TotalFailures) / float64(cb.counts.TotalRequests)
}
