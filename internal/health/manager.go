package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// globalCheckTimeout bounds one full pass over all registered checkers so
// the health endpoint answers even when several dependencies hang.
const globalCheckTimeout = 5 * time.Second

// Manager runs registered checkers and folds their results into one status.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	logger   *zap.Logger
}

// NewManager creates an empty health manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers: make(map[string]Checker),
		logger:   logger,
	}
}

// RegisterChecker adds a checker. Names must be unique.
func (m *Manager) RegisterChecker(checker Checker) error {
	if checker == nil {
		return fmt.Errorf("checker cannot be nil")
	}
	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %q already registered", name)
	}
	m.checkers[name] = checker

	m.logger.Debug("Health checker registered",
		zap.String("name", name),
		zap.Bool("critical", checker.IsCritical()))
	return nil
}

// Check probes every dependency in parallel and aggregates the results.
// A critical dependency failing makes the service unhealthy; anything else
// failing or degraded makes it degraded.
func (m *Manager) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, globalCheckTimeout)
	defer cancel()

	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(checkers))
	)
	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			result := m.runCheck(ctx, c)
			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}
	wg.Wait()

	report := Report{
		Status:       m.aggregate(checkers, results),
		Dependencies: results,
	}
	if report.Status != StatusHealthy {
		m.logger.Warn("Service health degraded",
			zap.String("status", report.Status.String()))
	}
	return report
}

// runCheck executes one probe under its own timeout. A probe that ignores
// its context is abandoned once the deadline passes and reported unhealthy.
func (m *Manager) runCheck(ctx context.Context, checker Checker) CheckResult {
	timeout := checker.Timeout()
	if timeout <= 0 {
		timeout = globalCheckTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		done <- checker.Check(checkCtx)
	}()

	select {
	case result := <-done:
		result.LatencyMS = time.Since(start).Milliseconds()
		return result
	case <-checkCtx.Done():
		m.logger.Warn("Health check timed out",
			zap.String("name", checker.Name()),
			zap.Duration("timeout", timeout))
		return CheckResult{
			Status:    StatusUnhealthy,
			Error:     "health check timed out",
			LatencyMS: time.Since(start).Milliseconds(),
		}
	}
}

func (m *Manager) aggregate(checkers []Checker, results map[string]CheckResult) Status {
	criticalFailures := 0
	nonCriticalFailures := 0
	degraded := 0

	for _, checker := range checkers {
		result, ok := results[checker.Name()]
		if !ok {
			continue
		}
		switch result.Status {
		case StatusUnhealthy:
			if checker.IsCritical() {
				criticalFailures++
			} else {
				nonCriticalFailures++
			}
		case StatusDegraded:
			degraded++
		}
	}

	switch {
	case criticalFailures > 0:
		return StatusUnhealthy
	case degraded > 0 || nonCriticalFailures > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
