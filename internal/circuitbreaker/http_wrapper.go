package circuitbreaker

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a circuit breaker. Transport errors
// and failure-classified status codes count against the breaker; everything
// else passes through untouched.
type HTTPWrapper struct {
	client     *http.Client
	cb         *CircuitBreaker
	logger     *zap.Logger
	failStatus func(int) bool
}

// NewHTTPWrapper creates a new HTTP wrapper around its own breaker. By
// default only 5xx responses count as breaker failures; 4xx do not trip it.
func NewHTTPWrapper(client *http.Client, name string, config Config, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPWrapper{
		client:     client,
		cb:         NewCircuitBreaker(name, config, logger),
		logger:     logger,
		failStatus: func(code int) bool { return code >= 500 },
	}
}

// WithFailureStatus replaces the status classifier. The outbound platform
// client uses this to count 429 responses against its breaker.
func (hw *HTTPWrapper) WithFailureStatus(fn func(int) bool) *HTTPWrapper {
	hw.failStatus = fn
	return hw
}

// Do executes an HTTP request through the circuit breaker. When a response
// was classified as a breaker failure it is still returned to the caller,
// which owns status-code handling.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func(ctx context.Context) error {
		var doErr error
		resp, doErr = hw.client.Do(req.WithContext(ctx))
		if doErr != nil {
			return doErr
		}
		if hw.failStatus(resp.StatusCode) {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

// Breaker returns the wrapper's circuit breaker
func (hw *HTTPWrapper) Breaker() *CircuitBreaker {
	return hw.cb
}

// httpStatusError marks failure-classified responses for breaker accounting
type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
