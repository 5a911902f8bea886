package circuitbreaker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSuccess       = "success"
	resultFailure       = "failure"
	resultTimeout       = "timeout"
	resultRejected      = "rejected"
	resultExpectedError = "expected_error"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replygate_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	circuitBreakerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replygate_circuit_breaker_calls_total",
			Help: "Total number of calls through circuit breaker by state and result",
		},
		[]string{"name", "state", "result"},
	)

	circuitBreakerExecution = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replygate_circuit_breaker_execution_seconds",
			Help:    "Execution time of protected calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name"},
	)

	circuitBreakerFailureRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replygate_circuit_breaker_failure_rate",
			Help: "Observed failure rate of the circuit breaker",
		},
		[]string{"name"},
	)

	circuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replygate_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "from_state", "to_state"},
	)

	circuitBreakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replygate_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the circuit breaker entered open state (0 if not open)",
		},
		[]string{"name"},
	)
)

func recordCall(name string, state State, result string) {
	circuitBreakerCalls.WithLabelValues(name, state.String(), result).Inc()
}

func observeExecution(name string, seconds float64) {
	circuitBreakerExecution.WithLabelValues(name).Observe(seconds)
}

func setStateGauge(name string, state State) {
	circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

func setFailureRate(name string, rate float64) {
	circuitBreakerFailureRate.WithLabelValues(name).Set(rate)
}

func recordStateChange(name string, from, to State) {
	circuitBreakerStateChanges.WithLabelValues(name, from.String(), to.String()).Inc()
}

func setOpenSince(name string, at time.Time) {
	circuitBreakerOpenSince.WithLabelValues(name).Set(float64(at.Unix()))
}

func clearOpenSince(name string) {
	circuitBreakerOpenSince.WithLabelValues(name).Set(0)
}
