package health

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the reported condition of a dependency or of the whole service.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the status as its string form so health bodies read
// "healthy" rather than an enum ordinal.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CheckResult is the outcome of probing one dependency.
type CheckResult struct {
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Checker probes a single dependency.
type Checker interface {
	// Name identifies the dependency in the health report.
	Name() string

	// Check performs the probe. Implementations must honor ctx.
	Check(ctx context.Context) CheckResult

	// IsCritical reports whether a failed probe makes the whole service
	// unhealthy rather than degraded.
	IsCritical() bool

	// Timeout bounds a single probe.
	Timeout() time.Duration
}

// Report is the aggregate view returned by the health endpoint.
type Report struct {
	Status       Status                 `json:"status"`
	Dependencies map[string]CheckResult `json:"dependencies"`
}
