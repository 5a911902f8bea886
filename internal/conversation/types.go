package conversation

import "time"

// Turn is a single message in conversation history
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Roles for conversation turns
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Health statuses reported by the store. Fallback-only operation is degraded,
// not unhealthy: reads and writes still succeed, they are just less durable.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Health describes the store's current operating mode
type Health struct {
	Status          string `json:"status"`
	RedisConnected  bool   `json:"redis_connected"`
	FallbackEntries int    `json:"fallback_entries"`
}
