package handlers

import (
	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/db"
	"github.com/nexaflow/replygate/internal/health"
)

// RegisterHealthCheckers wires the gateway's dependency probes into the
// health manager. Postgres is critical: ingest cannot acknowledge without
// persistence. Redis and the engine only degrade, since dedup fails open
// and queued tasks outlive an engine outage.
func RegisterHealthCheckers(
	manager *health.Manager,
	store *db.Client,
	redis *circuitbreaker.RedisWrapper,
	engineBaseURL string,
) error {
	if err := manager.RegisterChecker(health.NewDatabaseChecker(store)); err != nil {
		return err
	}
	if err := manager.RegisterChecker(health.NewRedisChecker(redis, false)); err != nil {
		return err
	}
	return manager.RegisterChecker(health.NewEngineChecker(engineBaseURL))
}
