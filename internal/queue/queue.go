package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/metrics"
)

// DefaultKey is the Redis list holding pending delivery tasks.
const DefaultKey = "task_queue:deliver"

// Task is one delivery job: reply to a customer message. Serialized as
// JSON on the Redis list.
type Task struct {
	CustomerPhone  string `json:"customer_phone"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	CorrelationID  string `json:"correlation_id"`
	Platform       string `json:"platform"`
	SourceLanguage string `json:"source_language"`
}

// Config holds queue settings
type Config struct {
	Key string // Redis list key
}

// Queue is a Redis list task queue. Producers LPUSH, consumers BRPOP, so
// tasks leave in arrival order. Depth is observed on every push and pop.
type Queue struct {
	client *circuitbreaker.RedisWrapper
	logger *zap.Logger
	key    string
}

// New creates a queue on client
func New(client *circuitbreaker.RedisWrapper, config Config, logger *zap.Logger) *Queue {
	if config.Key == "" {
		config.Key = DefaultKey
	}
	return &Queue{
		client: client,
		logger: logger,
		key:    config.Key,
	}
}

// Key returns the Redis list key the queue operates on
func (q *Queue) Key() string { return q.key }

// Enqueue pushes one task. The returned error is the Redis failure, if any;
// callers decide whether losing the task is fatal.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	depth, err := q.client.LPush(ctx, q.key, data).Result()
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}

	metrics.TasksEnqueued.Inc()
	metrics.QueueDepth.Set(float64(depth))
	q.logger.Debug("Task enqueued",
		zap.String("conversation_id", task.ConversationID),
		zap.String("correlation_id", task.CorrelationID),
		zap.Int64("queue_depth", depth),
	)
	return nil
}

// Dequeue blocks up to timeout for the next task. It returns (nil, nil)
// when the queue stayed empty, and drops payloads that do not parse: a
// poison entry must not wedge the consumer loop.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue task: %w", err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue task: unexpected reply of %d elements", len(res))
	}

	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		q.logger.Error("Dropping malformed task payload",
			zap.String("key", q.key),
			zap.Error(err),
		)
		return nil, nil
	}

	q.observeDepth(ctx)
	return &task, nil
}

// Depth returns the number of pending tasks
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	metrics.QueueDepth.Set(float64(depth))
	return depth, nil
}

func (q *Queue) observeDepth(ctx context.Context) {
	if depth, err := q.client.LLen(ctx, q.key).Result(); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
}
