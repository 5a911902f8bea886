package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/db"
	"github.com/nexaflow/replygate/internal/metrics"
	"github.com/nexaflow/replygate/internal/queue"
)

// Terminal task statuses
const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Result is the terminal outcome of one delivery task
type Result struct {
	Status         string
	Reason         string // set for skipped and failed tasks
	ProcessingTime float64
}

// Config holds worker pool settings
type Config struct {
	Concurrency   int           // goroutines consuming the queue
	PollTimeout   time.Duration // BRPOP block per poll
	SoftTimeLimit time.Duration // logged when exceeded
	HardTimeLimit time.Duration // task context deadline
	LockTTL       time.Duration // dedup lock expiry
	MaxMessageLen int           // tasks with longer messages are invalid
}

// DefaultConfig returns the worker pool defaults
func DefaultConfig() Config {
	return Config{
		Concurrency:   4,
		PollTimeout:   5 * time.Second,
		SoftTimeLimit: 120 * time.Second,
		HardTimeLimit: 150 * time.Second,
		LockTTL:       300 * time.Second,
		MaxMessageLen: 4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.SoftTimeLimit <= 0 {
		c.SoftTimeLimit = d.SoftTimeLimit
	}
	if c.HardTimeLimit <= 0 {
		c.HardTimeLimit = d.HardTimeLimit
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.MaxMessageLen <= 0 {
		c.MaxMessageLen = d.MaxMessageLen
	}
	return c
}

// Engine produces the reply text for one message
type Engine interface {
	ProcessMessage(ctx context.Context, req ProcessRequest) (string, error)
}

// Sender delivers the reply to the customer and returns the platform
// message id.
type Sender interface {
	SendText(ctx context.Context, to, message string) (string, error)
}

// MessageStore persists the outbound message after the platform accepted it
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *db.Message) error
}

// Pool consumes delivery tasks from the queue: dedup-lock, call the AI
// engine, send the reply, persist the outbound message. Tasks run to a
// terminal status; the pool itself never stops on task failures.
type Pool struct {
	queue  *queue.Queue
	locks  *circuitbreaker.RedisWrapper
	engine Engine
	sender Sender
	store  MessageStore
	config Config
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewPool creates a delivery worker pool. store may be nil when the gateway
// runs without a database; replies are then delivered but not persisted.
func NewPool(
	q *queue.Queue,
	locks *circuitbreaker.RedisWrapper,
	engine Engine,
	sender Sender,
	store MessageStore,
	config Config,
	logger *zap.Logger,
) *Pool {
	return &Pool{
		queue:  q,
		locks:  locks,
		engine: engine,
		sender: sender,
		store:  store,
		config: config.withDefaults(),
		logger: logger,
	}
}

// Start launches the consumer goroutines. They exit when ctx is cancelled;
// Wait blocks until the last in-flight task finished.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting delivery workers",
		zap.Int("concurrency", p.config.Concurrency),
		zap.String("queue", p.queue.Key()),
	)
	for i := 0; i < p.config.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Wait blocks until every worker goroutine has exited
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With(zap.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			log.Info("Delivery worker stopping")
			return
		default:
		}

		task, err := p.queue.Dequeue(ctx, p.config.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Delivery worker stopping")
				return
			}
			log.Warn("Queue poll failed", zap.Error(err))
			// Pause so a dead Redis does not turn this loop hot.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if task == nil {
			continue
		}

		p.Process(ctx, task)
	}
}

// Process executes one task to a terminal status. Exported so the gateway
// can drain synchronously in tests and tooling.
func (p *Pool) Process(ctx context.Context, task *queue.Task) Result {
	start := time.Now()
	taskID := uuid.New().String()
	log := p.logger.With(
		zap.String("task_id", taskID),
		zap.String("conversation_id", task.ConversationID),
		zap.String("correlation_id", task.CorrelationID),
		zap.String("customer_phone", maskPhone(task.CustomerPhone)),
	)
	log.Info("Starting delivery task")

	convID, err := p.validate(task)
	if err != nil {
		log.Error("Invalid task payload", zap.Error(err))
		return p.finish(log, start, StatusFailed, "invalid_task")
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.HardTimeLimit)
	defer cancel()
	soft := time.AfterFunc(p.config.SoftTimeLimit, func() {
		log.Warn("Task exceeded soft time limit",
			zap.Duration("soft_limit", p.config.SoftTimeLimit))
	})
	defer soft.Stop()

	key := taskKey(task.ConversationID, task.Message)
	if !p.acquireLock(ctx, key) {
		log.Info("Duplicate task detected, skipping", zap.String("task_key", key))
		return p.finish(log, start, StatusSkipped, "duplicate_task")
	}
	defer p.releaseLock(key)

	reply, err := p.engine.ProcessMessage(ctx, ProcessRequest{
		ConvID:        task.ConversationID,
		Message:       task.Message,
		Platform:      task.Platform,
		Lang:          task.SourceLanguage,
		CorrelationID: task.CorrelationID,
	})
	if err != nil {
		log.Error("AI processing failed", zap.Error(err))
		return p.finish(log, start, StatusFailed, "ai_service")
	}

	messageID, err := p.sender.SendText(ctx, task.CustomerPhone, reply)
	if err != nil {
		log.Error("Outbound send failed", zap.Error(err))
		return p.finish(log, start, StatusFailed, "outbound_send")
	}

	p.persistReply(ctx, convID, reply, messageID, log)

	log.Info("Task completed",
		zap.String("message_id", messageID),
		zap.Duration("duration", time.Since(start)),
	)
	return p.finish(log, start, StatusSuccess, "")
}

func (p *Pool) validate(task *queue.Task) (uuid.UUID, error) {
	if task.CustomerPhone == "" {
		return uuid.Nil, errors.New("missing customer_phone")
	}
	if task.Message == "" {
		return uuid.Nil, errors.New("missing message")
	}
	if len(task.Message) > p.config.MaxMessageLen {
		return uuid.Nil, fmt.Errorf("message exceeds %d bytes", p.config.MaxMessageLen)
	}
	if task.CorrelationID == "" {
		return uuid.Nil, errors.New("missing correlation_id")
	}
	convID, err := uuid.Parse(task.ConversationID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid conversation_id %q: %w", task.ConversationID, err)
	}
	return convID, nil
}

// acquireLock takes the dedup lock. Redis trouble fails open: losing dedup
// for a window beats dropping customer replies.
func (p *Pool) acquireLock(ctx context.Context, key string) bool {
	acquired, err := p.locks.SetNX(ctx, key, "processing", p.config.LockTTL).Result()
	if err != nil {
		p.logger.Warn("Task lock check failed, proceeding without dedup",
			zap.String("task_key", key),
			zap.Error(err),
		)
		return true
	}
	return acquired
}

// releaseLock uses a fresh context: the lock must be cleaned up even when
// the task context already expired.
func (p *Pool) releaseLock(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.locks.Del(ctx, key).Err(); err != nil {
		p.logger.Warn("Failed to release task lock",
			zap.String("task_key", key),
			zap.Error(err),
		)
	}
}

// persistReply stores the outbound message. Insert failures are logged
// only: the reply already reached the customer, and failing the task here
// would trigger a duplicate send on retry.
func (p *Pool) persistReply(ctx context.Context, convID uuid.UUID, reply, messageID string, log *zap.Logger) {
	if p.store == nil {
		return
	}
	msg := &db.Message{
		ConversationID:    convID,
		ExternalMessageID: &messageID,
		Direction:         db.DirectionOutgoing,
		Content:           reply,
		Status:            db.StatusSent,
	}
	if err := p.store.InsertMessage(ctx, msg); err != nil {
		log.Error("Failed to persist outbound message", zap.Error(err))
	}
}

func (p *Pool) finish(log *zap.Logger, start time.Time, status, reason string) Result {
	elapsed := time.Since(start)
	metrics.RecordWorkerTask(status, elapsed.Seconds())
	if status != StatusSuccess {
		log.Info("Task finished",
			zap.String("status", status),
			zap.String("reason", reason),
			zap.Duration("duration", elapsed),
		)
	}
	return Result{
		Status:         status,
		Reason:         reason,
		ProcessingTime: elapsed.Seconds(),
	}
}

func taskKey(conversationID, message string) string {
	sum := sha256.Sum256([]byte(message))
	return fmt.Sprintf("task:%s:%s", conversationID, hex.EncodeToString(sum[:])[:16])
}

func maskPhone(phone string) string {
	if len(phone) <= 6 {
		return "****"
	}
	return phone[:6] + "****"
}
