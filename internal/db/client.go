package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
)

// Config holds database configuration. URL takes precedence when set;
// otherwise the DSN is assembled from the discrete fields.
type Config struct {
	URL             string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

func (c *Config) dsn() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Client manages database connections and operations
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	config *Config

	// Write queue for async operations
	writeQueue chan WriteRequest
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup // Track worker goroutines for graceful shutdown
}

// WriteRequest represents an async write operation
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

type WriteType int

const (
	WriteTypeOutboundMessage WriteType = iota
	WriteTypeStatusUpdate
	WriteTypeFeedback
)

// String returns the string representation of WriteType
func (wt WriteType) String() string {
	switch wt {
	case WriteTypeOutboundMessage:
		return "OutboundMessage"
	case WriteTypeStatusUpdate:
		return "StatusUpdate"
	case WriteTypeFeedback:
		return "Feedback"
	default:
		return "Unknown"
	}
}

// NewClient creates a new database client with connection pool
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}

	rawDB, err := sqlx.Open("postgres", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	db := circuitbreaker.NewDatabaseWrapper(rawDB, breakerConfig(), logger)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &Client{
		db:         db,
		logger:     logger,
		config:     config,
		writeQueue: make(chan WriteRequest, 1000),
		workers:    4,
		stopCh:     make(chan struct{}),
	}

	client.startWorkers()

	// Start health check routine
	go client.healthCheck()

	logger.Info("Database client initialized",
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", client.workers),
	)

	return client, nil
}

// breakerConfig builds the Postgres breaker configuration. Row misses and
// constraint violations are query outcomes, not connectivity failures, so
// they are exempt from failure counting.
func breakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.GetDatabaseConfig().ToConfig()
	cfg.ExpectedErrors = []error{sql.ErrNoRows}
	cfg.ExpectedMatch = func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code.Class() == "23"
	}
	return cfg
}

// startWorkers initializes the worker pool for async writes
func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

// writeWorker processes write requests from the queue
func (c *Client) writeWorker(id int) {
	c.logger.Debug("Write worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-c.stopCh:
			// Drain remaining requests
			c.drainQueue()
			c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			c.workerWg.Done()
			return

		case req := <-c.writeQueue:
			c.processWrite(req)
		}
	}
}

// processWrite handles a single write request
func (c *Client) processWrite(req WriteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error

	switch req.Type {
	case WriteTypeOutboundMessage:
		if msg, ok := req.Data.(*Message); ok {
			err = c.InsertMessage(ctx, msg)
		} else {
			err = fmt.Errorf("unexpected payload %T for %s write", req.Data, req.Type)
		}
	case WriteTypeStatusUpdate:
		if upd, ok := req.Data.(*StatusUpdate); ok {
			err = c.UpdateMessageStatus(ctx, upd.ExternalMessageID, upd.Status)
		} else {
			err = fmt.Errorf("unexpected payload %T for %s write", req.Data, req.Type)
		}
	case WriteTypeFeedback:
		if fb, ok := req.Data.(*FeedbackEntry); ok {
			err = c.SaveFeedback(ctx, fb)
		} else {
			err = fmt.Errorf("unexpected payload %T for %s write", req.Data, req.Type)
		}
	default:
		err = fmt.Errorf("unknown write type %d", req.Type)
	}

	// Call callback if provided
	if req.Callback != nil {
		req.Callback(err)
	}

	if err != nil {
		c.logger.Error("Failed to process write request",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
}

// drainQueue processes remaining requests during shutdown
func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)

	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining write queue")
			return
		default:
			// Queue is empty
			return
		}
	}
}

// QueueWrite adds a write request to the async queue
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) error {
	select {
	case c.writeQueue <- WriteRequest{
		Type:     writeType,
		Data:     data,
		Callback: callback,
	}:
		return nil
	default:
		// Queue is full - use synchronous fallback to avoid dropping writes
		c.logger.Warn("Write queue is full, falling back to synchronous write",
			zap.String("type", writeType.String()))

		c.processWrite(WriteRequest{
			Type:     writeType,
			Data:     data,
			Callback: callback,
		})
		return nil
	}
}

// healthCheck periodically checks database connectivity
func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close gracefully shuts down the database client
func (c *Client) Close() error {
	c.logger.Info("Shutting down database client")

	// Signal workers to stop
	close(c.stopCh)

	// Wait for all workers to finish draining
	c.workerWg.Wait()

	// Close database connection
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	c.logger.Info("Database client closed")
	return nil
}

// Ping verifies database connectivity through the circuit breaker
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// WithTransaction runs fn inside a transaction, rolling back on error or
// panic and committing otherwise.
func (c *Client) WithTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}

// DB returns the underlying sqlx handle for direct queries
func (c *Client) DB() *sqlx.DB {
	return c.db.DB()
}

// Wrapper returns the underlying DatabaseWrapper for health checks and monitoring
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}
