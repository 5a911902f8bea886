package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps sqlx database operations with a circuit breaker.
// Unique-constraint and other query-shaped errors still flow back to the
// caller; only transport-level errors should trip the breaker, which is why
// callers classify duplicates as expected via the breaker config.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, config Config, logger *zap.Logger) *DatabaseWrapper {
	cb := NewCircuitBreaker("postgresql", config, logger)
	return &DatabaseWrapper{
		db:     db,
		cb:     cb,
		logger: logger,
	}
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.cb.Execute(ctx, func(ctx context.Context) error {
		return dw.db.PingContext(ctx)
	})
}

// GetContext wraps sqlx Get with circuit breaker
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.cb.Execute(ctx, func(ctx context.Context) error {
		return dw.db.GetContext(ctx, dest, query, args...)
	})
}

// SelectContext wraps sqlx Select with circuit breaker
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.cb.Execute(ctx, func(ctx context.Context) error {
		return dw.db.SelectContext(ctx, dest, query, args...)
	})
}

// ExecContext wraps database exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.cb.Execute(ctx, func(ctx context.Context) error {
		var execErr error
		result, execErr = dw.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BeginTxx starts a transaction through the breaker. Statements inside the
// transaction run on the admitted connection and are not re-checked.
func (dw *DatabaseWrapper) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	var tx *sqlx.Tx
	err := dw.cb.Execute(ctx, func(ctx context.Context) error {
		var beginErr error
		tx, beginErr = dw.db.BeginTxx(ctx, opts)
		return beginErr
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Close closes the underlying database
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// DB returns the underlying sqlx handle for operations not covered here
func (dw *DatabaseWrapper) DB() *sqlx.DB {
	return dw.db
}

// Breaker returns the wrapper's circuit breaker
func (dw *DatabaseWrapper) Breaker() *CircuitBreaker {
	return dw.cb
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
