package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// GetOrCreateConversationTx returns the most recent conversation for a
// customer phone, creating an active one inside the supplied transaction
// when none exists.
func (c *Client) GetOrCreateConversationTx(ctx context.Context, tx *sqlx.Tx, customerPhone string) (*Conversation, error) {
	var conv Conversation
	err := tx.GetContext(ctx, &conv, `
		SELECT id, customer_phone, status, created_at, updated_at
		FROM conversations
		WHERE customer_phone = $1
		ORDER BY created_at DESC
		LIMIT 1`, customerPhone)
	if err == nil {
		return &conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up conversation: %w", err)
	}

	now := time.Now().UTC()
	conv = Conversation{
		ID:            uuid.New(),
		CustomerPhone: customerPhone,
		Status:        ConversationActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, customer_phone, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		conv.ID, conv.CustomerPhone, conv.Status, conv.CreatedAt, conv.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	c.logger.Debug("Conversation created",
		zap.String("conversation_id", conv.ID.String()),
		zap.String("customer_phone", customerPhone),
	)

	return &conv, nil
}
