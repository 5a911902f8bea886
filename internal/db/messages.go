package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrDuplicateMessage is returned when an insert collides with an existing
// external_message_id. Callers treat this as "already processed".
var ErrDuplicateMessage = errors.New("message already exists")

// InsertMessage persists a single message outside any transaction. Used for
// outbound replies after the platform acknowledged the send.
func (c *Client) InsertMessage(ctx context.Context, msg *Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = StatusReceived
	}

	query := `
		INSERT INTO messages (
			id, conversation_id, external_message_id, direction, content, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := c.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.ExternalMessageID,
		msg.Direction, msg.Content, msg.Status, msg.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}

	c.logger.Debug("Message saved",
		zap.String("message_id", msg.ID.String()),
		zap.String("conversation_id", msg.ConversationID.String()),
		zap.String("direction", msg.Direction),
	)
	return nil
}

// InsertMessageTx persists a message inside the caller's transaction. The
// webhook ingest path runs this together with the conversation upsert so a
// failure rolls both back.
func (c *Client) InsertMessageTx(ctx context.Context, tx *sqlx.Tx, msg *Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = StatusReceived
	}

	query := `
		INSERT INTO messages (
			id, conversation_id, external_message_id, direction, content, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := tx.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.ExternalMessageID,
		msg.Direction, msg.Content, msg.Status, msg.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// UpdateMessageStatus moves a stored message through the delivery lifecycle,
// matched by the platform-assigned id from a status receipt. Unknown ids are
// not an error; receipts can outlive their messages.
func (c *Client) UpdateMessageStatus(ctx context.Context, externalMessageID, status string) error {
	query := `
		UPDATE messages
		SET status = $1
		WHERE external_message_id = $2`

	res, err := c.db.ExecContext(ctx, query, status, externalMessageID)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}

	if rows, raErr := res.RowsAffected(); raErr == nil && rows == 0 {
		c.logger.Debug("Status receipt for unknown message",
			zap.String("external_message_id", externalMessageID),
			zap.String("status", status),
		)
	}
	return nil
}

// GetMessageByExternalID looks up a message by the platform-assigned id.
// Returns nil without error when no row matches.
func (c *Client) GetMessageByExternalID(ctx context.Context, externalMessageID string) (*Message, error) {
	var msg Message
	query := `
		SELECT id, conversation_id, external_message_id, direction, content, status, created_at
		FROM messages
		WHERE external_message_id = $1`

	err := c.db.GetContext(ctx, &msg, query, externalMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// GetRecentMessages returns the newest messages of a conversation, oldest
// first, capped at limit.
func (c *Client) GetRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}

	var msgs []Message
	query := `
		SELECT id, conversation_id, external_message_id, direction, content, status, created_at
		FROM (
			SELECT id, conversation_id, external_message_id, direction, content, status, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`

	if err := c.db.SelectContext(ctx, &msgs, query, conversationID, limit); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
