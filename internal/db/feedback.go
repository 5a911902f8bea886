package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SaveFeedback records a satisfaction rating submitted against a
// conversation. Ratings arrive over the feedback endpoint and are written
// asynchronously through the write queue.
func (c *Client) SaveFeedback(ctx context.Context, fb *FeedbackEntry) error {
	if fb.ID == uuid.Nil {
		fb.ID = uuid.New()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	if fb.Rating < 1 || fb.Rating > 5 {
		return fmt.Errorf("rating out of range: %d", fb.Rating)
	}

	query := `
		INSERT INTO feedback (
			id, conversation_id, rating, comment, created_at
		) VALUES ($1, $2, $3, $4, $5)`

	_, err := c.db.ExecContext(ctx, query,
		fb.ID, fb.ConversationID, fb.Rating, fb.Comment, fb.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}

	c.logger.Debug("Feedback saved",
		zap.String("conversation_id", fb.ConversationID),
		zap.Int("rating", fb.Rating),
	)
	return nil
}
