package db

import (
	"time"

	"github.com/google/uuid"
)

// Conversation lifecycle states. A customer keeps at most one active
// thread; closed and blocked rows stay around for audit.
const (
	ConversationActive  = "active"
	ConversationClosed  = "closed"
	ConversationPending = "pending"
	ConversationBlocked = "blocked"
)

// Message directions
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
	DirectionSystem   = "system"
)

// Message delivery statuses. Incoming messages start at received; outgoing
// ones follow the platform's receipt stream.
const (
	StatusReceived  = "received"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Conversation represents one customer's message thread
type Conversation struct {
	ID            uuid.UUID `db:"id"`
	CustomerPhone string    `db:"customer_phone"`
	Status        string    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Message represents a single message within a conversation.
// ExternalMessageID is the platform-assigned id; it is unique when present
// and nil for outbound messages that have not been acknowledged yet.
type Message struct {
	ID                uuid.UUID `db:"id"`
	ConversationID    uuid.UUID `db:"conversation_id"`
	ExternalMessageID *string   `db:"external_message_id"`
	Direction         string    `db:"direction"`
	Content           string    `db:"content"`
	Status            string    `db:"status"`
	CreatedAt         time.Time `db:"created_at"`
}

// FeedbackEntry records a user satisfaction rating (1-5) for a conversation
type FeedbackEntry struct {
	ID             uuid.UUID `db:"id"`
	ConversationID string    `db:"conversation_id"`
	Rating         int       `db:"rating"`
	Comment        *string   `db:"comment"`
	CreatedAt      time.Time `db:"created_at"`
}

// StatusUpdate mutates the delivery status of a previously stored message,
// matched by the platform-assigned id.
type StatusUpdate struct {
	ExternalMessageID string
	Status            string
}
