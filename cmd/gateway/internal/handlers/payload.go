package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/nexaflow/replygate/internal/ratelimit"
)

// Payload is the platform's webhook envelope. Message and status events
// arrive nested under entry/changes/value; only the first event of a
// delivery is processed.
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes of one business account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is one event batch within an entry.
type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue carries either inbound messages or delivery receipts.
type ChangeValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Contacts         []Contact        `json:"contacts"`
	Messages         []InboundMessage `json:"messages"`
	Statuses         []StatusEvent    `json:"statuses"`
}

// Contact names the customer behind a message.
type Contact struct {
	WaID    string  `json:"wa_id"`
	Profile Profile `json:"profile"`
}

// Profile is the customer-facing display name.
type Profile struct {
	Name string `json:"name"`
}

// InboundMessage is one customer message. Timestamp is the platform's
// send time as unix seconds in string form.
type InboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *Text  `json:"text"`
}

// Text is the body of a text-type message.
type Text struct {
	Body string `json:"body"`
}

// StatusEvent is a delivery receipt for an outbound message.
type StatusEvent struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// FirstMessage returns the first inbound message in the payload.
func (p *Payload) FirstMessage() (*InboundMessage, bool) {
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if len(change.Value.Messages) > 0 {
				return &change.Value.Messages[0], true
			}
		}
	}
	return nil, false
}

// FirstStatus returns the first delivery receipt in the payload.
func (p *Payload) FirstStatus() (*StatusEvent, bool) {
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if len(change.Value.Statuses) > 0 {
				return &change.Value.Statuses[0], true
			}
		}
	}
	return nil, false
}

// EventTimestamp extracts the unix timestamp of the payload's first event,
// message or receipt, for replay protection.
func (p *Payload) EventTimestamp() (int64, bool) {
	raw := ""
	if msg, ok := p.FirstMessage(); ok {
		raw = msg.Timestamp
	} else if st, ok := p.FirstStatus(); ok {
		raw = st.Timestamp
	}
	if raw == "" {
		return 0, false
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// senderKeyMaxPeek bounds the body peek; real payloads are a few KB.
const senderKeyMaxPeek = 1 << 20

// SenderKey derives the rate-limit identity for a webhook POST by peeking
// at the buffered body for the sender phone, falling back to the remote
// address. The body is restored for the handler.
func SenderKey(r *http.Request) string {
	if r.Method != http.MethodPost || r.Body == nil {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, senderKeyMaxPeek))
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return ""
	}

	phone := ""
	if msg, ok := p.FirstMessage(); ok {
		phone = msg.From
	}
	return ratelimit.IdentifierFor(phone, "", r.RemoteAddr)
}
