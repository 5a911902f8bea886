package handlers

import (
	"context"

	"github.com/nexaflow/replygate/internal/conversation"
)

// Greeting answers greetings deterministically, varying the reply for
// first-time versus returning users.
type Greeting struct{}

func NewGreeting() *Greeting { return &Greeting{} }

func (g *Greeting) Handle(_ context.Context, _ string, hctx *Context) (string, error) {
	if len(hctx.History) == 0 {
		return "Hello! I'm here to help you find products, check orders, or answer any questions. What can I do for you today?", nil
	}

	userTurns := 0
	for _, turn := range hctx.History {
		if turn.Role == conversation.RoleUser {
			userTurns++
		}
	}
	if userTurns > 1 {
		return "Welcome back! How can I assist you today?", nil
	}
	return "Nice to hear from you again! What would you like to explore?", nil
}
