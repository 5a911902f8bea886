package handlers

import (
	"context"

	"github.com/nexaflow/replygate/internal/conversation"
	"github.com/nexaflow/replygate/internal/intent"
)

// Context carries per-message state into a handler.
type Context struct {
	ConvID   string
	Platform string
	Language string
	History  []conversation.Turn
	Intent   *intent.Result
	// KnowledgeContext is set by the knowledge handler when it delegates
	// a low-similarity hit to the fallback handler.
	KnowledgeContext string
}

// Handler produces the reply for one classified message.
type Handler interface {
	Handle(ctx context.Context, message string, hctx *Context) (string, error)
}

// Registry maps intent types to handlers. Intents without a dedicated
// handler dispatch to the fallback.
type Registry struct {
	handlers map[intent.Type]Handler
	fallback Handler
}

// NewRegistry creates a registry with the mandatory fallback handler.
func NewRegistry(fallback Handler) *Registry {
	return &Registry{
		handlers: make(map[intent.Type]Handler),
		fallback: fallback,
	}
}

// Register binds a handler to an intent type.
func (r *Registry) Register(t intent.Type, h Handler) {
	r.handlers[t] = h
}

// For returns the handler for an intent, or the fallback when none is
// registered.
func (r *Registry) For(t intent.Type) Handler {
	if h, ok := r.handlers[t]; ok {
		return h
	}
	return r.fallback
}

// Fallback returns the registry's fallback handler.
func (r *Registry) Fallback() Handler {
	return r.fallback
}
