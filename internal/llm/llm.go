// Package llm provides the reply-generation providers and the failover
// chain that walks them. Providers share a minimal chat contract: a system
// instruction plus an ordered list of user/assistant messages in, one text
// reply out. Everything provider-specific (wire formats, auth headers,
// finish-reason vocabulary) stays inside the provider.
package llm

import "context"

// Message roles. Providers translate these to their own vocabulary;
// Gemini for example calls the assistant role "model".
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation handed to a provider.
type Message struct {
	Role    string
	Content string
}

// Request carries everything a provider needs for one generation. Messages
// are ordered oldest first and end with the current user message.
type Request struct {
	System   string
	Messages []Message
}

// Provider generates a reply for a request. Implementations record their
// own request metrics and route calls through their circuit breaker, so a
// single Generate call is exactly one attempt.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}
