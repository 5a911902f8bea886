package handlers

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/conversation"
	"github.com/nexaflow/replygate/internal/llm"
)

// FallbackFailureText is returned when every LLM provider fails. The
// processor recognizes it and skips caching.
const FallbackFailureText = "I'm having trouble understanding your request. Could you please rephrase it, or try again in a moment?"

const (
	fallbackSystemPrompt = "You are a helpful AI assistant for an e-commerce platform."
	// contextTurns is how much recent history goes into the prompt.
	contextTurns = 4
	// turnContentLimit bounds each history turn fed to the LLM.
	turnContentLimit = 200
)

// Generator is the slice of the LLM chain the fallback handler needs.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
}

// Fallback answers anything without a dedicated handler by prompting the
// LLM provider chain with recent conversation context. It never returns an
// error: when every provider fails the reply is a static apology.
type Fallback struct {
	chain  Generator
	logger *zap.Logger
}

func NewFallback(chain Generator, logger *zap.Logger) *Fallback {
	return &Fallback{chain: chain, logger: logger}
}

func (h *Fallback) Handle(ctx context.Context, message string, hctx *Context) (string, error) {
	req := llm.Request{
		System:   h.systemPrompt(hctx),
		Messages: h.contextMessages(message, hctx),
	}

	reply, err := h.chain.Generate(ctx, req)
	if err != nil {
		h.logger.Error("LLM fallback failed", zap.String("conv_id", hctx.ConvID), zap.Error(err))
		return FallbackFailureText, nil
	}
	return strings.TrimSpace(reply), nil
}

func (h *Fallback) systemPrompt(hctx *Context) string {
	if hctx.KnowledgeContext == "" {
		return fallbackSystemPrompt
	}
	return fmt.Sprintf("%s Use this relevant information when answering: %s",
		fallbackSystemPrompt, hctx.KnowledgeContext)
}

// contextMessages maps the last few history turns onto the provider
// contract and appends the current message.
func (h *Fallback) contextMessages(message string, hctx *Context) []llm.Message {
	history := hctx.History
	if len(history) > contextTurns {
		history = history[len(history)-contextTurns:]
	}

	messages := make([]llm.Message, 0, len(history)+1)
	for _, turn := range history {
		role := llm.RoleUser
		if turn.Role == conversation.RoleAssistant {
			role = llm.RoleAssistant
		}
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		messages = append(messages, llm.Message{
			Role:    role,
			Content: truncateRunes(content, turnContentLimit),
		})
	}

	return append(messages, llm.Message{Role: llm.RoleUser, Content: message})
}
