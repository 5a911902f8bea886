package handlers

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexaflow/replygate/internal/conversation"
	"github.com/nexaflow/replygate/internal/llm"
)

func TestFallbackPromptShape(t *testing.T) {
	gen := &stubGenerator{reply: "  Of course, happy to help!  "}
	h := NewFallback(gen, zaptest.NewLogger(t))

	hctx := &Context{
		ConvID: "conv12345678",
		History: []conversation.Turn{
			{Role: conversation.RoleUser, Content: "turn one"},
			{Role: conversation.RoleAssistant, Content: "turn two"},
			{Role: conversation.RoleUser, Content: "turn three"},
			{Role: conversation.RoleAssistant, Content: "turn four"},
			{Role: conversation.RoleUser, Content: "turn five"},
			{Role: conversation.RoleAssistant, Content: "turn six"},
		},
	}
	reply, err := h.Handle(context.Background(), "can you help me?", hctx)
	require.NoError(t, err)
	assert.Equal(t, "Of course, happy to help!", reply, "reply is trimmed")

	req := gen.lastReq
	assert.Equal(t, "You are a helpful AI assistant for an e-commerce platform.", req.System)

	// Last four history turns plus the current message.
	require.Len(t, req.Messages, 5)
	assert.Equal(t, "turn three", req.Messages[0].Content)
	assert.Equal(t, llm.RoleUser, req.Messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, req.Messages[1].Role)
	assert.Equal(t, "can you help me?", req.Messages[4].Content)
	assert.Equal(t, llm.RoleUser, req.Messages[4].Role)
}

func TestFallbackNoHistory(t *testing.T) {
	gen := &stubGenerator{reply: "hello"}
	h := NewFallback(gen, zaptest.NewLogger(t))

	_, err := h.Handle(context.Background(), "hi", &Context{})
	require.NoError(t, err)
	require.Len(t, gen.lastReq.Messages, 1)
	assert.Equal(t, "hi", gen.lastReq.Messages[0].Content)
}

func TestFallbackKnowledgeContext(t *testing.T) {
	gen := &stubGenerator{reply: "Refunds take about a week."}
	h := NewFallback(gen, zaptest.NewLogger(t))

	hctx := &Context{KnowledgeContext: "Refunds are processed within 7 business days."}
	_, err := h.Handle(context.Background(), "how long do refunds take?", hctx)
	require.NoError(t, err)

	assert.Contains(t, gen.lastReq.System, "You are a helpful AI assistant")
	assert.Contains(t, gen.lastReq.System, "Refunds are processed within 7 business days.")
}

func TestFallbackTruncatesLongTurns(t *testing.T) {
	gen := &stubGenerator{reply: "ok"}
	h := NewFallback(gen, zaptest.NewLogger(t))

	hctx := &Context{History: []conversation.Turn{
		{Role: conversation.RoleUser, Content: strings.Repeat("x", 400)},
	}}
	_, err := h.Handle(context.Background(), "hello", hctx)
	require.NoError(t, err)

	require.Len(t, gen.lastReq.Messages, 2)
	assert.Len(t, gen.lastReq.Messages[0].Content, 203, "history turns are capped")
}

func TestFallbackStaticTextOnChainFailure(t *testing.T) {
	gen := &stubGenerator{err: errors.New("all llm providers failed: boom")}
	h := NewFallback(gen, zaptest.NewLogger(t))

	reply, err := h.Handle(context.Background(), "hello", &Context{ConvID: "conv12345678"})
	require.NoError(t, err, "fallback never propagates LLM failures")
	assert.Equal(t, FallbackFailureText, reply)
	assert.Contains(t, reply, "try again in a moment")
}

func TestFallbackSkipsEmptyTurns(t *testing.T) {
	gen := &stubGenerator{reply: "ok"}
	h := NewFallback(gen, zaptest.NewLogger(t))

	hctx := &Context{History: []conversation.Turn{
		{Role: conversation.RoleUser, Content: "   "},
		{Role: conversation.RoleAssistant, Content: "real turn"},
	}}
	_, err := h.Handle(context.Background(), "hello", hctx)
	require.NoError(t, err)

	require.Len(t, gen.lastReq.Messages, 2)
	assert.Equal(t, "real turn", gen.lastReq.Messages[0].Content)
}
