package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexaflow/replygate/internal/knowledge"
)

func TestKnowledgeVerbatimAboveThreshold(t *testing.T) {
	retriever := &stubSearcher{results: []knowledge.Result{{
		Document:   knowledge.Document{ID: "policy-returns", ChunkText: "Our return policy allows returns within 30 days."},
		Similarity: 0.92,
	}}}
	fallback := &staticHandler{reply: "llm reply"}
	h := NewKnowledgeQuery(retriever, fallback, zaptest.NewLogger(t))

	reply, err := h.Handle(context.Background(), "what is your return policy?", &Context{})
	require.NoError(t, err)
	assert.Equal(t, "Our return policy allows returns within 30 days.", reply)
	assert.Zero(t, fallback.calls, "strong match must not call the LLM")
}

func TestKnowledgeDelegatesWeakMatch(t *testing.T) {
	retriever := &stubSearcher{results: []knowledge.Result{{
		Document:   knowledge.Document{ID: "policy-refunds", ChunkText: "Refunds are processed within 7 business days."},
		Similarity: 0.78,
	}}}
	fallback := &staticHandler{reply: "llm reply"}
	h := NewKnowledgeQuery(retriever, fallback, zaptest.NewLogger(t))

	reply, err := h.Handle(context.Background(), "how long do refunds take roughly?", &Context{})
	require.NoError(t, err)
	assert.Equal(t, "llm reply", reply)
	require.Equal(t, 1, fallback.calls)
	assert.Equal(t, "Refunds are processed within 7 business days.", fallback.lastHctx.KnowledgeContext,
		"weak match is handed to the fallback as context")
}

func TestKnowledgeNoHitDelegates(t *testing.T) {
	fallback := &staticHandler{reply: "llm reply"}
	h := NewKnowledgeQuery(&stubSearcher{}, fallback, zaptest.NewLogger(t))

	reply, err := h.Handle(context.Background(), "what is the meaning of life?", &Context{})
	require.NoError(t, err)
	assert.Equal(t, "llm reply", reply)
	assert.Empty(t, fallback.lastHctx.KnowledgeContext)
}

func TestKnowledgeSearchErrorDelegates(t *testing.T) {
	retriever := &stubSearcher{err: errors.New("embedding service down")}
	fallback := &staticHandler{reply: "llm reply"}
	h := NewKnowledgeQuery(retriever, fallback, zaptest.NewLogger(t))

	reply, err := h.Handle(context.Background(), "return policy?", &Context{})
	require.NoError(t, err)
	assert.Equal(t, "llm reply", reply)
	assert.Equal(t, 1, fallback.calls)
}
