package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/knowledge"
)

// verbatimThreshold is the similarity above which a knowledge chunk is
// returned as the reply without LLM rephrasing.
const verbatimThreshold = 0.8

// Searcher is the slice of the knowledge retriever this handler needs.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]knowledge.Result, error)
}

// KnowledgeQuery answers from the knowledge base when the match is strong
// and delegates to the fallback handler otherwise, passing along the best
// chunk as context.
type KnowledgeQuery struct {
	retriever Searcher
	fallback  Handler
	logger    *zap.Logger
}

func NewKnowledgeQuery(retriever Searcher, fallback Handler, logger *zap.Logger) *KnowledgeQuery {
	return &KnowledgeQuery{retriever: retriever, fallback: fallback, logger: logger}
}

func (h *KnowledgeQuery) Handle(ctx context.Context, message string, hctx *Context) (string, error) {
	results, err := h.retriever.Search(ctx, message, 1)
	if err != nil {
		h.logger.Warn("Knowledge retrieval failed", zap.Error(err))
		return h.fallback.Handle(ctx, message, hctx)
	}
	if len(results) == 0 {
		return h.fallback.Handle(ctx, message, hctx)
	}

	top := results[0]
	if top.Similarity >= verbatimThreshold {
		return top.Document.ChunkText, nil
	}

	hctx.KnowledgeContext = top.Document.ChunkText
	return h.fallback.Handle(ctx, message, hctx)
}
