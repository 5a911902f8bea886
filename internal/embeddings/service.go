package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/metrics"
	"github.com/nexaflow/replygate/internal/tracing"
)

const (
	embedMaxAttempts = 3
	embedBackoffMin  = 500 * time.Millisecond
	embedBackoffMax  = 5 * time.Second

	// Gemini task types. Queries and documents are embedded into the same
	// space but tuned for their side of the retrieval.
	taskRetrievalQuery    = "RETRIEVAL_QUERY"
	taskRetrievalDocument = "RETRIEVAL_DOCUMENT"
)

// Service generates embeddings over the Gemini REST API with two cache
// tiers in front: an in-process LRU and an optional shared tier.
type Service struct {
	config Config
	http   *http.Client
	lru    *LocalLRU
	cache  Cache
	logger *zap.Logger
}

// NewService creates the embedding client.
func NewService(config Config, logger *zap.Logger) *Service {
	config = config.withDefaults()
	return &Service{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		lru:    NewLocalLRU(config.MaxLRU),
		logger: logger,
	}
}

// WithCache attaches the second cache tier, typically Redis.
func (s *Service) WithCache(c Cache) *Service {
	s.cache = c
	return s
}

// Dimension returns the expected vector length.
func (s *Service) Dimension() int { return s.config.Dimension }

// Chunker returns a chunker built from the service's chunking config.
func (s *Service) Chunker() *Chunker { return NewChunker(s.config.Chunking) }

// Gemini embedding wire format.
type embedContentRequest struct {
	Model                string       `json:"model"`
	Content              embedContent `json:"content"`
	TaskType             string       `json:"taskType,omitempty"`
	OutputDimensionality int          `json:"outputDimensionality,omitempty"`
}

type embedContent struct {
	Parts []embedPart `json:"parts"`
}

type embedPart struct {
	Text string `json:"text"`
}

type batchEmbedRequest struct {
	Requests []embedContentRequest `json:"requests"`
}

type embedValues struct {
	Values []float64 `json:"values"`
}

type embedContentResponse struct {
	Embedding embedValues `json:"embedding"`
}

type batchEmbedResponse struct {
	Embeddings []embedValues `json:"embeddings"`
}

// EmbedQuery returns the vector for a single query text.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	key := MakeKey(s.config.Model, text)

	if v, ok := s.lru.Get(ctx, key); ok {
		metrics.EmbeddingRequests.WithLabelValues(s.config.Model, "lru_hit").Inc()
		return v, nil
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, s.config.CacheTTL)
			metrics.EmbeddingRequests.WithLabelValues(s.config.Model, "cache_hit").Inc()
			return v, nil
		}
	}

	start := time.Now()
	var vec []float64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var callErr error
		vec, callErr = s.embedSingle(ctx, text, taskRetrievalQuery)
		return callErr
	})
	if err != nil {
		metrics.EmbeddingRequests.WithLabelValues(s.config.Model, "error").Inc()
		return nil, err
	}
	metrics.EmbeddingRequests.WithLabelValues(s.config.Model, "success").Inc()
	metrics.EmbeddingLatency.WithLabelValues(s.config.Model).Observe(time.Since(start).Seconds())

	s.lru.Set(ctx, key, vec, s.config.CacheTTL)
	if s.cache != nil {
		s.cache.Set(ctx, key, vec, s.config.CacheTTL)
	}
	return vec, nil
}

// EmbedDocuments returns one vector per input text in order, batching the
// uncached texts. Texts whose batch ultimately fails get a nil slot so the
// caller can prune them; the returned error is non-nil only when nothing
// could be embedded at all.
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	results := make([][]float64, len(texts))
	uncachedTexts := []string{}
	uncachedIndices := []int{}

	for i, text := range texts {
		key := MakeKey(s.config.Model, text)
		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			metrics.EmbeddingRequests.WithLabelValues(s.config.Model, "lru_hit").Inc()
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, s.config.CacheTTL)
				metrics.EmbeddingRequests.WithLabelValues(s.config.Model, "cache_hit").Inc()
				continue
			}
		}
		uncachedTexts = append(uncachedTexts, text)
		uncachedIndices = append(uncachedIndices, i)
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	var lastErr error
	embedded := 0
	for batchStart := 0; batchStart < len(uncachedTexts); batchStart += s.config.BatchSize {
		batchEnd := batchStart + s.config.BatchSize
		if batchEnd > len(uncachedTexts) {
			batchEnd = len(uncachedTexts)
		}
		batch := uncachedTexts[batchStart:batchEnd]

		start := time.Now()
		var vectors [][]float64
		err := s.withRetry(ctx, func(ctx context.Context) error {
			var callErr error
			vectors, callErr = s.embedBatch(ctx, batch)
			return callErr
		})
		if err != nil {
			// Leave nil slots; the caller prunes documents without vectors.
			metrics.EmbeddingRequests.WithLabelValues(s.config.Model, "error").Inc()
			s.logger.Warn("Embedding batch failed",
				zap.Int("batch_size", len(batch)),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		metrics.EmbeddingRequests.WithLabelValues(s.config.Model, "success").Inc()
		metrics.EmbeddingLatency.WithLabelValues(s.config.Model).Observe(time.Since(start).Seconds())

		for i, vec := range vectors {
			idx := uncachedIndices[batchStart+i]
			results[idx] = vec
			embedded++

			key := MakeKey(s.config.Model, uncachedTexts[batchStart+i])
			s.lru.Set(ctx, key, vec, s.config.CacheTTL)
			if s.cache != nil {
				s.cache.Set(ctx, key, vec, s.config.CacheTTL)
			}
		}
	}

	if embedded == 0 && len(uncachedTexts) == len(texts) {
		return nil, fmt.Errorf("embedding failed for all %d texts: %w", len(texts), lastErr)
	}
	return results, nil
}

func (s *Service) embedSingle(ctx context.Context, text, taskType string) ([]float64, error) {
	body := embedContentRequest{
		Model:                "models/" + s.config.Model,
		Content:              embedContent{Parts: []embedPart{{Text: text}}},
		TaskType:             taskType,
		OutputDimensionality: s.config.Dimension,
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:embedContent",
		strings.TrimRight(s.config.BaseURL, "/"), s.config.Model)

	var out embedContentResponse
	if err := s.post(ctx, endpoint, body, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	if len(out.Embedding.Values) != s.config.Dimension {
		return nil, fmt.Errorf("unexpected embedding dimension %d, want %d",
			len(out.Embedding.Values), s.config.Dimension)
	}
	return out.Embedding.Values, nil
}

func (s *Service) embedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	requests := make([]embedContentRequest, len(texts))
	for i, text := range texts {
		requests[i] = embedContentRequest{
			Model:                "models/" + s.config.Model,
			Content:              embedContent{Parts: []embedPart{{Text: text}}},
			TaskType:             taskRetrievalDocument,
			OutputDimensionality: s.config.Dimension,
		}
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:batchEmbedContents",
		strings.TrimRight(s.config.BaseURL, "/"), s.config.Model)

	var out batchEmbedResponse
	if err := s.post(ctx, endpoint, batchEmbedRequest{Requests: requests}, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding endpoint returned %d vectors for %d texts",
			len(out.Embeddings), len(texts))
	}

	vectors := make([][]float64, len(texts))
	for i, emb := range out.Embeddings {
		if len(emb.Values) != s.config.Dimension {
			return nil, fmt.Errorf("unexpected embedding dimension %d, want %d",
				len(emb.Values), s.config.Dimension)
		}
		vectors[i] = emb.Values
	}
	return vectors, nil
}

func (s *Service) post(ctx context.Context, endpoint string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal embedding request: %w", err)
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, endpoint)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", s.config.APIKey)
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("embedding status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode embedding response: %w", err)
	}
	return nil
}

func (s *Service) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := embedBackoffMin
	var lastErr error
	for attempt := 1; attempt <= embedMaxAttempts; attempt++ {
		if err := fn(ctx); err != nil {
			lastErr = err
		} else {
			return nil
		}
		if attempt == embedMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > embedBackoffMax {
			backoff = embedBackoffMax
		}
	}
	return lastErr
}
