package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/nexaflow/replygate/internal/embeddings"
	"github.com/nexaflow/replygate/internal/metrics"
)

// Embedder is the slice of the embedding service the retriever needs.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float64, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float64, error)
}

// Retriever answers queries against a small in-memory document set ranked
// by cosine similarity. Embeddings are computed once at initialization and
// persisted to disk keyed by a content hash of the document set.
type Retriever struct {
	cfg      Config
	embedder Embedder
	chunker  *embeddings.Chunker
	logger   *zap.Logger

	mu      sync.RWMutex
	docs    []Document
	vectors [][]float64
}

// NewRetriever creates an uninitialized retriever. Call Initialize before
// Search.
func NewRetriever(cfg Config, embedder Embedder, logger *zap.Logger) *Retriever {
	cfg = cfg.withDefaults()
	return &Retriever{
		cfg:      cfg,
		embedder: embedder,
		chunker:  embeddings.NewChunker(cfg.Chunking),
		logger:   logger,
	}
}

// Initialize loads the document set and its embeddings. A nil docs slice
// loads the configured document file, falling back to the built-in
// defaults. Documents longer than one chunk are split before embedding.
func (r *Retriever) Initialize(ctx context.Context, docs []Document) error {
	if docs == nil {
		if r.cfg.DocsPath != "" {
			loaded, err := loadDocumentsFile(r.cfg.DocsPath)
			if err != nil {
				return fmt.Errorf("load knowledge documents: %w", err)
			}
			docs = loaded
		} else {
			docs = DefaultDocuments()
		}
	}
	docs = chunkDocuments(r.chunker, docs)
	hash := documentsHash(docs)

	if r.cfg.CachePath != "" {
		if cached, err := loadCache(r.cfg.CachePath); err == nil {
			if cached.DocumentsHash == hash && len(cached.Embeddings) == len(docs) {
				r.install(docs, cached.Embeddings)
				r.logger.Info("Loaded knowledge embeddings from cache",
					zap.Int("documents", len(docs)),
					zap.Time("cached_at", cached.Timestamp),
				)
				return nil
			}
			r.logger.Info("Embedding cache is stale, regenerating",
				zap.Int("documents", len(docs)),
				zap.Int("cached_embeddings", len(cached.Embeddings)),
			)
		}
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.ChunkText
	}
	vectors, err := r.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed knowledge documents: %w", err)
	}

	// Documents whose embedding failed are pruned rather than indexed
	// with a zero vector.
	keptDocs := make([]Document, 0, len(docs))
	keptVecs := make([][]float64, 0, len(docs))
	for i, v := range vectors {
		if v == nil {
			r.logger.Warn("Dropping document without embedding", zap.String("id", docs[i].ID))
			continue
		}
		keptDocs = append(keptDocs, docs[i])
		keptVecs = append(keptVecs, v)
	}

	r.install(keptDocs, keptVecs)
	r.persist(keptDocs, keptVecs)
	r.logger.Info("Knowledge base initialized",
		zap.Int("documents", len(keptDocs)),
		zap.Int("pruned", len(docs)-len(keptDocs)),
	)
	return nil
}

// Search returns up to limit documents whose similarity to the query
// exceeds the threshold, best first.
func (r *Retriever) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 1
	}

	r.mu.RLock()
	docs := r.docs
	vectors := r.vectors
	r.mu.RUnlock()

	if len(docs) == 0 {
		metrics.KnowledgeSearches.WithLabelValues("empty").Inc()
		return nil, nil
	}

	queryVec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		metrics.KnowledgeSearches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results := make([]Result, 0, limit)
	for i, dv := range vectors {
		if sim := Cosine(queryVec, dv); sim > r.cfg.Threshold {
			results = append(results, Result{Document: docs[i], Similarity: sim})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > limit {
		results = results[:limit]
	}

	if len(results) == 0 {
		metrics.KnowledgeSearches.WithLabelValues("miss").Inc()
	} else {
		metrics.KnowledgeSearches.WithLabelValues("hit").Inc()
	}
	return results, nil
}

// AddDocument embeds and indexes a new document, then re-persists the
// disk cache. The id must not collide with an indexed document.
func (r *Retriever) AddDocument(ctx context.Context, doc Document) error {
	if strings.TrimSpace(doc.ID) == "" {
		return errors.New("document id is required")
	}
	if strings.TrimSpace(doc.ChunkText) == "" {
		return errors.New("document text is required")
	}

	chunks := chunkDocuments(r.chunker, []Document{doc})

	r.mu.RLock()
	err := r.duplicateID(chunks)
	r.mu.RUnlock()
	if err != nil {
		return err
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.ChunkText
	}
	vectors, err := r.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}
	for i, v := range vectors {
		if v == nil {
			return fmt.Errorf("embedding failed for chunk %s", chunks[i].ID)
		}
	}

	r.mu.Lock()
	// Re-check: another add may have raced while we were embedding.
	if err := r.duplicateID(chunks); err != nil {
		r.mu.Unlock()
		return err
	}
	r.docs = append(r.docs, chunks...)
	r.vectors = append(r.vectors, vectors...)
	docs := r.docs
	vecs := r.vectors
	r.mu.Unlock()

	metrics.KnowledgeDocuments.Set(float64(len(docs)))
	r.persist(docs, vecs)
	return nil
}

// Count returns the number of indexed documents.
func (r *Retriever) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

// duplicateID reports a collision between chunks and the indexed set.
// Caller holds at least a read lock.
func (r *Retriever) duplicateID(chunks []Document) error {
	existing := make(map[string]struct{}, len(r.docs))
	for _, d := range r.docs {
		existing[d.ID] = struct{}{}
	}
	for _, c := range chunks {
		if _, dup := existing[c.ID]; dup {
			return fmt.Errorf("document id %q already exists", c.ID)
		}
	}
	return nil
}

func (r *Retriever) install(docs []Document, vectors [][]float64) {
	r.mu.Lock()
	r.docs = docs
	r.vectors = vectors
	r.mu.Unlock()
	metrics.KnowledgeDocuments.Set(float64(len(docs)))
}

// persist writes the current embeddings to disk. Failure is logged, not
// fatal: the next boot regenerates.
func (r *Retriever) persist(docs []Document, vectors [][]float64) {
	if r.cfg.CachePath == "" {
		return
	}
	c := &diskCache{
		DocumentsHash: documentsHash(docs),
		Embeddings:    vectors,
		Timestamp:     time.Now().UTC(),
	}
	if err := saveCache(r.cfg.CachePath, c); err != nil {
		r.logger.Warn("Failed to persist embedding cache", zap.Error(err))
	}
}

// chunkDocuments splits documents longer than one chunk, suffixing the id
// per chunk so each slice stays individually addressable.
func chunkDocuments(chunker *embeddings.Chunker, docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		chunks := chunker.ChunkText(d.ChunkText)
		if len(chunks) <= 1 {
			out = append(out, d)
			continue
		}
		for i, text := range chunks {
			out = append(out, Document{
				ID:        fmt.Sprintf("%s#%d", d.ID, i),
				ChunkText: text,
				Metadata:  d.Metadata,
			})
		}
	}
	return out
}

type documentFile struct {
	Documents []Document `yaml:"documents"`
}

func loadDocumentsFile(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f documentFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse document file: %w", err)
	}
	if len(f.Documents) == 0 {
		return nil, fmt.Errorf("document file %s contains no documents", path)
	}

	docs := make([]Document, 0, len(f.Documents))
	for i, d := range f.Documents {
		if strings.TrimSpace(d.ChunkText) == "" {
			return nil, fmt.Errorf("document %d has empty chunk_text", i)
		}
		if strings.TrimSpace(d.ID) == "" {
			d.ID = fmt.Sprintf("doc-%03d", i+1)
		}
		docs = append(docs, d)
	}
	return docs, nil
}
