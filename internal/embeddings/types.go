package embeddings

import "time"

// Config controls the embedding client behavior.
type Config struct {
	// APIKey authenticates against the embedding endpoint.
	APIKey string
	// Model is the embedding model (e.g. text-embedding-004).
	Model string
	// BaseURL points to the Gemini-style API root.
	BaseURL string
	// Timeout for outbound HTTP calls.
	Timeout time.Duration
	// Dimension is the expected vector length; mismatched responses are
	// rejected.
	Dimension int
	// BatchSize caps how many texts go into one batch call.
	BatchSize int
	// CacheTTL sets TTL for embedding cache entries.
	CacheTTL time.Duration
	// MaxLRU controls in-process LRU size.
	MaxLRU int
	// Chunking configuration for long documents.
	Chunking ChunkingConfig
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "text-embedding-004"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Dimension <= 0 {
		c.Dimension = 768
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxLRU <= 0 {
		c.MaxLRU = 2048
	}
	if c.Chunking.Size <= 0 {
		c.Chunking = DefaultChunkingConfig()
	}
	return c
}
