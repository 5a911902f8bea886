package knowledge

import (
	"github.com/nexaflow/replygate/internal/embeddings"
)

// Document is one retrievable knowledge chunk.
type Document struct {
	ID        string            `json:"id" yaml:"id"`
	ChunkText string            `json:"chunk_text" yaml:"chunk_text"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Result pairs a document with its similarity to the query.
type Result struct {
	Document   Document `json:"document"`
	Similarity float64  `json:"similarity"`
}

// Config controls retrieval behavior.
type Config struct {
	// Threshold is the minimum cosine similarity for a search hit.
	Threshold float64
	// CachePath is where document embeddings are persisted between runs.
	// Empty disables the disk cache.
	CachePath string
	// DocsPath optionally points at a YAML document file. When empty the
	// built-in defaults are used.
	DocsPath string
	// Chunking splits documents longer than one chunk.
	Chunking embeddings.ChunkingConfig
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 0.75
	}
	if c.Chunking.Size <= 0 {
		c.Chunking = embeddings.DefaultChunkingConfig()
	}
	return c
}

// DefaultDocuments is the built-in knowledge base used when no document
// file is configured.
func DefaultDocuments() []Document {
	return []Document{
		{ID: "policy-returns", ChunkText: "Our return policy allows returns within 30 days."},
		{ID: "policy-shipping", ChunkText: "Free shipping on orders above ₹1000."},
		{ID: "policy-refunds", ChunkText: "Refunds are processed within 7 business days."},
	}
}
