package embeddings

// ChunkingConfig controls how long documents are split before embedding.
// Sizes are in runes, not bytes, so multi-byte scripts chunk cleanly.
type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// DefaultChunkingConfig returns the standard window: 500 characters with a
// 50-character overlap between consecutive chunks.
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{Size: 500, Overlap: 50}
}

// Chunker splits text into overlapping windows.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker, falling back to defaults for non-positive
// values. An overlap at or above the window size degrades to half-window
// steps to guarantee progress.
func NewChunker(config ChunkingConfig) *Chunker {
	d := DefaultChunkingConfig()
	if config.Size <= 0 {
		config.Size = d.Size
	}
	if config.Overlap < 0 {
		config.Overlap = d.Overlap
	}
	if config.Overlap >= config.Size {
		config.Overlap = config.Size / 2
	}
	return &Chunker{size: config.Size, overlap: config.Overlap}
}

// ChunkText splits text into overlapping chunks. Text that fits one window
// comes back as a single chunk; empty input yields nil.
func (c *Chunker) ChunkText(text string) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= c.size {
		return []string{text}
	}

	step := c.size - c.overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
