package embeddings

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkTextShort(t *testing.T) {
	c := NewChunker(DefaultChunkingConfig())

	assert.Nil(t, c.ChunkText(""))
	assert.Equal(t, []string{"short document"}, c.ChunkText("short document"))
}

func TestChunkTextWindows(t *testing.T) {
	c := NewChunker(ChunkingConfig{Size: 10, Overlap: 3})

	text := "abcdefghijklmnopqrstuvwxyz"
	chunks := c.ChunkText(text)

	require.Equal(t, []string{
		"abcdefghij",
		"hijklmnopq",
		"opqrstuvwx",
		"vwxyz",
	}, chunks)

	// Consecutive chunks share the overlap region.
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		assert.True(t, strings.HasPrefix(chunks[i], prev[len(prev)-3:]))
	}
}

func TestChunkTextRuneBoundaries(t *testing.T) {
	// Multi-byte runes must never be split mid-encoding.
	c := NewChunker(ChunkingConfig{Size: 4, Overlap: 1})

	chunks := c.ChunkText("héllo wörld")
	assert.Equal(t, []string{"héll", "lo w", "wörl", "ld"}, chunks)
}

func TestChunkerOverlapGuard(t *testing.T) {
	// Overlap >= size would never advance; the chunker clamps it.
	c := NewChunker(ChunkingConfig{Size: 10, Overlap: 10})

	chunks := c.ChunkText(strings.Repeat("x", 35))
	assert.NotEmpty(t, chunks)
	assert.Less(t, len(chunks), 35)
}
