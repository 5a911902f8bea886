package knowledge

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// diskCache is the persisted embedding set. It is valid only while the
// document set it was computed from is unchanged.
type diskCache struct {
	DocumentsHash string      `json:"documents_hash"`
	Embeddings    [][]float64 `json:"embeddings"`
	Timestamp     time.Time   `json:"timestamp"`
}

// documentsHash fingerprints the document set: MD5 over the JSON encoding
// of the sorted (id, chunk_text) pairs.
func documentsHash(docs []Document) string {
	type pair struct {
		ID        string `json:"id"`
		ChunkText string `json:"chunk_text"`
	}
	pairs := make([]pair, len(docs))
	for i, d := range docs {
		pairs[i] = pair{ID: d.ID, ChunkText: d.ChunkText}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].ID != pairs[j].ID {
			return pairs[i].ID < pairs[j].ID
		}
		return pairs[i].ChunkText < pairs[j].ChunkText
	})
	data, _ := json.Marshal(pairs)
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func loadCache(path string) (*diskCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c diskCache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse embedding cache: %w", err)
	}
	return &c, nil
}

// saveCache writes the cache through a temp file and rename so a crash
// mid-write never leaves a truncated cache behind.
func saveCache(path string, c *diskCache) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode embedding cache: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".emb-cache-*")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}
