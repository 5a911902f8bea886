package embeddings

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
)

// Cache defines the second-tier vector cache operations.
type Cache interface {
	Get(ctx context.Context, key string) ([]float64, bool)
	Set(ctx context.Context, key string, v []float64, ttl time.Duration)
}

// LocalLRU is a simple in-process LRU with TTL. Repeated queries embed
// once per process within the TTL window.
type LocalLRU struct {
	mu   sync.Mutex
	cap  int
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
}

type lruEntry struct {
	key string
	vec []float64
	exp time.Time
}

func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalLRU{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

func (l *LocalLRU) Get(_ context.Context, key string) ([]float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		ent := el.Value.(lruEntry)
		if ent.exp.After(time.Now()) {
			l.list.MoveToFront(el)
			return ent.vec, true
		}
		// expired: remove
		l.list.Remove(el)
		delete(l.m, key)
	}
	return nil, false
}

func (l *LocalLRU) Set(_ context.Context, key string, v []float64, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		el.Value = lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)}
		l.list.MoveToFront(el)
		return
	}
	el := l.list.PushFront(lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)})
	l.m[key] = el
	if l.list.Len() > l.cap {
		lru := l.list.Back()
		if lru != nil {
			ent := lru.Value.(lruEntry)
			delete(l.m, ent.key)
			l.list.Remove(lru)
		}
	}
}

// RedisCache stores vectors through the breaker-wrapped Redis client so an
// outage degrades to cache misses instead of blocking embeds.
type RedisCache struct {
	cli *circuitbreaker.RedisWrapper
}

func NewRedisCache(cli *circuitbreaker.RedisWrapper) *RedisCache {
	return &RedisCache{cli: cli}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float64, bool) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	// decode bytes as float64 slice (8-byte chunks)
	if len(b)%8 != 0 {
		return nil, false
	}
	out := make([]float64, len(b)/8)
	for i := 0; i < len(out); i++ {
		u := binary.LittleEndian.Uint64(b[i*8:])
		out[i] = math.Float64frombits(u)
	}
	return out, true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float64, ttl time.Duration) {
	b := make([]byte, len(v)*8)
	for i, f := range v {
		u := math.Float64bits(f)
		binary.LittleEndian.PutUint64(b[i*8:], u)
	}
	_ = r.cli.Set(ctx, key, b, ttl).Err()
}

// MakeKey derives the cache key for a (model, text) pair.
func MakeKey(model, text string) string {
	h := md5.Sum([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}
