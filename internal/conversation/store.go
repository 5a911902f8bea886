package conversation

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/metrics"
)

// Config holds conversation store settings
type Config struct {
	TTL                time.Duration // history expiry, Redis and fallback alike
	MaxTurns           int           // history is trimmed to the most recent N turns
	MaxFallbackEntries int
	SweepInterval      time.Duration // fallback expiry sweep cadence
}

// DefaultConfig returns the store defaults
func DefaultConfig() Config {
	return Config{
		TTL:                time.Hour,
		MaxTurns:           20,
		MaxFallbackEntries: 1000,
		SweepInterval:      5 * time.Minute,
	}
}

type fallbackEntry struct {
	key        string
	serialized []byte
	storedAt   time.Time
}

// Store keeps per-conversation history in Redis with a bounded in-memory
// LRU fallback. When Redis is unreachable the store degrades transparently:
// operations keep succeeding against the fallback tier.
type Store struct {
	client *circuitbreaker.RedisWrapper
	logger *zap.Logger
	config Config

	mu       sync.Mutex
	fallback map[string]*list.Element
	order    *list.List // front = most recently used

	stopSweeper chan struct{}
	stopOnce    sync.Once
}

// NewStore creates a conversation store. client may be nil, in which case
// only the fallback tier is used.
func NewStore(client *circuitbreaker.RedisWrapper, config Config, logger *zap.Logger) *Store {
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	if config.MaxTurns <= 0 {
		config.MaxTurns = 20
	}
	if config.MaxFallbackEntries <= 0 {
		config.MaxFallbackEntries = 1000
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}

	s := &Store{
		client:      client,
		logger:      logger,
		config:      config,
		fallback:    make(map[string]*list.Element),
		order:       list.New(),
		stopSweeper: make(chan struct{}),
	}
	go s.sweeper()
	return s
}

// GetHistory returns the most recent turns for a conversation, or empty.
// Corrupted stored values are deleted and treated as empty.
func (s *Store) GetHistory(ctx context.Context, conversationID string) []Turn {
	key := historyKey(conversationID)

	if s.redisUsable() {
		data, err := s.client.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var turns []Turn
			if jsonErr := json.Unmarshal(data, &turns); jsonErr != nil {
				s.logger.Warn("Corrupted history entry, deleting",
					zap.String("conversation_id", conversationID),
					zap.Error(jsonErr),
				)
				s.client.Del(ctx, key)
				metrics.HistoryCacheMisses.Inc()
				return []Turn{}
			}
			metrics.HistoryCacheHits.Inc()
			return turns
		case err == redis.Nil:
			metrics.HistoryCacheMisses.Inc()
			return []Turn{}
		default:
			s.logger.Warn("Redis history read failed, using fallback",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	}

	return s.fallbackGet(conversationID, key)
}

// SaveHistory trims turns to the configured maximum and stores them with a
// fresh TTL. Redis failures degrade to the fallback tier; the write itself
// never fails.
func (s *Store) SaveHistory(ctx context.Context, conversationID string, turns []Turn) {
	if len(turns) > s.config.MaxTurns {
		turns = turns[len(turns)-s.config.MaxTurns:]
	}

	data, err := json.Marshal(turns)
	if err != nil {
		s.logger.Error("Failed to marshal history",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}

	key := historyKey(conversationID)
	if s.redisUsable() {
		err := s.client.Set(ctx, key, data, s.config.TTL).Err()
		if err == nil {
			return
		}
		s.logger.Warn("Redis history write failed, using fallback",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}

	s.fallbackSet(key, data)
}

// AddTurn appends one turn and persists the trimmed history
func (s *Store) AddTurn(ctx context.Context, conversationID, role, content string) {
	history := s.GetHistory(ctx, conversationID)
	history = append(history, Turn{Role: role, Content: content, Timestamp: time.Now().UTC()})
	s.SaveHistory(ctx, conversationID, history)
}

// HealthCheck pings Redis with a bounded timeout. Fallback-only operation
// reports degraded.
func (s *Store) HealthCheck(ctx context.Context) Health {
	s.mu.Lock()
	entries := len(s.fallback)
	s.mu.Unlock()

	health := Health{
		Status:          StatusDegraded,
		RedisConnected:  false,
		FallbackEntries: entries,
	}

	if s.client == nil {
		return health
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err == nil {
		health.Status = StatusHealthy
		health.RedisConnected = true
	}
	return health
}

// Close stops the sweeper. The Redis client is owned by the caller.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopSweeper) })
	return nil
}

// RedisWrapper exposes the underlying wrapper for health registration
func (s *Store) RedisWrapper() *circuitbreaker.RedisWrapper {
	return s.client
}

func (s *Store) redisUsable() bool {
	return s.client != nil && !s.client.IsCircuitBreakerOpen()
}

func (s *Store) fallbackGet(conversationID, key string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.fallback[key]
	if !ok {
		metrics.HistoryCacheMisses.Inc()
		return []Turn{}
	}

	entry := elem.Value.(*fallbackEntry)
	if time.Since(entry.storedAt) >= s.config.TTL {
		s.removeLocked(elem)
		metrics.HistoryCacheMisses.Inc()
		return []Turn{}
	}

	var turns []Turn
	if err := json.Unmarshal(entry.serialized, &turns); err != nil {
		s.logger.Warn("Corrupted fallback history entry, deleting",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		s.removeLocked(elem)
		metrics.HistoryCacheMisses.Inc()
		return []Turn{}
	}

	s.order.MoveToFront(elem)
	metrics.HistoryCacheHits.Inc()
	return turns
}

func (s *Store) fallbackSet(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.fallback[key]; ok {
		entry := elem.Value.(*fallbackEntry)
		entry.serialized = data
		entry.storedAt = time.Now()
		s.order.MoveToFront(elem)
	} else {
		elem := s.order.PushFront(&fallbackEntry{
			key:        key,
			serialized: data,
			storedAt:   time.Now(),
		})
		s.fallback[key] = elem
	}

	for len(s.fallback) > s.config.MaxFallbackEntries {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.removeLocked(oldest)
		metrics.HistoryCacheEvictions.Inc()
	}
	metrics.HistoryCacheSize.Set(float64(len(s.fallback)))
}

// removeLocked drops one entry. Callers must hold s.mu.
func (s *Store) removeLocked(elem *list.Element) {
	entry := elem.Value.(*fallbackEntry)
	s.order.Remove(elem)
	delete(s.fallback, entry.key)
	metrics.HistoryCacheSize.Set(float64(len(s.fallback)))
}

func (s *Store) sweeper() {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.stopSweeper:
			return
		}
	}
}

func (s *Store) sweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for elem := s.order.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*fallbackEntry)
		if time.Since(entry.storedAt) >= s.config.TTL {
			s.removeLocked(elem)
			removed++
		}
		elem = prev
	}
	if removed > 0 {
		s.logger.Debug("Swept expired fallback history entries",
			zap.Int("count", removed))
	}
}

func historyKey(conversationID string) string {
	return fmt.Sprintf("history:%s", conversationID)
}
