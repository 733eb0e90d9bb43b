package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/catalog-ingest/pkg/clock"
)

var (
	// ErrMiss indicates the key is not stored.
	ErrMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates a stored entry could not be decoded.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// DefaultRetention is how long a stale entry is kept for revalidation.
const DefaultRetention = time.Hour

// Store persists entries. Get returns stale entries too; callers decide with
// Entry.Fresh whether to revalidate.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry *Entry) error
	Delete(ctx context.Context, key string) error
}

// RedisStore keeps entries as JSON strings with a TTL of the entry's
// remaining freshness plus the retention window.
type RedisStore struct {
	redis     redis.Cmdable
	prefix    string
	retention time.Duration
	clock     clock.Clock
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.Cmdable, prefix string, clk clock.Clock) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "ingest"
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &RedisStore{
		redis:     client,
		prefix:    prefix + ":cache:",
		retention: DefaultRetention,
		clock:     clk,
	}
}

// Get retrieves an entry. Returns ErrMiss if the key doesn't exist.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := s.redis.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			Misses.WithLabelValues("redis").Inc()
			return nil, ErrMiss
		}
		Errors.WithLabelValues("redis", "get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		Errors.WithLabelValues("redis", "get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

// Set stores an entry.
func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		Errors.WithLabelValues("redis", "set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	ttl := entry.TTL(s.clock.Now()) + s.retention
	if err := s.redis.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		Errors.WithLabelValues("redis", "set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.prefix+key).Err(); err != nil {
		Errors.WithLabelValues("redis", "delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	retention time.Duration
	clock     clock.Clock
}

type memoryEntry struct {
	entry    Entry
	deadline time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{
		entries:   make(map[string]memoryEntry),
		retention: DefaultRetention,
		clock:     clk,
	}
}

// Get returns a copy of the stored entry.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	me, ok := s.entries[key]
	if !ok || !s.clock.Now().Before(me.deadline) {
		delete(s.entries, key)
		Misses.WithLabelValues("memory").Inc()
		return nil, ErrMiss
	}
	entry := me.entry
	entry.Body = append([]byte(nil), me.entry.Body...)
	return &entry, nil
}

// Set stores a copy of entry.
func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	now := s.clock.Now()
	stored := *entry
	stored.Body = append([]byte(nil), entry.Body...)

	s.mu.Lock()
	s.entries[key] = memoryEntry{entry: stored, deadline: now.Add(entry.TTL(now) + s.retention)}
	s.mu.Unlock()
	return nil
}

// Delete removes an entry.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}
