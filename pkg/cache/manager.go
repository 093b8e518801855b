package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

const (
	// DefaultSize is the default number of documents kept in memory.
	DefaultSize = 256

	// DefaultTTL is how long metadata is trusted before it is fetched again.
	DefaultTTL = time.Hour
)

// Config holds cache manager configuration.
type Config struct {
	// Redis enables the shared tier when non-nil.
	Redis *redis.Client

	// Size is the capacity of the in-memory tier.
	Size int

	// TTL is the lifetime of every entry.
	TTL time.Duration
}

// DefaultConfig returns an in-memory only configuration.
func DefaultConfig() Config {
	return Config{
		Size: DefaultSize,
		TTL:  DefaultTTL,
	}
}

// Manager handles metadata caching across the memory and Redis tiers.
type Manager struct {
	local *lru.Cache[string, *CacheEntry]
	redis *redis.Client
	ttl   time.Duration
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	local, err := lru.New[string, *CacheEntry](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}

	return &Manager{
		local: local,
		redis: cfg.Redis,
		ttl:   cfg.TTL,
	}, nil
}

// TTL returns the lifetime given to new entries.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or the entry is expired.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	cacheKey := key.String()

	if entry, ok := m.local.Get(cacheKey); ok {
		if !entry.IsExpired() {
			CacheHits.WithLabelValues("memory").Inc()
			return entry, nil
		}
		m.local.Remove(cacheKey)
		CacheEntries.Set(float64(m.local.Len()))
	}

	if m.redis == nil {
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	data, err := m.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues("redis").Inc()
	m.add(cacheKey, &entry)

	return &entry, nil
}

// Set stores data under key in both tiers with the manager's TTL.
func (m *Manager) Set(ctx context.Context, key CacheKey, data []byte) error {
	return m.SetEntry(ctx, key, NewEntry(data, m.ttl))
}

// SetEntry stores a prepared entry. Expired entries are ignored.
func (m *Manager) SetEntry(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}

	cacheKey := key.String()
	m.add(cacheKey, entry)

	if m.redis == nil {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, cacheKey, data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheWrittenBytes.Add(float64(len(data)))

	return nil
}

func (m *Manager) add(key string, entry *CacheEntry) {
	if m.local.Add(key, entry) {
		CacheEvictions.Inc()
	}
	CacheEntries.Set(float64(m.local.Len()))
}

// Delete removes a cache entry from both tiers.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	cacheKey := key.String()
	m.local.Remove(cacheKey)
	CacheEntries.Set(float64(m.local.Len()))

	if m.redis == nil {
		return nil
	}

	if err := m.redis.Del(ctx, cacheKey).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}

// Purge empties the in-memory tier. The shared tier is left to its TTLs.
func (m *Manager) Purge() {
	m.local.Purge()
	CacheEntries.Set(0)
}
