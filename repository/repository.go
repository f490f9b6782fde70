package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mohammad-safakhou/dashforge/config"
	"github.com/mohammad-safakhou/dashforge/repository/redis_repository"
)

// CatalogCache stores fetched API catalog text keyed by source.
type CatalogCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type RepoType string

const (
	RepoTypeRedis  RepoType = "redis"
	RepoTypeMemory RepoType = "memory"
)

// NewCatalogCache returns a Redis-backed cache when t is redis, otherwise an
// in-process one.
func NewCatalogCache(ctx context.Context, t RepoType, cfg config.RedisConfig) (CatalogCache, error) {
	switch t {
	case RepoTypeRedis:
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		c, err := redis_repository.Conn(ctx, cfg.Addr(), cfg.Password, cfg.DB, timeout)
		if err != nil {
			return nil, err
		}
		return redis_repository.NewRedisCatalogRepository(c), nil
	case RepoTypeMemory, "":
		return NewMemoryCatalogCache(), nil
	}
	return nil, fmt.Errorf("invalid repository type: %s", t)
}

type memoryEntry struct {
	value   string
	expires time.Time
}

type memoryCatalogCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCatalogCache() *memoryCatalogCache {
	return &memoryCatalogCache{entries: map[string]memoryEntry{}, now: time.Now}
}

func (m *memoryCatalogCache) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && m.now().After(e.expires) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *memoryCatalogCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}
