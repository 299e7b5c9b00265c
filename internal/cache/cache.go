package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kubilitics/anomaly-hunter/internal/metrics"
)

// Package cache provides bounded in-memory caching of oracle responses.
//
// Responsibilities:
//   - Cache oracle assessments (exact prompt match, avoid redundant calls)
//   - Bound memory with LRU eviction
//   - Expire entries after a TTL
//   - Report hit/miss rates per cache type
//
// Cache Key Strategy:
//   - Model name + rendered prompt → sha256 hash
//   - Hash keeps keys fixed-size regardless of prompt length
//
// Integration Points:
//   - Oracle client (llm/provider/ollama): wraps Assess
//   - Metrics: anomaly_hunter_cache_{hits,misses}_total{cache_type}

const (
	DefaultSize = 512
	DefaultTTL  = 24 * time.Hour
)

// Cache is a size- and TTL-bounded LRU cache keyed by string.
type Cache[V any] struct {
	lru       *expirable.LRU[string, V]
	cacheType string
}

// New creates a cache. cacheType labels the hit/miss metrics.
func New[V any](cacheType string, size int, ttl time.Duration) *Cache[V] {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[V]{
		lru:       expirable.NewLRU[string, V](size, nil, ttl),
		cacheType: cacheType,
	}
}

// Get returns the cached value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		metrics.CacheHits.WithLabelValues(c.cacheType).Inc()
	} else {
		metrics.CacheMisses.WithLabelValues(c.cacheType).Inc()
	}
	return v, ok
}

// Add stores a value, evicting the least recently used entry when full.
func (c *Cache[V]) Add(key string, value V) {
	c.lru.Add(key, value)
}

// Remove drops a key.
func (c *Cache[V]) Remove(key string) {
	c.lru.Remove(key)
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Purge removes every entry.
func (c *Cache[V]) Purge() {
	c.lru.Purge()
}

// Key hashes its parts into a fixed-size cache key.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
