package ml

import (
	"container/list"
	"context"
	"sync"
)

// CacheMetrics is the interface for recording cache metrics.
// This allows the cache to be decoupled from the metrics package.
type CacheMetrics interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
	UpdateCacheSize(cacheType string, size int)
}

// VectorCache stores gallery vectors keyed by image fingerprint.
type VectorCache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32) error
	Close() error
}

// NoopCache never hits.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) ([]float32, bool, error) { return nil, false, nil }
func (NoopCache) Set(context.Context, string, []float32) error         { return nil }
func (NoopCache) Close() error                                         { return nil }

// MemoryCache is an in-process LRU vector cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	maxSize int
	metrics CacheMetrics
}

type memoryEntry struct {
	key string
	vec []float32
}

// NewMemoryCache creates a new LRU cache holding at most maxSize vectors.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}

	return &MemoryCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// SetMetrics sets the metrics recorder for this cache.
func (c *MemoryCache) SetMetrics(metrics CacheMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = metrics
}

// Get retrieves a vector from cache. The returned slice is a copy.
func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		if c.metrics != nil {
			c.metrics.RecordCacheMiss("memory")
		}
		return nil, false, nil
	}

	c.order.MoveToFront(el)
	if c.metrics != nil {
		c.metrics.RecordCacheHit("memory")
	}

	vec := el.Value.(*memoryEntry).vec
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, true, nil
}

// Set stores a vector in cache, evicting the least recently used entry when full.
func (c *MemoryCache) Set(_ context.Context, key string, vec []float32) error {
	stored := make([]float32, len(vec))
	copy(stored, vec)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*memoryEntry).vec = stored
		c.order.MoveToFront(el)
		return nil
	}

	for c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*memoryEntry).key)
	}

	c.entries[key] = c.order.PushFront(&memoryEntry{key: key, vec: stored})

	if c.metrics != nil {
		c.metrics.UpdateCacheSize("memory", len(c.entries))
	}
	return nil
}

// Size returns the current cache size.
func (c *MemoryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear clears the cache.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()

	if c.metrics != nil {
		c.metrics.UpdateCacheSize("memory", 0)
	}
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Size:    len(c.entries),
		MaxSize: c.maxSize,
	}
}

// Close is a no-op for the in-process cache.
func (c *MemoryCache) Close() error {
	return nil
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size    int `json:"size"`
	MaxSize int `json:"max_size"`
}
