package cache

import (
	"sync"
)

// TensorCache defines a generic interface for caching decoded tensor values.
// Keys are "shardPath#tensorName" so two models sharing tensor names never
// collide.
type TensorCache interface {
	// Get retrieves decoded values from the cache.
	Get(key string) ([]float64, bool)
	// Put stores decoded values in the cache.
	Put(key string, values []float64)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of TensorCache.
type MapCache struct {
	data map[string][]float64
	mu   sync.RWMutex
}

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[string][]float64),
	}
}

func (c *MapCache) Get(key string) ([]float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	if v, ok := c.data[key]; ok {
		dst := make([]float64, len(v))
		copy(dst, v)
		return dst, true
	}
	return nil, false
}

func (c *MapCache) Put(key string, values []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Store copy
	dst := make([]float64, len(values))
	copy(dst, values)
	c.data[key] = dst
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
