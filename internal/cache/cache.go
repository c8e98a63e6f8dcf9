package cache

import (
	"sync"
)

// Cache defines a keyed store of lazily built values.
type Cache[K comparable, V any] interface {
	// Get retrieves a value from the cache.
	Get(key K) (V, bool)
	// GetOrCreate returns the cached value for key, building it with create on a miss.
	GetOrCreate(key K, create func() (V, error)) (V, error)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of Cache. Values are stored
// as-is; callers that hand out mutable values own their synchronization.
type MapCache[K comparable, V any] struct {
	data map[K]V
	mu   sync.RWMutex
}

func NewMapCache[K comparable, V any]() *MapCache[K, V] {
	return &MapCache[K, V]{
		data: make(map[K]V),
	}
}

func (c *MapCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.data[key]
	return v, ok
}

// GetOrCreate holds the write lock while create runs, so concurrent callers
// for the same key build the value once.
func (c *MapCache[K, V]) GetOrCreate(key K, create func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.data[key]; ok {
		return v, nil
	}
	v, err := create()
	if err != nil {
		var zero V
		return zero, err
	}
	c.data[key] = v
	return v, nil
}

func (c *MapCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Drain removes every entry, passing each value to fn.
func (c *MapCache[K, V]) Drain(fn func(K, V)) {
	c.mu.Lock()
	data := c.data
	c.data = make(map[K]V)
	c.mu.Unlock()

	for k, v := range data {
		fn(k, v)
	}
}
