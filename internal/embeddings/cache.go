package embeddings

import (
	"container/list"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// Cache provides LRU caching for embeddings with TTL support. Resolving the
// same textual value repeatedly is the common case, so cache hits save one
// provider round trip per candidate search.
type Cache struct {
	mu      sync.Mutex
	cache   map[string]*cacheEntry
	lruList *list.List
	maxSize int
	ttl     time.Duration
	hits    int64
	misses  int64
}

type cacheEntry struct {
	key       string
	value     []float32
	element   *list.Element
	createdAt time.Time
}

// NewCache creates a new LRU cache with TTL
func NewCache(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{
		cache:   make(map[string]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get retrieves an embedding from cache
func (c *Cache) Get(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := hashKey(text)
	entry, exists := c.cache[key]
	if !exists {
		c.misses++
		return nil, false
	}
	if time.Since(entry.createdAt) > c.ttl {
		c.remove(entry)
		c.misses++
		return nil, false
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++

	result := make([]float32, len(entry.value))
	copy(result, entry.value)
	return result, true
}

// Set stores an embedding in cache
func (c *Cache) Set(text string, embedding []float32) {
	if len(embedding) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := hashKey(text)
	now := time.Now()

	if entry, exists := c.cache[key]; exists {
		entry.value = append(entry.value[:0], embedding...)
		entry.createdAt = now
		c.lruList.MoveToFront(entry.element)
		return
	}

	entry := &cacheEntry{
		key:       key,
		value:     append([]float32(nil), embedding...),
		createdAt: now,
	}
	entry.element = c.lruList.PushFront(entry)
	c.cache[key] = entry

	for c.lruList.Len() > c.maxSize {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(*cacheEntry))
	}
}

func (c *Cache) remove(entry *cacheEntry) {
	c.lruList.Remove(entry.element)
	delete(c.cache, entry.key)
}

// HitRate returns the fraction of lookups served from cache.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

func hashKey(text string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(text)))
}
