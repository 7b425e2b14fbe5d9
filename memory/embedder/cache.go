package embedder

import (
	"container/list"
	"sync"
)

// DefaultCacheSize bounds a Cache created with a non-positive size.
const DefaultCacheSize = 100

// Cache is a bounded embedding cache keyed by exact text. When full, the
// oldest inserted entry is evicted; reads do not refresh position.
type Cache struct {
	mu      sync.Mutex
	size    int
	order   *list.List
	entries map[string]*list.Element
}

type cacheEntry struct {
	text string
	vec  []float32
}

// NewCache creates a cache holding at most size entries.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{
		size:    size,
		order:   list.New(),
		entries: make(map[string]*list.Element, size),
	}
}

// Get returns the cached vector for text.
func (c *Cache) Get(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[text]
	if !ok {
		return nil, false
	}
	return el.Value.(*cacheEntry).vec, true
}

// Put stores vec for text, evicting the oldest entry when at the bound.
// Re-putting an existing text replaces its vector in place.
func (c *Cache) Put(text string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[text]; ok {
		el.Value.(*cacheEntry).vec = vec
		return
	}
	if c.order.Len() >= c.size {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).text)
	}
	c.entries[text] = c.order.PushBack(&cacheEntry{text: text, vec: vec})
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Reset drops every entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.size)
}
