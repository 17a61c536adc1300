package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Entry is a cached value.
type Entry struct {
	Data      []byte
	ExpiresAt time.Time
}

// IsExpired checks if the entry has expired.
func (e *Entry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Cache holds decrypted values keyed by namespace and an opaque key.
// Callers must never use plaintext identifiers as keys.
type Cache interface {
	// Get retrieves a cached value.
	Get(ctx context.Context, namespace, key string) (*Entry, bool)

	// Set stores a value. A zero ttl uses the cache default.
	Set(ctx context.Context, namespace, key string, data []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, namespace, key string) error

	// Clear removes every value.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() Stats
}

// Stats holds cache statistics.
type Stats struct {
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

type item struct {
	key   string
	entry *Entry
}

// memoryCache is a size- and count-bounded LRU.
type memoryCache struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // front is most recently used
	size     int64
	maxSize  int64
	maxItems int
	ttl      time.Duration
	stats    Stats
	now      func() time.Time
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache(maxSize int64, maxItems int, defaultTTL time.Duration) Cache {
	return &memoryCache{
		items:    make(map[string]*list.Element),
		order:    list.New(),
		maxSize:  maxSize,
		maxItems: maxItems,
		ttl:      defaultTTL,
		now:      time.Now,
	}
}

func cacheKey(namespace, key string) string {
	return namespace + "\x00" + key
}

// Get retrieves a cached value.
func (c *memoryCache) Get(_ context.Context, namespace, key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[cacheKey(namespace, key)]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	it := el.Value.(*item)
	if it.entry.IsExpired(c.now()) {
		c.removeLocked(el)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.stats.Hits++
	return &Entry{Data: append([]byte(nil), it.entry.Data...), ExpiresAt: it.entry.ExpiresAt}, true
}

// Set stores a value, evicting least recently used entries to make room.
func (c *memoryCache) Set(_ context.Context, namespace, key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	size := int64(len(data))
	if size > c.maxSize {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey(namespace, key)
	if el, ok := c.items[k]; ok {
		c.removeLocked(el)
	}

	for c.order.Len() > 0 && (c.size+size > c.maxSize || c.order.Len() >= c.maxItems) {
		c.removeLocked(c.order.Back())
		c.stats.Evictions++
	}

	entry := &Entry{
		Data:      append([]byte(nil), data...),
		ExpiresAt: c.now().Add(ttl),
	}
	c.items[k] = c.order.PushFront(&item{key: k, entry: entry})
	c.size += size
	return nil
}

// Delete removes a value.
func (c *memoryCache) Delete(_ context.Context, namespace, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[cacheKey(namespace, key)]; ok {
		c.removeLocked(el)
	}
	return nil
}

// Clear removes every value and resets statistics.
func (c *memoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; el = el.Next() {
		zero(el.Value.(*item).entry.Data)
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
	c.stats = Stats{}
	return nil
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.size
	stats.Items = c.order.Len()
	return stats
}

// removeLocked drops el and wipes its data (must be called with lock held).
func (c *memoryCache) removeLocked(el *list.Element) {
	it := c.order.Remove(el).(*item)
	delete(c.items, it.key)
	c.size -= int64(len(it.entry.Data))
	zero(it.entry.Data)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
