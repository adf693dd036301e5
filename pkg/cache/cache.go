// Package cache implements the Response Cache (C5): a bounded, per-key-TTL
// LRU with single-flight coalescing (spec.md §4.4). Grounded on the
// teacher's pkg/api/idempotency.go (MemoryIdempotencyStore's key->entry +
// background sweep shape), generalized from a fixed-TTL idempotency replay
// store to a bounded LRU with a per-key TTL and singleflight, per
// golang.org/x/sync.
package cache

import (
	"container/list"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/sync/singleflight"
)

// Entry is a stored response (spec.md §3).
type Entry struct {
	Status        int
	Body          []byte
	HeadersSubset map[string]string
	StoredAt      time.Time
	TTL           time.Duration
}

// Expired reports whether the entry is stale as of now.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.StoredAt.Add(e.TTL))
}

type node struct {
	key   string
	entry Entry
}

// Cache is a bounded LRU keyed by an opaque string, with single-flight
// coalescing of concurrent misses for the same key.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used

	group singleflight.Group

	hits   uint64
	misses uint64
}

// New builds a Cache with the given bounded capacity.
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns a live (non-expired) entry for key, if present.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return Entry{}, false
	}
	n := el.Value.(*node)
	if n.entry.Expired(time.Now()) {
		c.order.Remove(el)
		delete(c.items, key)
		c.misses++
		return Entry{}, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return n.entry, true
}

// Set stores entry under key, evicting the least-recently-used item if the
// cache is at capacity.
func (c *Cache) Set(key string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*node).entry = entry
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&node{key: key, entry: entry})
	c.items[key] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*node).key)
	}
}

// Delete removes key, if present. Used to undo a GetOrLoad store for an
// outcome that turned out not to be cacheable (e.g. an upstream 5xx).
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Stats returns cumulative hit/miss counts for metrics export.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// GetOrLoad returns a cached entry for key, or calls load exactly once
// across concurrent callers sharing the same key (single-flight), storing
// the result before returning it.
func (c *Cache) GetOrLoad(key string, ttl time.Duration, load func() (Entry, error)) (Entry, error) {
	if entry, ok := c.Get(key); ok {
		return entry, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check: another goroutine may have populated the cache while
		// we queued for the singleflight group lock.
		if entry, ok := c.Get(key); ok {
			return entry, nil
		}
		entry, err := load()
		if err != nil {
			return Entry{}, err
		}
		entry.StoredAt = time.Now()
		entry.TTL = ttl
		c.Set(key, entry)
		return entry, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// Key computes the stable cache key for (agent_id, tool, action, params),
// using RFC 8785 JCS canonicalization of params so key order never affects
// the key (spec.md §3).
func Key(agentID, tool, action string, params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("cache: marshal params: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("cache: jcs transform: %w", err)
	}
	return fmt.Sprintf("%s|%s|%s|%s", agentID, tool, action, canon), nil
}

// Sweep evicts all expired entries, bounding long-tail memory growth for
// entries whose key is never looked up again (the housekeeping scheduler
// calls this periodically).
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		n := el.Value.(*node)
		if n.entry.Expired(now) {
			c.order.Remove(el)
			delete(c.items, n.key)
			removed++
		}
		el = next
	}
	return removed
}
