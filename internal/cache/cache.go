// Package cache implements the process-wide, namespace-scoped cache
// capability exposed to rules: an LRU eviction policy with a per-entry
// TTL, advisory only — nothing in the system depends on a cache hit for
// correctness.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry is the value stored in the backing list; key is duplicated here
// so eviction can remove the corresponding map entry in O(1).
type entry struct {
	namespace string
	key       string
	value     []byte
	expiresAt time.Time
}

// Cache is a single process-local LRU keyed by (namespace, key), where
// namespace is always the calling module's filename so one rule can
// never read or evict another's entries.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
	now      func() time.Time
}

// New constructs a Cache bounded at capacity entries across all
// namespaces combined. capacity <= 0 defaults to 1024.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

func compositeKey(namespace, key string) string {
	return namespace + "\x00" + key
}

// Put inserts or replaces a value under (namespace, key), marking it
// most-recently-used. ttl <= 0 means the entry never expires on its
// own, though it may still be evicted under capacity pressure.
func (c *Cache) Put(namespace, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ck := compositeKey(namespace, key)
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	if el, ok := c.items[ck]; ok {
		c.ll.MoveToFront(el)
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = expiresAt
		return
	}

	e := &entry{namespace: namespace, key: key, value: value, expiresAt: expiresAt}
	el := c.ll.PushFront(e)
	c.items[ck] = el

	if c.ll.Len() > c.capacity {
		c.evictOldest()
	}
}

// Get returns the cached value and true if present and unexpired.
// A miss or an expired entry both return (nil, false); the caller
// cannot distinguish them, matching the capability's "Empty" return.
func (c *Cache) Get(namespace, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ck := compositeKey(namespace, key)
	el, ok := c.items[ck]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.removeElement(el)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return e.value, true
}

// Len reports the number of entries currently held, including any that
// are expired but not yet evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) evictOldest() {
	el := c.ll.Back()
	if el != nil {
		c.removeElement(el)
	}
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.items, compositeKey(e.namespace, e.key))
	c.ll.Remove(el)
}
