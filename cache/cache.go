// Package cache implements a capacity-bounded, TTL-expiring in-memory cache.
//
// Entries older than their TTL are never returned. When the cache is full, an
// insert first drops every expired entry and, if still full, the entry that
// was inserted longest ago.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// DefaultCapacity and DefaultTTL apply when New is given non-positive values.
const (
	DefaultCapacity = 200
	DefaultTTL      = 2 * time.Minute
)

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = oldest insert
	items    map[string]*list.Element
	now      func() time.Time
}

// New creates a cache holding at most capacity entries with the given default TTL.
func New[V any](capacity int, ttl time.Duration) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[V]{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

// WithClock replaces the time source (tests).
func (c *Cache[V]) WithClock(now func() time.Time) *Cache[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// Get returns the value for key. Expired entries are evicted and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	if !c.now().Before(e.expiresAt) {
		c.removeElement(el)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key. ttl <= 0 uses the cache default. Re-setting a key
// refreshes its value, expiry and insertion position.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.expiresAt = now.Add(ttl)
		c.order.MoveToBack(el)
		return
	}
	if len(c.items) >= c.capacity {
		c.evictExpired(now)
	}
	for len(c.items) >= c.capacity {
		c.removeElement(c.order.Front())
	}
	c.items[key] = c.order.PushBack(&entry[V]{key: key, value: value, expiresAt: now.Add(ttl)})
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Len returns the number of stored entries, expired ones included until they are evicted.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element, c.capacity)
}

func (c *Cache[V]) evictExpired(now time.Time) {
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*entry[V]).expiresAt) {
			c.removeElement(el)
		}
		el = next
	}
}

func (c *Cache[V]) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry[V]).key)
}
