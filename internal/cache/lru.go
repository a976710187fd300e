package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRU is a recency-ordered cache with a single TTL shared by every entry.
// It backs the fixed-TTL specializations (prices, transactions).
type LRU[K comparable, V any] struct {
	mu       sync.RWMutex
	capacity int
	ttl      time.Duration
	items    map[K]*list.Element
	order    *list.List
	nowFn    func() time.Time

	hits   int64
	misses int64
}

type lruEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// NewLRU creates an LRU holding at most capacity entries for ttl each.
func NewLRU[K comparable, V any](capacity int, ttl time.Duration) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
		nowFn:    time.Now,
	}
}

// Get returns the value for key if present and younger than the TTL.
// An entry is stale from the instant its age reaches the TTL.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}

	e := elem.Value.(*lruEntry[K, V])
	if !c.nowFn().Before(e.expiresAt) {
		c.removeElement(elem)
		c.misses++
		var zero V
		return zero, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return e.value, true
}

// Put adds or replaces a value and restarts its TTL.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.nowFn().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		e := elem.Value.(*lruEntry[K, V])
		e.value = value
		e.expiresAt = expiresAt
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictOldest()
	}

	elem := c.order.PushFront(&lruEntry[K, V]{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = elem
}

// Delete removes key and reports whether it was present.
func (c *LRU[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// DeleteFunc removes every entry for which match returns true and returns
// the number removed.
func (c *LRU[K, V]) DeleteFunc(match func(K, V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*lruEntry[K, V])
		if match(e.key, e.value) {
			c.removeElement(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// Purge drops every entry. Hit/miss counters are kept.
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element, c.capacity)
	c.order.Init()
}

// Len returns the number of entries, including expired ones not yet touched.
func (c *LRU[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Stats returns hit and miss counts.
func (c *LRU[K, V]) Stats() (hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

func (c *LRU[K, V]) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	c.removeElement(elem)
}

func (c *LRU[K, V]) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	e := elem.Value.(*lruEntry[K, V])
	delete(c.items, e.key)
}
