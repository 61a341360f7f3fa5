// Package cache provides the fixed-capacity LRU map every stateful tracker
// in this process is built on. Long-lived processes handling many short-lived
// connections must not grow unbounded; capacity is fixed at construction and
// the least-recently-used entry is evicted before each insert at capacity.
package cache

import (
	"container/list"
	"sync"
)

type entry struct {
	key   string
	value interface{}
}

// EvictFunc is invoked after an entry is evicted to make room for an insert.
// It runs outside the cache lock holder's control but inside the Set call.
type EvictFunc func(key string, value interface{})

// LRU is a mutex-guarded strict-LRU bounded map. Get promotes the entry to
// most recently used.
type LRU struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	items    map[string]*list.Element
	onEvict  EvictFunc
}

// NewLRU creates a cache holding at most capacity entries. A capacity below
// one is clamped to one.
func NewLRU(capacity int) *LRU {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// OnEvict registers a callback fired for capacity evictions (not for
// explicit Delete calls).
func (c *LRU) OnEvict(fn EvictFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// Get returns the value for key and promotes it to most recently used.
func (c *LRU) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Set inserts or replaces the value for key, evicting the least-recently-used
// entry first when at capacity.
func (c *LRU) Set(key string, value interface{}) {
	c.mu.Lock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry).value = value
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return
	}

	var evicted *entry
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			evicted = oldest.Value.(*entry)
			c.order.Remove(oldest)
			delete(c.items, evicted.key)
		}
	}

	el := c.order.PushFront(&entry{key: key, value: value})
	c.items[key] = el
	onEvict := c.onEvict
	c.mu.Unlock()

	if evicted != nil && onEvict != nil {
		onEvict(evicted.key, evicted.value)
	}
}

// Delete removes key if present.
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Len returns the current entry count.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns a snapshot of all keys, most recently used first. Used by
// the periodic sweeps; iteration does not promote entries.
func (c *LRU) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}
	return keys
}

// Peek returns the value for key without promoting it. Sweeps use this so a
// scan does not perturb eviction order.
func (c *LRU) Peek(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry).value, true
}
