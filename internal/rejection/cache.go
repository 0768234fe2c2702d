// Package rejection remembers URLs that were recently blocked or failed so the
// crawl loop does not attempt them again.
package rejection

import (
	"container/list"
	"sync"
)

// slack is how far the cache may grow past its length before it is trimmed,
// and how far below its length it is trimmed to.
const slack = 100

// Cache is an ordered set with batched eviction. Re-hits move an entry to the
// tail; when the set reaches length+slack it is cut to its newest length-slack
// entries. It is not an exact LRU.
type Cache[T comparable] struct {
	mu     sync.Mutex
	length int
	order  *list.List
	items  map[T]*list.Element
}

// New returns an empty cache bounded by length.
func New[T comparable](length int) *Cache[T] {
	if length < 0 {
		length = 0
	}
	return &Cache[T]{
		length: length,
		order:  list.New(),
		items:  make(map[T]*list.Element),
	}
}

// Check reports whether item was rejected before. A hit is promoted to the
// tail to delay its eviction.
func (c *Cache[T]) Check(item T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[item]
	if !ok {
		return false
	}
	c.order.MoveToBack(el)
	return true
}

// Add records item as rejected.
func (c *Cache[T]) Add(item T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[item]; ok {
		c.order.MoveToBack(el)
		return
	}
	c.items[item] = c.order.PushBack(item)
	if c.order.Len() >= c.length+slack {
		c.trim()
	}
}

// Len returns the number of remembered items.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Reset forgets everything.
func (c *Cache[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.items)
}

func (c *Cache[T]) trim() {
	keep := max(c.length-slack, 0)
	for c.order.Len() > keep {
		front := c.order.Front()
		c.order.Remove(front)
		delete(c.items, front.Value.(T))
	}
}
