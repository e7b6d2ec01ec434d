package memory

import (
	"container/list"
	"sync"
	"time"
)

// searchCache is a thread-safe, TTL-based, size-limited cache for
// search results. Insertion order is tracked with a doubly-linked list
// so eviction at capacity is O(1). Staleness up to the TTL is accepted;
// writes invalidate the owning user's entries to shorten the window.
type searchCache struct {
	mu      sync.RWMutex
	items   map[string]*searchCacheEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

type searchCacheEntry struct {
	userID    string
	entries   []Entry
	timestamp time.Time
	element   *list.Element
}

func newSearchCache(ttl time.Duration, maxSize int) *searchCache {
	c := &searchCache{
		items:   make(map[string]*searchCacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the cached result for a key, or a miss if absent or
// expired.
func (c *searchCache) Get(key string) ([]Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok || time.Since(e.timestamp) >= c.ttl {
		return nil, false
	}
	return e.entries, true
}

// Put stores a result set. Empty result sets are never cached: a
// transient miss must not mask facts that arrive before the TTL lapses.
func (c *searchCache) Put(key, userID string, entries []Entry) {
	if len(entries) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.items[key]; exists {
		e.entries = entries
		e.timestamp = time.Now()
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.items) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.items[key] = &searchCacheEntry{
		userID:    userID,
		entries:   entries,
		timestamp: time.Now(),
		element:   elem,
	}
}

// InvalidateUser drops every cached result belonging to a user. Called
// after a write so new facts show up without waiting out the TTL.
func (c *searchCache) InvalidateUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.items {
		if e.userID == userID {
			c.order.Remove(e.element)
			delete(c.items, key)
		}
	}
}

// Clear drops everything.
func (c *searchCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*searchCacheEntry)
	c.order.Init()
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *searchCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.items, key)
}

func (c *searchCache) cleanup() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *searchCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		key, _ := elem.Value.(string)
		if e, ok := c.items[key]; ok && time.Since(e.timestamp) >= c.ttl {
			c.order.Remove(elem)
			delete(c.items, key)
		}
		elem = next
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *searchCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
