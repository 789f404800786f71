// ABOUTME: TTL'd, size-bounded memory of completed correlation ids
// ABOUTME: classifies redeliveries as duplicates instead of foreign responses

package correlate

import (
	"container/list"
	"sync"
	"time"
)

type seenItem struct {
	at      time.Time
	element *list.Element
}

// seenCache remembers recently completed correlation ids. Insertion
// order lives in a linked list so capacity eviction is O(1); expiry is
// pruned by the registry's sweeper rather than a goroutine of its own.
type seenCache struct {
	mu    sync.Mutex
	items map[string]*seenItem
	order *list.List
	ttl   time.Duration
	cap   int
}

func newSeenCache(ttl time.Duration, capacity int) *seenCache {
	return &seenCache{
		items: make(map[string]*seenItem),
		order: list.New(),
		ttl:   ttl,
		cap:   capacity,
	}
}

func (c *seenCache) mark(id string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[id]; ok {
		it.at = now
		c.order.MoveToBack(it.element)
		return
	}
	if len(c.items) >= c.cap {
		front := c.order.Front()
		if front != nil {
			c.order.Remove(front)
			delete(c.items, front.Value.(string))
		}
	}
	c.items[id] = &seenItem{at: now, element: c.order.PushBack(id)}
}

func (c *seenCache) check(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[id]
	return ok && now.Sub(it.at) < c.ttl
}

func (c *seenCache) prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Full walk: re-marking moves items to the back, so age is not
	// strictly front-to-back. The list is capacity-bounded anyway.
	for front := c.order.Front(); front != nil; {
		id := front.Value.(string)
		next := front.Next()
		if now.Sub(c.items[id].at) >= c.ttl {
			c.order.Remove(front)
			delete(c.items, id)
		}
		front = next
	}
}
