package channels

import "sync"

// SeenCache remembers recently processed platform message IDs so webhook
// and WebSocket redeliveries are dropped. Oldest entries are evicted
// first once the cap is reached.
type SeenCache struct {
	mu    sync.Mutex
	cap   int
	seen  map[string]bool
	order []string
}

func NewSeenCache(capacity int) *SeenCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &SeenCache{
		cap:  capacity,
		seen: make(map[string]bool, capacity),
	}
}

// Seen marks the ID as processed and reports whether it was already seen.
func (c *SeenCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seen[id] {
		return true
	}
	c.seen[id] = true
	c.order = append(c.order, id)
	if len(c.order) > c.cap {
		evict := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, evict)
	}
	return false
}
