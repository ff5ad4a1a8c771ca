package cache

import (
	"sync"
	"time"
)

// TTL is a simple in-memory cache with TTL keyed by string.
type TTL[V any] struct {
	mu    sync.RWMutex
	items map[string]item[V]
	ttl   time.Duration
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

type item[V any] struct {
	val V
	exp time.Time
}

// New returns a new TTL cache with the given duration. After duration, entries expire.
func New[V any](ttl time.Duration) *TTL[V] {
	c := &TTL[V]{items: make(map[string]item[V]), ttl: ttl, now: time.Now, stop: make(chan struct{})}
	go c.cleanup()
	return c
}

func (c *TTL[V]) cleanup() {
	tick := time.NewTicker(c.ttl / 2)
	defer tick.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-tick.C:
		}
		c.mu.Lock()
		now := c.now()
		for k, v := range c.items {
			if v.exp.Before(now) {
				delete(c.items, k)
			}
		}
		c.mu.Unlock()
	}
}

// Close stops the cleanup goroutine.
func (c *TTL[V]) Close() {
	c.once.Do(func() { close(c.stop) })
}

// Get returns the value for key if present and not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || it.exp.Before(c.now()) {
		var zero V
		return zero, false
	}
	return it.val, true
}

// Set stores the value for key with the cache TTL.
func (c *TTL[V]) Set(key string, value V) {
	exp := c.now().Add(c.ttl)
	c.mu.Lock()
	c.items[key] = item[V]{val: value, exp: exp}
	c.mu.Unlock()
}

// Delete removes the key.
func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}
