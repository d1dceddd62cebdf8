// Package cache is a bounded, expiring memo cache. One instance is built per
// process and passed to the components that need it.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Defaults for New.
const (
	DefaultSize = 256
	DefaultTTL  = 15 * time.Minute
)

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Cache holds at most size entries. When full, the oldest insertion is
// evicted; entries older than ttl are never returned and are removed by
// Sweep. Concurrent loads of one key share a single call.
type Cache[V any] struct {
	size int
	ttl  time.Duration
	now  func() time.Time

	mu    sync.Mutex
	order *list.List // front is oldest
	items map[string]*list.Element

	group singleflight.Group
}

// New creates a cache. Non-positive arguments take the defaults.
func New[V any](size int, ttl time.Duration) *Cache[V] {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[V]{
		size:  size,
		ttl:   ttl,
		now:   time.Now,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// Get returns the live value for key.
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
		c.removeLocked(el)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, replacing any previous value. A replaced key
// counts as a fresh insertion for eviction order.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	for c.order.Len() >= c.size {
		c.removeLocked(c.order.Front())
	}
	c.items[key] = c.order.PushBack(&entry[V]{key: key, value: value, expiresAt: c.now().Add(c.ttl)})
}

// GetOrLoad returns the cached value or calls load once for all concurrent
// callers of the same key, caching a successful result.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	res, err, _ := c.group.Do(key, func() (interface{}, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.Set(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*entry[V]).expiresAt) {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

// Run sweeps on interval until ctx is cancelled.
func (c *Cache[V]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache[V]) removeLocked(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry[V]).key)
}
