// Package cache implements a short-lived key/value store whose entries expire once they
// have not been used for longer than the cache lifetime.
//
// Keys are made of one to three comparable parts (strings or numbers in practice), in the
// way a node's data is cached under (url, byte range).
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Infinite is the lifetime of entries that are never flushed, only cleared.
const Infinite time.Duration = 0

// Lifetime policies for common resources.
const (
	// GeometryLifetime is used for decoded or raw point data.
	GeometryLifetime = 15 * time.Minute
	// HierarchyLifetime is used for parsed hierarchy pages and documents.
	HierarchyLifetime = 15 * time.Minute
)

type key struct {
	parts [3]interface{}
	n     int
}

func makeKey(k1 interface{}, more []interface{}) key {
	if len(more) > 2 {
		panic(fmt.Sprintf("cache keys have at most 3 parts, got %d", len(more)+1))
	}
	k := key{n: len(more) + 1}
	k.parts[0] = k1
	copy(k.parts[1:], more)
	return k
}

type entry[V any] struct {
	value    V
	lastUsed time.Time
}

// Stats are the cumulative counters of a cache.
type Stats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	LastFlush time.Time
}

// Cache is a map whose values also store the last time they were used. It is safe for
// concurrent use.
type Cache[V any] struct {
	lifetime time.Duration
	clock    clock.Clock

	mu        sync.Mutex
	data      map[key]*entry[V]
	lastFlush time.Time
	hits      uint64
	misses    uint64
	evictions uint64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock sets the time source used to stamp entries.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// New returns an empty cache whose entries expire after lifetime without use. A lifetime
// of Infinite keeps entries until Delete or Clear.
func New[V any](lifetime time.Duration, opts ...Option) *Cache[V] {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[V]{
		lifetime:  lifetime,
		clock:     o.clock,
		data:      map[key]*entry[V]{},
		lastFlush: o.clock.Now(),
	}
}

// Lifetime returns the expiration time of entries.
func (c *Cache[V]) Lifetime() time.Duration {
	return c.lifetime
}

// Get returns the value stored under the given key parts and refreshes its last used time.
func (c *Cache[V]) Get(k1 interface{}, more ...interface{}) (V, bool) {
	k := makeKey(k1, more)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[k]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	e.lastUsed = c.clock.Now()
	return e.value, true
}

// Set adds or replaces the value stored under the given key parts and returns it.
func (c *Cache[V]) Set(value V, k1 interface{}, more ...interface{}) V {
	k := makeKey(k1, more)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[k] = &entry[V]{value: value, lastUsed: c.clock.Now()}
	return value
}

// Delete removes the entry stored under the given key parts, if any.
func (c *Cache[V]) Delete(k1 interface{}, more ...interface{}) {
	k := makeKey(k1, more)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, k)
}

// Clear removes every entry regardless of its lifetime.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = map[key]*entry[V]{}
}

// Flush removes the entries that have not been used since more than the cache lifetime
// before t. It returns the number of removed entries. A smaller t can be used to reduce
// the interval, Clear removes everything.
func (c *Cache[V]) Flush(t time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFlush = t
	if c.lifetime == Infinite {
		return 0
	}
	removed := 0
	for k, e := range c.data {
		if e.lastUsed.Add(c.lifetime).Before(t) {
			delete(c.data, k)
			removed++
		}
	}
	c.evictions += uint64(removed)
	return removed
}

// FlushNow is Flush at the current time of the cache clock.
func (c *Cache[V]) FlushNow() int {
	return c.Flush(c.clock.Now())
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.data),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		LastFlush: c.lastFlush,
	}
}
