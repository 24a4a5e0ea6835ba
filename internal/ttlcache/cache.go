// Package ttlcache is a small generic map with age-based expiry and a
// size-triggered sweep.
package ttlcache

import (
	"sync"
	"time"
)

// Policy controls when entries expire and when Put triggers a sweep.
type Policy struct {
	// MaxAge expires entries this long after they were stored. Zero disables.
	MaxAge time.Duration
	// MaxSize makes inserts sweep expired entries once the map grows past it.
	// Zero means inserts never sweep.
	MaxSize int
}

// Option customizes a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithClock replaces time.Now, mostly for tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.now = now }
}

// WithExpiry adds a value-aware expiry check evaluated alongside MaxAge.
func WithExpiry[K comparable, V any](fn func(v V, storedAt, now time.Time) bool) Option[K, V] {
	return func(c *Cache[K, V]) { c.expired = fn }
}

// WithEvict registers a callback run for every entry removed by expiry or
// Delete. It runs with the cache lock held and must not call back into the cache.
func WithEvict[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

type item[V any] struct {
	value    V
	storedAt time.Time
}

// Cache is safe for concurrent use. The lock is only held for map access.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	items   map[K]item[V]
	policy  Policy
	now     func() time.Time
	expired func(v V, storedAt, now time.Time) bool
	onEvict func(K, V)
}

func New[K comparable, V any](p Policy, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		items:  make(map[K]item[V]),
		policy: p,
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Now returns the cache clock.
func (c *Cache[K, V]) Now() time.Time { return c.now() }

func (c *Cache[K, V]) isExpired(it item[V], now time.Time) bool {
	if c.policy.MaxAge > 0 && now.Sub(it.storedAt) >= c.policy.MaxAge {
		return true
	}
	return c.expired != nil && c.expired(it.value, it.storedAt, now)
}

// Put stores v under k, replacing any previous value.
func (c *Cache[K, V]) Put(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.items[k] = item[V]{value: v, storedAt: now}
	c.maybeSweepLocked(now)
}

// PutIfAbsent stores v only when k is missing or expired. It reports whether
// v was stored. Check and insert happen under one lock.
func (c *Cache[K, V]) PutIfAbsent(k K, v V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if it, ok := c.items[k]; ok && !c.isExpired(it, now) {
		return false
	}
	c.items[k] = item[V]{value: v, storedAt: now}
	c.maybeSweepLocked(now)
	return true
}

// Get returns the value for k. Expired entries are reported as missing.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[k]
	if !ok || c.isExpired(it, c.now()) {
		var zero V
		return zero, false
	}
	return it.value, true
}

// Delete removes k and reports whether it was present.
func (c *Cache[K, V]) Delete(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[k]
	if !ok {
		return false
	}
	delete(c.items, k)
	if c.onEvict != nil {
		c.onEvict(k, it.value)
	}
	return true
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

// Len counts stored entries, including expired ones not yet swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Range calls fn for each live entry until fn returns false.
func (c *Cache[K, V]) Range(fn func(K, V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, it := range c.items {
		if c.isExpired(it, now) {
			continue
		}
		if !fn(k, it.value) {
			return
		}
	}
}

func (c *Cache[K, V]) maybeSweepLocked(now time.Time) {
	if c.policy.MaxSize > 0 && len(c.items) > c.policy.MaxSize {
		c.sweepLocked(now)
	}
}

func (c *Cache[K, V]) sweepLocked(now time.Time) int {
	n := 0
	for k, it := range c.items {
		if !c.isExpired(it, now) {
			continue
		}
		delete(c.items, k)
		n++
		if c.onEvict != nil {
			c.onEvict(k, it.value)
		}
	}
	return n
}
