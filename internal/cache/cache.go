// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

// Package cache provides an in-memory keyed store with TTL-based expiration.
// It holds short-lived, secret-keyed values such as pending popup sign-in
// requests; keys are hashed before they are stored.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// entry is a single cached value with an expiration time.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is an in-memory TTL cache keyed by secret strings.
type Cache[V any] struct {
	ttl     time.Duration
	maxSize int
	onEvict func(V)

	mu      sync.Mutex
	entries map[string]entry[V]

	stop chan struct{}

	hits       metric.Int64Counter
	misses     metric.Int64Counter
	evictions  metric.Int64Counter
	entryGauge metric.Int64UpDownCounter
}

// hashKey returns the hex-encoded SHA-256 hash of the raw key.
// The raw key is never stored.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// New creates a new Cache with the specified TTL and maximum number of
// entries. A background goroutine periodically removes expired entries;
// call Stop to terminate it.
//
// onEvict, if non-nil, is called (without the cache lock held) for every
// value that leaves the cache because it expired or was evicted to make
// room, including an expired entry removed by Take. It is not called for
// Delete or for a live value returned by Take.
//
// A ttl of 0 or less disables expiry. A maxSize of 0 or less means no limit.
func New[V any](ttl time.Duration, maxSize int, onEvict func(V)) *Cache[V] {
	meter := otel.Meter("github.com/andrewkroh/github-signin/internal/cache")

	hits, _ := meter.Int64Counter("github_signin.cache.hits",
		metric.WithDescription("Number of cache hits"),
	)
	misses, _ := meter.Int64Counter("github_signin.cache.misses",
		metric.WithDescription("Number of cache misses"),
	)
	evictions, _ := meter.Int64Counter("github_signin.cache.evictions",
		metric.WithDescription("Number of entries expired or evicted"),
	)
	entryGauge, _ := meter.Int64UpDownCounter("github_signin.cache.entries",
		metric.WithDescription("Current number of cache entries"),
	)

	c := &Cache[V]{
		ttl:        ttl,
		maxSize:    maxSize,
		onEvict:    onEvict,
		entries:    make(map[string]entry[V]),
		stop:       make(chan struct{}),
		hits:       hits,
		misses:     misses,
		evictions:  evictions,
		entryGauge: entryGauge,
	}

	if ttl > 0 {
		go c.cleanupLoop()
	}

	return c
}

// cleanupLoop runs every TTL/2 or every 30 seconds, whichever is smaller.
func (c *Cache[V]) cleanupLoop() {
	interval := min(c.ttl/2, 30*time.Second)
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.removeExpired(time.Now())
		}
	}
}

// removeExpired removes all entries that expired before now and hands them
// to the eviction callback.
func (c *Cache[V]) removeExpired(now time.Time) {
	var expired []V

	c.mu.Lock()
	for key, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, key)
			expired = append(expired, e.value)
		}
	}
	c.mu.Unlock()

	c.evicted(expired...)
}

func (c *Cache[V]) expired(e entry[V], now time.Time) bool {
	return c.ttl > 0 && now.After(e.expiresAt)
}

func (c *Cache[V]) evicted(values ...V) {
	if len(values) == 0 {
		return
	}
	ctx := context.Background()
	c.entryGauge.Add(ctx, -int64(len(values)))
	c.evictions.Add(ctx, int64(len(values)))
	if c.onEvict == nil {
		return
	}
	for _, v := range values {
		c.onEvict(v)
	}
}

// Get retrieves the value stored under key. Expired entries are misses.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	e, ok := c.entries[hashKey(key)]
	c.mu.Unlock()

	return c.result(e, ok)
}

// Take retrieves and removes the value stored under key. At most one caller
// observes a given value. An expired entry is removed and handed to the
// eviction callback, and Take reports a miss.
func (c *Cache[V]) Take(key string) (V, bool) {
	h := hashKey(key)

	c.mu.Lock()
	e, ok := c.entries[h]
	if ok {
		delete(c.entries, h)
	}
	c.mu.Unlock()

	ctx := context.Background()
	var zero V
	switch {
	case !ok:
		c.misses.Add(ctx, 1)
		return zero, false
	case c.expired(e, time.Now()):
		c.misses.Add(ctx, 1)
		c.evicted(e.value)
		return zero, false
	}
	c.entryGauge.Add(ctx, -1)
	c.hits.Add(ctx, 1)
	return e.value, true
}

// GetOrSet returns the live value stored under key. If there is none, it
// stores and returns the result of create. The lookup and insert happen
// under one lock, so concurrent callers for the same key share one value.
func (c *Cache[V]) GetOrSet(key string, create func() V) V {
	h := hashKey(key)
	ctx := context.Background()
	now := time.Now()

	c.mu.Lock()
	e, exists := c.entries[h]
	if exists && !c.expired(e, now) {
		c.mu.Unlock()
		c.hits.Add(ctx, 1)
		return e.value
	}

	var evicted []V
	switch {
	case exists:
		evicted = append(evicted, e.value)
	case c.maxSize > 0 && len(c.entries) >= c.maxSize:
		if v, ok := c.evictOldest(); ok {
			evicted = append(evicted, v)
		}
	}

	value := create()
	c.entries[h] = entry[V]{
		value:     value,
		expiresAt: now.Add(c.ttl),
	}
	c.mu.Unlock()

	c.misses.Add(ctx, 1)
	c.entryGauge.Add(ctx, 1)
	c.evicted(evicted...)
	return value
}

func (c *Cache[V]) result(e entry[V], ok bool) (V, bool) {
	ctx := context.Background()
	if !ok || c.expired(e, time.Now()) {
		c.misses.Add(ctx, 1)
		var zero V
		return zero, false
	}
	c.hits.Add(ctx, 1)
	return e.value, true
}

// Set stores value under key. If the cache is full the entry closest to
// expiry is evicted before inserting the new entry.
func (c *Cache[V]) Set(key string, value V) {
	h := hashKey(key)

	c.mu.Lock()
	_, exists := c.entries[h]

	var evicted []V
	if !exists && c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if v, ok := c.evictOldest(); ok {
			evicted = append(evicted, v)
		}
	}

	c.entries[h] = entry[V]{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()

	if !exists {
		c.entryGauge.Add(context.Background(), 1)
	}
	c.evicted(evicted...)
}

// evictOldest removes the entry with the earliest expiry.
// Must be called with c.mu held.
func (c *Cache[V]) evictOldest() (V, bool) {
	var (
		oldestKey  string
		oldestTime time.Time
		oldest     V
		found      bool
	)

	for key, e := range c.entries {
		if !found || e.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.expiresAt
			oldest = e.value
			found = true
		}
	}

	if found {
		delete(c.entries, oldestKey)
	}
	return oldest, found
}

// Delete removes the entry stored under key.
func (c *Cache[V]) Delete(key string) {
	h := hashKey(key)

	c.mu.Lock()
	_, exists := c.entries[h]
	delete(c.entries, h)
	c.mu.Unlock()

	if exists {
		c.entryGauge.Add(context.Background(), -1)
	}
}

// Stop terminates the background cleanup goroutine.
func (c *Cache[V]) Stop() {
	select {
	case <-c.stop:
		// Already stopped.
	default:
		close(c.stop)
	}
}

// Len returns the number of entries currently in the cache, including
// expired entries that have not been cleaned up yet.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
