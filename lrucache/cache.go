/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-governor/internal/clock"
	"github.com/acronis/go-governor/keyhash"
	"github.com/acronis/go-governor/log"
	"github.com/acronis/go-governor/snapshot"
)

type cacheEntry[V any] struct {
	key        keyhash.Key
	value      V
	insertedAt time.Time
}

// Cache represents an LRU cache with TTL expiration, usage statistics, Prometheus metrics
// and best-effort snapshotting. Keys are content hashes of request payloads.
type Cache[V any] struct {
	maxEntries int
	ttl        time.Duration

	mu      sync.Mutex
	lruList *list.List
	cache   map[keyhash.Key]*list.Element // map of cache entries, value is a lruList element

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	metricsCollector MetricsCollector
	logger           log.FieldLogger
	clock            clock.Clock
}

// Options represents options for the cache.
type Options struct {
	// MetricsCollector is used to collect statistics about cache usage.
	// It can be nil, in this case, metrics will be disabled.
	MetricsCollector MetricsCollector

	// Logger is used for reporting evictions and snapshot operations. Disabled by default.
	Logger log.FieldLogger

	// Clock is a source of the current time. Real time is used by default.
	Clock clock.Clock
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Size        int
	MaxSize     int
	HitRate     float64
}

// New creates a new Cache with the provided maximum number of entries and TTL.
func New[V any](maxEntries int, ttl time.Duration) (*Cache[V], error) {
	return NewWithOpts[V](maxEntries, ttl, Options{})
}

// NewWithOpts creates a new Cache with the provided maximum number of entries, TTL, and options.
func NewWithOpts[V any](maxEntries int, ttl time.Duration, opts Options) (*Cache[V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be greater than 0")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be greater than 0")
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetricsCollector
	}
	return &Cache[V]{
		maxEntries:       maxEntries,
		ttl:              ttl,
		lruList:          list.New(),
		cache:            make(map[keyhash.Key]*list.Element),
		metricsCollector: opts.MetricsCollector,
		logger:           log.OrDisabled(opts.Logger),
		clock:            clock.OrReal(opts.Clock),
	}, nil
}

// MaxEntries returns the maximum number of entries the cache may hold.
func (c *Cache[V]) MaxEntries() int {
	return c.maxEntries
}

// TTL returns the time-to-live of cache entries.
func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}

// Get returns a value from the cache by the hash of the provided payload.
func (c *Cache[V]) Get(payload []byte) (value V, ok bool) {
	return c.GetByKey(keyhash.Sum(payload))
}

// GetByKey returns a value from the cache by the provided key.
// Expired entry is removed and reported as a miss. A hit marks the entry as the most recently used.
func (c *Cache[V]) GetByKey(key keyhash.Key) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, hit := c.cache[key]
	if !hit {
		c.misses++
		c.metricsCollector.IncMisses()
		return value, false
	}
	entry := elem.Value.(*cacheEntry[V])
	if c.isExpired(entry, c.clock.Now()) {
		c.removeElement(elem)
		c.expirations++
		c.misses++
		c.metricsCollector.AddExpirations(1)
		c.metricsCollector.SetAmount(len(c.cache))
		c.metricsCollector.IncMisses()
		return value, false
	}
	c.lruList.MoveToFront(elem)
	c.hits++
	c.metricsCollector.IncHits()
	return entry.value, true
}

// Put adds a value to the cache by the hash of the provided payload.
func (c *Cache[V]) Put(payload []byte, value V) {
	c.PutByKey(keyhash.Sum(payload), value)
}

// PutByKey adds a value to the cache with the provided key.
// Existing entry is overwritten and its insertion time is refreshed.
// If the cache is full, the least recently used entry will be evicted.
func (c *Cache[V]) PutByKey(key keyhash.Key, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(key, value, c.clock.Now())
}

// Remove removes a value from the cache by the hash of the provided payload.
func (c *Cache[V]) Remove(payload []byte) bool {
	return c.RemoveByKey(keyhash.Sum(payload))
}

// RemoveByKey removes a value from the cache by the provided key.
func (c *Cache[V]) RemoveByKey(key keyhash.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cache[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	c.metricsCollector.SetAmount(len(c.cache))
	return true
}

// Len returns the number of items in the cache (expired but not yet removed entries included).
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Stats returns the current cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Size:        len(c.cache),
		MaxSize:     c.maxEntries,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// Clear removes all entries and resets all counters.
// Prometheus counters are not reset, only the total number of entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[keyhash.Key]*list.Element)
	c.lruList.Init()
	c.hits, c.misses, c.evictions, c.expirations = 0, 0, 0, 0
	c.metricsCollector.SetAmount(0)
}

// SweepExpired removes all expired entries and returns their number.
func (c *Cache[V]) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for elem := c.lruList.Back(); elem != nil; {
		prev := elem.Prev()
		if c.isExpired(elem.Value.(*cacheEntry[V]), now) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}
	if removed > 0 {
		c.expirations += uint64(removed)
		c.metricsCollector.AddExpirations(removed)
		c.metricsCollector.SetAmount(len(c.cache))
	}
	return removed
}

// RunPeriodicCleanup runs a cycle of periodic cleanup of expired entries.
// It's supposed to be run in a separate goroutine.
func (c *Cache[V]) RunPeriodicCleanup(ctx context.Context, cleanupInterval time.Duration) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.SweepExpired(); removed > 0 {
				c.logger.Debug("expired cache entries removed", log.Int("removed", removed))
			}
		}
	}
}

// SnapshotTo writes all entries to the storage ordered from the least to the most recently used.
// Entries are copied under the lock, the storage is called without it.
// Errors are logged and not propagated, the number of saved entries (0 on failure) is returned.
func (c *Cache[V]) SnapshotTo(ctx context.Context, storage snapshot.Storage) int {
	c.mu.Lock()
	entries := make([]snapshot.Entry, 0, len(c.cache))
	for elem := c.lruList.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*cacheEntry[V])
		data, err := json.Marshal(entry.value)
		if err != nil {
			c.logger.Warn("skipping cache entry that cannot be encoded",
				log.String("key", entry.key.Short()), log.Error(err))
			continue
		}
		entries = append(entries, snapshot.Entry{Key: entry.key.String(), Value: data, Timestamp: entry.insertedAt})
	}
	c.mu.Unlock()

	if err := storage.Save(ctx, entries); err != nil {
		c.logger.Error("failed to save cache snapshot", log.Int("entries", len(entries)), log.Error(err))
		return 0
	}
	c.logger.Info("cache snapshot saved", log.Int("entries", len(entries)))
	return len(entries)
}

// RestoreFrom loads entries from the storage. Entries with malformed key or value are skipped,
// entries older than TTL are dropped, and loading stops once maxEntries distinct entries have been accepted.
// A repeated key overwrites the earlier entry and is not counted again.
// Accepted entries keep their persisted timestamps and become the most recently used in storage order.
// Errors are logged and not propagated, the number of accepted entries is returned.
func (c *Cache[V]) RestoreFrom(ctx context.Context, storage snapshot.Storage) int {
	entries, err := storage.Load(ctx)
	if err != nil {
		c.logger.Error("failed to load cache snapshot", log.Error(err))
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	accepted, expired := 0, 0
	for _, e := range entries {
		if accepted >= c.maxEntries {
			break
		}
		key, parseErr := keyhash.ParseKey(e.Key)
		if parseErr != nil {
			c.logger.Warn("skipping snapshot entry with malformed key", log.String("key", e.Key), log.Error(parseErr))
			continue
		}
		var value V
		if decodeErr := json.Unmarshal(e.Value, &value); decodeErr != nil {
			c.logger.Warn("skipping snapshot entry with malformed value", log.String("key", key.Short()), log.Error(decodeErr))
			continue
		}
		if now.Sub(e.Timestamp) > c.ttl {
			expired++
			continue
		}
		if c.put(key, value, e.Timestamp) {
			accepted++
		}
	}
	c.logger.Info("cache snapshot restored",
		log.Int("entries", accepted), log.Int("expired", expired), log.Int("total", len(entries)))
	return accepted
}

func (c *Cache[V]) isExpired(entry *cacheEntry[V], now time.Time) bool {
	return now.Sub(entry.insertedAt) > c.ttl
}

// put reports whether a new entry was inserted rather than an existing one overwritten.
func (c *Cache[V]) put(key keyhash.Key, value V, insertedAt time.Time) bool {
	if elem, ok := c.cache[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value = &cacheEntry[V]{key: key, value: value, insertedAt: insertedAt}
		return false
	}
	if len(c.cache) >= c.maxEntries {
		if evicted := c.removeOldest(); evicted != nil {
			c.evictions++
			c.metricsCollector.AddEvictions(1)
			c.logger.Debug("cache entry evicted", log.String("key", evicted.key.Short()))
		}
	}
	c.cache[key] = c.lruList.PushFront(&cacheEntry[V]{key: key, value: value, insertedAt: insertedAt})
	c.metricsCollector.SetAmount(len(c.cache))
	return true
}

func (c *Cache[V]) removeOldest() *cacheEntry[V] {
	elem := c.lruList.Back()
	if elem == nil {
		return nil
	}
	return c.removeElement(elem)
}

func (c *Cache[V]) removeElement(elem *list.Element) *cacheEntry[V] {
	c.lruList.Remove(elem)
	entry := elem.Value.(*cacheEntry[V])
	delete(c.cache, entry.key)
	return entry
}
