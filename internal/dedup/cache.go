// Package dedup collapses duplicate user-triggered requests (e.g. an
// accidental double-submit of a login form) by request id.
package dedup

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a request id blocks duplicates.
	DefaultTTL = 2 * time.Second

	// DefaultMaxEntries bounds the cache; inserting beyond it evicts the
	// oldest entry.
	DefaultMaxEntries = 100
)

type entry struct {
	requestID  string
	insertedAt time.Time
	expiry     *time.Timer
}

// Cache is a bounded, TTL-expiring set of in-flight request identifiers.
//
// Entries carry their own expiry timers; eviction and explicit release
// always cancel the timer so none leak.
type Cache struct {
	log *slog.Logger

	ttl time.Duration
	max int

	mu      sync.Mutex
	entries map[string]*entry
	order   []*entry // insertion order, oldest first
}

// NewCache constructs a Cache with safe defaults when inputs are invalid.
func NewCache(log *slog.Logger, ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		log:     log,
		ttl:     ttl,
		max:     maxEntries,
		entries: make(map[string]*entry, maxEntries),
		order:   make([]*entry, 0, maxEntries),
	}
}

// ShouldProcess reports whether a request id is new. A false return means
// the caller must treat the request as a duplicate and short-circuit.
//
// A true return inserts the id; it expires after the TTL, or earlier when
// the cache exceeds its bound and the id is the oldest entry.
func (c *Cache) ShouldProcess(requestID string) bool {
	if requestID == "" {
		// Requests without an id are never deduplicated.
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[requestID]; ok {
		c.log.Debug("dedup.duplicate", "request_id", requestID)
		return false
	}

	if len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		oldest.expiry.Stop()
		delete(c.entries, oldest.requestID)
		c.log.Debug("dedup.evict", "request_id", oldest.requestID)
	}

	e := &entry{requestID: requestID, insertedAt: time.Now()}
	e.expiry = time.AfterFunc(c.ttl, func() { c.expire(requestID, e) })
	c.entries[requestID] = e
	c.order = append(c.order, e)
	return true
}

// Release removes a request id early (e.g. on definitive failure) so a
// legitimate retry is not blocked for the full TTL.
func (c *Cache) Release(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[requestID]
	if !ok {
		return
	}
	e.expiry.Stop()
	c.remove(e)
}

// Len reports the current entry count (diagnostics).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// expire is the timer callback. The entry pointer guards against a stale
// timer removing a newer entry that reused the same id.
func (c *Cache) expire(requestID string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries[requestID]; ok && cur == e {
		c.remove(e)
	}
}

// remove must be called with the lock held.
func (c *Cache) remove(e *entry) {
	delete(c.entries, e.requestID)
	for i, other := range c.order {
		if other == e {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
