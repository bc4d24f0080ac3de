// ABOUTME: Thread-safe TTL cache for deduplicating inbound webhook events.
// ABOUTME: Expired entries are swept on insert once the cache grows past a watermark.

package dedupe

import (
	"sync"
	"time"
)

// Default tuning used by the webhook pipeline.
const (
	DefaultTTL       = 5 * time.Minute
	DefaultWatermark = 100
)

// Cache tracks event ids seen within a TTL window. It is safe for concurrent
// use by every sender; a single mutex makes check-then-write atomic per id.
//
// There is no background goroutine. When an insert finds the cache holding
// more than watermark entries, every entry older than the TTL is removed
// before the new id is recorded.
type Cache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	watermark int
	now       func() time.Time
}

// New creates a dedupe cache with the given TTL and cleanup watermark.
// Non-positive values fall back to DefaultTTL and DefaultWatermark.
func New(ttl time.Duration, watermark int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if watermark <= 0 {
		watermark = DefaultWatermark
	}
	return &Cache{
		seen:      make(map[string]time.Time),
		ttl:       ttl,
		watermark: watermark,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen within the TTL (duplicate), false
// if it is new (or expired) and is now recorded.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if seenAt, ok := c.seen[key]; ok && now.Sub(seenAt) < c.ttl {
		return true
	}

	if len(c.seen) > c.watermark {
		c.sweepLocked(now)
	}
	c.seen[key] = now
	return false
}

// Len returns the number of tracked keys, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// sweepLocked removes all entries older than the TTL. Must be called with mu held.
func (c *Cache) sweepLocked(now time.Time) {
	for key, seenAt := range c.seen {
		if now.Sub(seenAt) >= c.ttl {
			delete(c.seen, key)
		}
	}
}
