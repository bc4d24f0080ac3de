// ABOUTME: Tests for the dedupe cache used to drop redelivered webhook events.
// ABOUTME: Validates TTL expiration, watermark cleanup, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seen reports whether key is recorded and still inside the TTL, without marking it.
func seen(c *Cache, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	seenAt, ok := c.seen[key]
	return ok && c.now().Sub(seenAt) < c.ttl
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(ttl time.Duration, watermark int) (*Cache, *fakeClock) {
	clock := newFakeClock()
	cache := New(ttl, watermark)
	cache.SetClock(clock.Now)
	return cache, clock
}

func TestCache_NotSeen(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 100)

	assert.False(t, seen(cache, "never-seen-key"))
	assert.Equal(t, 0, cache.Len(), "Check must not record the key")
}

func TestCache_CheckAndMark_NewKey(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 100)

	result := cache.CheckAndMark("new-key")
	assert.False(t, result, "first CheckAndMark should return false for new key")

	assert.True(t, seen(cache, "new-key"), "key should be marked after CheckAndMark")
}

func TestCache_CheckAndMark_SeenKey(t *testing.T) {
	cache, clock := newTestCache(5*time.Minute, 100)

	require.False(t, cache.CheckAndMark("mid.1"))
	clock.Advance(4 * time.Minute)

	assert.True(t, cache.CheckAndMark("mid.1"), "repeat within TTL is a duplicate")
}

func TestCache_CheckAndMark_Expired(t *testing.T) {
	cache, clock := newTestCache(5*time.Minute, 100)

	require.False(t, cache.CheckAndMark("expiring-key"))
	assert.True(t, cache.CheckAndMark("expiring-key"), "should be seen before expiry")

	clock.Advance(5 * time.Minute)

	assert.False(t, seen(cache, "expiring-key"))
	assert.False(t, cache.CheckAndMark("expiring-key"), "should not be seen after expiry")
	assert.True(t, cache.CheckAndMark("expiring-key"), "re-recorded after expiry")
}

func TestCache_DuplicateDoesNotRefresh(t *testing.T) {
	cache, clock := newTestCache(5*time.Minute, 100)

	require.False(t, cache.CheckAndMark("k"))
	clock.Advance(3 * time.Minute)
	require.True(t, cache.CheckAndMark("k"))
	clock.Advance(3 * time.Minute)

	// The window is measured from the first observation.
	assert.False(t, cache.CheckAndMark("k"))
}

func TestCache_WatermarkCleanup(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 3)

	for i := 0; i < 4; i++ {
		require.False(t, cache.CheckAndMark(fmt.Sprintf("old-%d", i)))
	}
	assert.Equal(t, 4, cache.Len())

	clock.Advance(2 * time.Minute)

	// Size 4 exceeds the watermark, so this insert sweeps expired entries first.
	require.False(t, cache.CheckAndMark("fresh"))
	assert.Equal(t, 1, cache.Len())
	assert.True(t, seen(cache, "fresh"))
}

func TestCache_NoCleanupBelowWatermark(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 100)

	for i := 0; i < 10; i++ {
		cache.CheckAndMark(fmt.Sprintf("k-%d", i))
	}
	clock.Advance(2 * time.Minute)
	cache.CheckAndMark("fresh")

	// Expired entries linger until the cache grows past the watermark.
	assert.Equal(t, 11, cache.Len())
}

func TestCache_CleanupKeepsLiveEntries(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 2)

	cache.CheckAndMark("old-1")
	cache.CheckAndMark("old-2")
	clock.Advance(45 * time.Second)
	cache.CheckAndMark("live")
	clock.Advance(30 * time.Second)

	cache.CheckAndMark("new")

	assert.Equal(t, 2, cache.Len())
	assert.True(t, seen(cache, "live"))
	assert.True(t, seen(cache, "new"))
}

func TestCache_ConfiguredDefaults(t *testing.T) {
	cache := New(0, 0)

	assert.Equal(t, DefaultTTL, cache.ttl)
	assert.Equal(t, DefaultWatermark, cache.watermark)
	assert.False(t, cache.CheckAndMark("prod-key"))
	assert.True(t, seen(cache, "prod-key"))
}

func TestCache_Concurrent(t *testing.T) {
	cache := New(5*time.Minute, 1000)

	const numGoroutines = 100
	const opsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				key := fmt.Sprintf("key-%d-%d", id%26, j%10)
				cache.CheckAndMark(key)
				seen(cache, key)
			}
		}(i)
	}

	wg.Wait()

	assert.False(t, cache.CheckAndMark("final-key"))
	assert.True(t, seen(cache, "final-key"))
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	cache := New(5*time.Minute, 100)

	const numGoroutines = 100

	var successCount int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contested-key") {
				atomic.AddInt32(&successCount, 1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), successCount,
		"exactly one goroutine should win the race for CheckAndMark")
}
