package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Set(ctx, "key", []byte("value"), time.Minute)
	got, ok := c.Get(ctx, "key")
	assert.True(t, ok)
	assert.Equal(t, []byte("value"), got)

	c.Delete(ctx, "key")
	_, ok = c.Get(ctx, "key")
	assert.False(t, ok)
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	c.Set(ctx, "key", []byte("value"), -time.Second)
	_, ok := c.Get(ctx, "key")
	assert.False(t, ok)

	// The expired entry was evicted by the read, not just masked.
	c.mu.RLock()
	_, lingers := c.items["key"]
	c.mu.RUnlock()
	assert.False(t, lingers)
}

func TestMemoryCacheSweep(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	c.Set(ctx, "stale", []byte("1"), -time.Second)
	c.Set(ctx, "live", []byte("2"), time.Minute)

	assert.Equal(t, 1, c.Sweep(time.Now()))

	_, ok := c.Get(ctx, "live")
	assert.True(t, ok)

	c.mu.RLock()
	_, lingers := c.items["stale"]
	c.mu.RUnlock()
	assert.False(t, lingers)
}

func TestMemoryCacheClear(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	c.Set(ctx, "a", []byte("1"), time.Minute)
	c.Set(ctx, "b", []byte("2"), time.Minute)
	c.Clear()

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "b")
	assert.False(t, ok)
}
