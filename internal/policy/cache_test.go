package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheExpiry(t *testing.T) {
	t.Parallel()

	cache := NewCache(30 * time.Second)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Put("tenant-1", Version{Version: 2})

	got, ok := cache.Get("tenant-1")
	assert.True(t, ok)
	assert.Equal(t, 2, got.Version)

	now = now.Add(31 * time.Second)
	_, ok = cache.Get("tenant-1")
	assert.False(t, ok)
}

func TestCacheInvalidate(t *testing.T) {
	t.Parallel()

	cache := NewCache(time.Minute)
	cache.Put("tenant-1", Version{Version: 1})
	cache.Put("tenant-2", Version{Version: 5})

	cache.Invalidate("tenant-1")

	_, ok := cache.Get("tenant-1")
	assert.False(t, ok)
	got, ok := cache.Get("tenant-2")
	assert.True(t, ok)
	assert.Equal(t, 5, got.Version)
}

func TestCacheMiss(t *testing.T) {
	t.Parallel()

	cache := NewCache(time.Minute)
	_, ok := cache.Get("missing")
	assert.False(t, ok)
}
