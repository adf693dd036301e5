package cache_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerogate/gateway/pkg/cache"
)

func TestCache_SetGet_Hit(t *testing.T) {
	c := cache.New(10)
	c.Set("k", cache.Entry{Status: 200, Body: []byte("a"), StoredAt: time.Now(), TTL: time.Minute})

	entry, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 200, entry.Status)
}

func TestCache_Get_ExpiredEntryIsMiss(t *testing.T) {
	c := cache.New(10)
	c.Set("k", cache.Entry{Status: 200, StoredAt: time.Now().Add(-time.Hour), TTL: time.Minute})

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := cache.New(2)
	now := time.Now()
	c.Set("a", cache.Entry{StoredAt: now, TTL: time.Minute})
	c.Set("b", cache.Entry{StoredAt: now, TTL: time.Minute})
	c.Get("a") // touch a, making b the LRU victim
	c.Set("c", cache.Entry{StoredAt: now, TTL: time.Minute})

	_, aok := c.Get("a")
	_, bok := c.Get("b")
	_, cok := c.Get("c")
	assert.True(t, aok)
	assert.False(t, bok)
	assert.True(t, cok)
}

func TestCache_GetOrLoad_CoalescesConcurrentMisses(t *testing.T) {
	c := cache.New(10)
	var calls int64

	var wg sync.WaitGroup
	results := make([]cache.Entry, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := c.GetOrLoad("shared-key", time.Minute, func() (cache.Entry, error) {
				atomic.AddInt64(&calls, 1)
				time.Sleep(10 * time.Millisecond)
				return cache.Entry{Status: 200, Body: []byte("loaded")}, nil
			})
			require.NoError(t, err)
			results[i] = entry
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	for _, r := range results {
		assert.Equal(t, 200, r.Status)
	}
}

func TestKey_StableAcrossParamOrder(t *testing.T) {
	k1, err := cache.Key("agent-1", "serpapi", "search", map[string]any{"q": "weather", "limit": 5})
	require.NoError(t, err)
	k2, err := cache.Key("agent-1", "serpapi", "search", map[string]any{"limit": 5, "q": "weather"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestCache_Sweep_RemovesOnlyExpired(t *testing.T) {
	c := cache.New(10)
	c.Set("fresh", cache.Entry{StoredAt: time.Now(), TTL: time.Minute})
	c.Set("stale", cache.Entry{StoredAt: time.Now().Add(-time.Hour), TTL: time.Minute})

	removed := c.Sweep()
	assert.Equal(t, 1, removed)

	_, ok := c.Get("fresh")
	assert.True(t, ok)
}
