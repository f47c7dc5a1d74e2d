package application

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bnema/perfpilot/internal/adapters/kv/memory"
	"github.com/bnema/perfpilot/internal/config"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports/mocks"
	"github.com/bnema/perfpilot/internal/scheduler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, cfg config.CacheConfig, deps CacheDeps) (*CacheManager, *scheduler.Manual) {
	t.Helper()

	clock := scheduler.NewManual(testEpoch)
	if deps.Clock == nil {
		deps.Clock = clock
	}
	if deps.Scheduler == nil {
		deps.Scheduler = clock
	}
	deps.Logger = zerolog.Nop()

	return NewCacheManager(cfg, deps), clock
}

func TestCacheExpiredEntryIsDeletedOnRead(t *testing.T) {
	t.Parallel()

	cache, clock := newTestCache(t, config.Default().Cache, CacheDeps{})
	var seen []CacheEventType
	unsubscribe := cache.Subscribe(func(ev CacheEvent) { seen = append(seen, ev.Type) })

	require.True(t, cache.Set("/feed", []byte("items"), SetOptions{TTL: time.Minute}))
	value, ok := cache.Get("/feed")
	require.True(t, ok)
	assert.Equal(t, []byte("items"), value)

	clock.Advance(time.Minute)
	_, ok = cache.Get("/feed")
	assert.False(t, ok)
	_, present := cache.Peek("/feed")
	assert.False(t, present)

	unsubscribe()
	cache.Set("/other", []byte("x"), SetOptions{})

	assert.Equal(t, []CacheEventType{CacheEventSet, CacheEventHit, CacheEventExpire, CacheEventMiss}, seen)
	stats := cache.Stats()
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, 1, stats.Misses)
	assert.Equal(t, 1, stats.Expirations)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestCacheIntelligentEvictionOrder(t *testing.T) {
	t.Parallel()

	cache, clock := newTestCache(t, config.Default().Cache, CacheDeps{})
	payload := bytes.Repeat([]byte("a"), 64)

	cache.Set("old", payload, SetOptions{Priority: domain.PriorityLow})
	clock.Advance(10 * time.Minute)
	cache.Set("fresh", payload, SetOptions{Priority: domain.PriorityHigh})
	cache.Set("pinned", payload, SetOptions{Priority: domain.PriorityCritical})
	cache.Set("short", payload, SetOptions{TTL: time.Second, Priority: domain.PriorityHigh})
	clock.Advance(2 * time.Second)
	_, ok := cache.Get("fresh")
	require.True(t, ok)

	assert.Equal(t, []string{"short", "old", "fresh"}, cache.evictionOrder())
}

func TestCacheEvictionStrategies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		strategy config.EvictionStrategy
		want     []string
	}{
		{name: "lru evicts least recently read", strategy: config.EvictionLRU, want: []string{"b", "c", "a"}},
		{name: "lfu evicts least often read", strategy: config.EvictionLFU, want: []string{"c", "b", "a"}},
		{name: "ttl evicts earliest expiry", strategy: config.EvictionTTL, want: []string{"c", "b", "a"}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Default().Cache
			cfg.Strategy = tc.strategy
			cache, clock := newTestCache(t, cfg, CacheDeps{})

			cache.Set("a", []byte("1"), SetOptions{TTL: 3 * time.Hour})
			cache.Set("b", []byte("2"), SetOptions{TTL: 2 * time.Hour})
			cache.Set("c", []byte("3"), SetOptions{TTL: time.Hour})
			clock.Advance(time.Second)
			cache.Get("b")
			cache.Get("b")
			clock.Advance(time.Second)
			cache.Get("c")
			clock.Advance(time.Second)
			cache.Get("a")
			cache.Get("a")
			cache.Get("a")

			assert.Equal(t, tc.want, cache.evictionOrder())
		})
	}
}

func TestCacheCapacityEvictsAndNeverRemovesCritical(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Cache
	cfg.MaxEntries = 2
	cache, clock := newTestCache(t, cfg, CacheDeps{})

	require.True(t, cache.Set("a", []byte("1"), SetOptions{}))
	clock.Advance(time.Second)
	require.True(t, cache.Set("b", []byte("2"), SetOptions{}))
	clock.Advance(time.Second)
	require.True(t, cache.Set("c", []byte("3"), SetOptions{}))

	_, ok := cache.Peek("a")
	assert.False(t, ok, "least recently used entry evicted first")
	assert.Equal(t, 2, cache.Stats().Entries)
	assert.Equal(t, 1, cache.Stats().Evictions)

	cfg.MaxEntries = 1
	pinned, _ := newTestCache(t, cfg, CacheDeps{})
	require.True(t, pinned.Set("shell", []byte("css"), SetOptions{Priority: domain.PriorityCritical}))
	assert.False(t, pinned.Set("banner", []byte("img"), SetOptions{Priority: domain.PriorityHigh}))
	assert.True(t, pinned.Set("font", []byte("woff"), SetOptions{Priority: domain.PriorityCritical}))

	stats := pinned.Stats()
	assert.Equal(t, 2, stats.Entries, "critical entries are admitted over budget")
	assert.Equal(t, 1, stats.Rejected)
	assert.Zero(t, stats.Evictions)
}

func TestCacheRejectsEntryLargerThanBudget(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Cache
	cfg.MaxBytes = 32
	cache, _ := newTestCache(t, cfg, CacheDeps{})

	require.True(t, cache.Set("small", []byte("ok"), SetOptions{}))
	assert.False(t, cache.Set("huge", bytes.Repeat([]byte("x"), 64), SetOptions{}))
	_, ok := cache.Peek("small")
	assert.True(t, ok, "oversized entries do not evict anything")
}

func TestCacheInvalidateDependentsIsTransitive(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, config.Default().Cache, CacheDeps{})
	cache.Set("user", []byte("u"), SetOptions{})
	cache.Set("profile", []byte("p"), SetOptions{Dependencies: []string{"user"}})
	cache.Set("avatar", []byte("a"), SetOptions{Dependencies: []string{"profile"}})
	cache.Set("catalog", []byte("c"), SetOptions{})

	assert.Equal(t, 2, cache.InvalidateDependents("user"))

	for key, want := range map[string]bool{"user": true, "profile": false, "avatar": false, "catalog": true} {
		_, ok := cache.Peek(key)
		assert.Equal(t, want, ok, key)
	}
}

func TestCacheClearByTag(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, config.Default().Cache, CacheDeps{})
	cache.Set("a", []byte("1"), SetOptions{Tags: []string{"images"}})
	cache.Set("b", []byte("2"), SetOptions{Tags: []string{"api"}})
	cache.Set("c", []byte("3"), SetOptions{Tags: []string{"images", "hero"}})

	assert.Equal(t, 2, cache.Clear("images"))
	assert.Equal(t, 1, cache.Stats().Entries)
	assert.Equal(t, 1, cache.Clear())
	assert.Zero(t, cache.Stats().Bytes)
}

func TestCachePrefetchesCoOccurringKeys(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Cache
	cfg.PrefetchThreshold = 0.5
	fetcher := mocks.NewMockFetcher(t)
	cache, clock := newTestCache(t, cfg, CacheDeps{Fetcher: fetcher})

	cache.Set("/api/user", []byte("u"), SetOptions{})
	cache.SetSession("s1")
	_, ok := cache.Get("/api/user")
	require.True(t, ok)
	assert.Zero(t, clock.Pending(), "a first access has no history")
	clock.Advance(2 * time.Second)
	_, ok = cache.Get("/api/user/prefs")
	require.False(t, ok)
	assert.Zero(t, clock.Pending())

	clock.Advance(time.Minute)
	cache.Get("/api/user")
	cache.Get("/api/user")
	assert.Equal(t, 1, clock.Pending(), "in-flight prefetch is not scheduled twice")

	fetcher.EXPECT().Fetch(mock.Anything, "/api/user/prefs").Return([]byte("prefs"), nil).Once()
	clock.Advance(2 * time.Second)

	entry, ok := cache.Peek("/api/user/prefs")
	require.True(t, ok)
	assert.Equal(t, domain.PriorityLow, entry.Priority)
	assert.True(t, entry.HasTag(prefetchedTag))
	assert.Equal(t, 1, cache.Stats().Prefetches)

	cache.Get("/api/user")
	assert.Zero(t, clock.Pending(), "cached keys are not prefetched")
}

func TestCachePrefetchEpisodesStayWithinSession(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Cache
	cfg.PrefetchThreshold = 0.5
	cache, clock := newTestCache(t, cfg, CacheDeps{Fetcher: mocks.NewMockFetcher(t)})

	cache.Set("/a", []byte("a"), SetOptions{})
	cache.SetSession("s1")
	cache.Get("/a")
	cache.SetSession("s2")
	cache.Get("/a/b")
	cache.Get("/a")

	assert.Zero(t, clock.Pending(), "/a/b never followed /a in the same session")
}

func TestCachePrefetchDisabledOrFailing(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Cache
	cfg.PrefetchThreshold = 0.5
	fetcher := mocks.NewMockFetcher(t)
	cache, clock := newTestCache(t, cfg, CacheDeps{Fetcher: fetcher})

	cache.Set("/a", []byte("a"), SetOptions{})
	cache.SetSession("s1")
	cache.Get("/a")
	cache.Get("/a/b")
	cache.SetSession("s2")

	fetcher.EXPECT().Fetch(mock.Anything, "/a/b").Return(nil, errors.New("offline")).Once()
	cache.Get("/a")
	clock.Advance(cfg.MaxPrefetchDelay)

	_, ok := cache.Peek("/a/b")
	assert.False(t, ok)
	assert.Zero(t, cache.Stats().InFlight)

	cfg.DisablePrefetch = true
	cache.UpdateConfig(cfg)
	cache.SetSession("s3")
	cache.Get("/a")
	assert.Zero(t, clock.Pending())
}

func TestCachePersistAndHydrate(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Cache
	cfg.CompressionThreshold = 16
	store := memory.NewStore()
	ctx := context.Background()
	big := bytes.Repeat([]byte("critical-css "), 20)

	cache, clock := newTestCache(t, cfg, CacheDeps{Store: store})
	cache.Set("shell.css", big, SetOptions{Priority: domain.PriorityCritical})
	cache.Set("logo.svg", []byte("<svg/>"), SetOptions{Priority: domain.PriorityHigh})
	cache.Set("feed", []byte("[]"), SetOptions{Priority: domain.PriorityMedium})
	cache.Set("promo", []byte("50%"), SetOptions{Priority: domain.PriorityHigh, TTL: time.Minute})

	n, err := cache.Persist(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	raw, err := store.Get(ctx, cfg.PersistPrefix+"shell.css")
	require.NoError(t, err)
	var stored domain.CacheEntry
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.True(t, stored.Compressed)
	assert.Less(t, len(stored.Value), len(big))

	_, err = store.Get(ctx, cfg.PersistPrefix+"feed")
	require.ErrorIs(t, err, domain.ErrNotFound)

	clock.Advance(2 * time.Minute)
	restored := NewCacheManager(cfg, CacheDeps{Store: store, Clock: clock, Logger: zerolog.Nop()})
	n, err = restored.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	value, ok := restored.Get("shell.css")
	require.True(t, ok)
	assert.Equal(t, big, value)
	entry, ok := restored.Peek("shell.css")
	require.True(t, ok)
	assert.False(t, entry.Compressed)

	_, ok = restored.Peek("promo")
	assert.False(t, ok, "expired entries are discarded on hydrate")
	_, err = store.Get(ctx, cfg.PersistPrefix+"promo")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCacheHydrateWithoutIndexIsEmpty(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, config.Default().Cache, CacheDeps{Store: memory.NewStore()})
	n, err := cache.Hydrate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCacheWarmFetchesMissingValues(t *testing.T) {
	t.Parallel()

	fetcher := mocks.NewMockFetcher(t)
	fetcher.EXPECT().Fetch(mock.Anything, "/hero.jpg").Return([]byte("jpeg"), nil).Once()
	cache, _ := newTestCache(t, config.Default().Cache, CacheDeps{Fetcher: fetcher})

	n := cache.Warm(context.Background(), []WarmRequest{
		{Key: "/hero.jpg", Options: SetOptions{Priority: domain.PriorityHigh}},
		{Key: "/inline.css", Value: []byte("body{}")},
	})

	assert.Equal(t, 2, n)
	entry, ok := cache.Peek("/hero.jpg")
	require.True(t, ok)
	assert.Equal(t, []byte("jpeg"), entry.Value)
	assert.Equal(t, domain.PriorityHigh, entry.Priority)
}

func TestCacheCloseCancelsPendingPrefetch(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Cache
	cfg.PrefetchThreshold = 0.5
	fetcher := mocks.NewMockFetcher(t)
	cache, clock := newTestCache(t, cfg, CacheDeps{Fetcher: fetcher})

	cache.Set("/a", []byte("a"), SetOptions{})
	cache.SetSession("s1")
	cache.Get("/a")
	cache.Get("/a/b")
	cache.SetSession("s2")
	cache.Get("/a")
	require.Equal(t, 1, clock.Pending())

	cache.Close()
	assert.Zero(t, clock.Pending())
	clock.Advance(time.Minute)
}
