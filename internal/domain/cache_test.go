package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	t.Parallel()

	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)

	p, err = ParsePriority("critical")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)

	_, err = ParsePriority("urgent")
	require.Error(t, err)
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()

	assert.True(t, PriorityCritical.AtLeast(PriorityHigh))
	assert.True(t, PriorityMedium.AtLeast(PriorityMedium))
	assert.False(t, PriorityLow.AtLeast(PriorityMedium))
	assert.Less(t, PriorityCritical.EvictionMultiplier(), PriorityHigh.EvictionMultiplier())
	assert.Less(t, PriorityMedium.EvictionMultiplier(), PriorityLow.EvictionMultiplier())
	assert.True(t, PriorityHigh.Durable())
	assert.False(t, PriorityMedium.Durable())
}

func TestCacheEntryExpiryAndTTLFraction(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entry := NewCacheEntry("k", []byte("value"), 10*time.Minute, "", now)

	assert.Equal(t, PriorityMedium, entry.Priority)
	assert.Equal(t, int64(6), entry.Size)
	assert.Equal(t, now.Add(10*time.Minute), entry.ExpiresAt)
	assert.False(t, entry.Expired(now.Add(9*time.Minute)))
	assert.True(t, entry.Expired(now.Add(10*time.Minute)))

	assert.InDelta(t, 1.0, entry.RemainingTTLFraction(now), 1e-9)
	assert.InDelta(t, 0.5, entry.RemainingTTLFraction(now.Add(5*time.Minute)), 1e-9)
	assert.InDelta(t, 0.0, entry.RemainingTTLFraction(now.Add(time.Hour)), 1e-9)
}

func TestCacheEntryTagsAndDependencies(t *testing.T) {
	t.Parallel()

	entry := CacheEntry{Tags: []string{"api"}, Dependencies: []string{"user:1"}}
	assert.True(t, entry.HasTag("api"))
	assert.False(t, entry.HasTag("img"))
	assert.True(t, entry.DependsOn("user:1"))
	assert.False(t, entry.DependsOn("user:2"))

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entry.Touch(at)
	assert.Equal(t, 1, entry.AccessCount)
	assert.Equal(t, at, entry.LastAccess)
}
