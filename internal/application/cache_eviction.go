package application

import (
	"sort"
	"time"

	"github.com/bnema/perfpilot/internal/config"
	"github.com/bnema/perfpilot/internal/domain"
)

// selectForEviction orders every non-critical entry by eviction priority,
// most evictable first. Expired entries always lead regardless of strategy.
func selectForEviction(strategy config.EvictionStrategy, entries map[string]*domain.CacheEntry, now time.Time, skip string) []string {
	candidates := make([]*domain.CacheEntry, 0, len(entries))
	var oldest time.Duration
	var largest int64
	for key, entry := range entries {
		if key == skip || entry.Priority == domain.PriorityCritical {
			continue
		}
		candidates = append(candidates, entry)
		oldest = max(oldest, now.Sub(entry.LastAccess))
		largest = max(largest, entry.Size)
	}

	scores := make(map[string]float64, len(candidates))
	if strategy == config.EvictionIntelligent || strategy == "" {
		for _, entry := range candidates {
			scores[entry.Key] = evictionScore(entry, now, oldest, largest)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		expiredA, expiredB := a.Expired(now), b.Expired(now)
		if expiredA != expiredB {
			return expiredA
		}

		switch strategy {
		case config.EvictionLRU:
			if !a.LastAccess.Equal(b.LastAccess) {
				return a.LastAccess.Before(b.LastAccess)
			}
		case config.EvictionLFU:
			if a.AccessCount != b.AccessCount {
				return a.AccessCount < b.AccessCount
			}
			if !a.LastAccess.Equal(b.LastAccess) {
				return a.LastAccess.Before(b.LastAccess)
			}
		case config.EvictionTTL:
			if !a.ExpiresAt.Equal(b.ExpiresAt) {
				return a.ExpiresAt.Before(b.ExpiresAt)
			}
		default:
			if scores[a.Key] != scores[b.Key] {
				return scores[a.Key] > scores[b.Key]
			}
		}
		return a.Key < b.Key
	})

	keys := make([]string, len(candidates))
	for i, entry := range candidates {
		keys[i] = entry.Key
	}
	return keys
}

// evictionScore weighs staleness, rarity, size and elapsed lifetime, scaled by
// the priority multiplier. Higher means more evictable.
func evictionScore(entry *domain.CacheEntry, now time.Time, oldest time.Duration, largest int64) float64 {
	var recency, size float64
	if oldest > 0 {
		recency = float64(now.Sub(entry.LastAccess)) / float64(oldest)
	}
	if largest > 0 {
		size = float64(entry.Size) / float64(largest)
	}

	score := 0.4*recency +
		0.3*(1/float64(entry.AccessCount+1)) +
		0.2*size +
		0.1*(1-entry.RemainingTTLFraction(now))

	return score * entry.Priority.EvictionMultiplier()
}
