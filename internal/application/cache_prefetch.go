package application

import (
	"math"
	"sort"
	"time"
)

type accessEvent struct {
	key     string
	session string
	at      time.Time
}

type prefetchPlan struct {
	key        string
	confidence float64
	delay      time.Duration
}

// predictPrefetch scores the keys that followed earlier accesses of accessed
// within the same session. Each earlier access opens an episode that ends at
// the next access of accessed in that session; the last log event is the
// access being served and opens none. Confidence is 0.5 co-occurrence
// frequency + 0.2 key-prefix similarity + 0.3 access regularity scaled by
// recency.
func predictPrefetch(log []accessEvent, accessed string, now time.Time, threshold float64, maxDelay time.Duration) []prefetchPlan {
	last := len(log) - 1
	if last >= 0 && log[last].key == accessed {
		log = log[:last]
	}

	episodes := 0
	coEpisodes := map[string]int{}
	gaps := map[string][]time.Duration{}
	for i, start := range log {
		if start.key != accessed {
			continue
		}
		episodes++

		seen := map[string]struct{}{}
		for _, ev := range log[i+1:] {
			if ev.session != start.session {
				continue
			}
			if ev.key == accessed {
				break
			}
			if _, dup := seen[ev.key]; dup {
				continue
			}
			seen[ev.key] = struct{}{}
			coEpisodes[ev.key]++
			gaps[ev.key] = append(gaps[ev.key], ev.at.Sub(start.at))
		}
	}
	if episodes == 0 {
		return nil
	}

	plans := make([]prefetchPlan, 0, len(coEpisodes))
	for key, n := range coEpisodes {
		co := float64(n) / float64(episodes)
		confidence := 0.5*co +
			0.2*prefixSimilarity(accessed, key) +
			0.3*accessRegularity(log, key, now)
		if confidence <= threshold {
			continue
		}

		delay := medianDuration(gaps[key])
		if maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}
		plans = append(plans, prefetchPlan{key: key, confidence: confidence, delay: delay})
	}

	sort.Slice(plans, func(i, j int) bool {
		if plans[i].confidence != plans[j].confidence {
			return plans[i].confidence > plans[j].confidence
		}
		return plans[i].key < plans[j].key
	})
	return plans
}

func prefixSimilarity(a, b string) float64 {
	longest := max(len(a), len(b))
	if longest == 0 {
		return 0
	}

	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return float64(n) / float64(longest)
}

// accessRegularity is 1/(1+cv) of the gaps between accesses of key, decayed
// by how long ago it was last seen. Fewer than three accesses score 0.
func accessRegularity(log []accessEvent, key string, now time.Time) float64 {
	var times []time.Time
	for _, ev := range log {
		if ev.key == key {
			times = append(times, ev.at)
		}
	}
	if len(times) < 3 {
		return 0
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	var sum float64
	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1]).Seconds()
		intervals = append(intervals, gap)
		sum += gap
	}
	mean := sum / float64(len(intervals))
	if mean <= 0 {
		return 0
	}

	var variance float64
	for _, gap := range intervals {
		variance += (gap - mean) * (gap - mean)
	}
	cv := math.Sqrt(variance/float64(len(intervals))) / mean

	age := now.Sub(times[len(times)-1])
	recency := 1 / (1 + age.Minutes()/30)

	return recency / (1 + cv)
}

func medianDuration(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}

	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
