package domain

import (
	"fmt"
	"time"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

func ParsePriority(raw string) (Priority, error) {
	switch p := Priority(raw); p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	case "":
		return PriorityMedium, nil
	default:
		return "", fmt.Errorf("unknown priority %q", raw)
	}
}

// Rank orders priorities from low (0) to critical (3).
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

func (p Priority) AtLeast(other Priority) bool {
	return p.Rank() >= other.Rank()
}

// EvictionMultiplier scales an eviction score; critical is the least evictable.
func (p Priority) EvictionMultiplier() float64 {
	switch p {
	case PriorityCritical:
		return 0.1
	case PriorityHigh:
		return 0.5
	case PriorityMedium:
		return 1.0
	default:
		return 1.5
	}
}

// Durable reports whether entries of this priority survive visibility loss.
func (p Priority) Durable() bool {
	return p == PriorityCritical || p == PriorityHigh
}

type CacheEntry struct {
	Key          string    `json:"key"`
	Value        []byte    `json:"value"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccessCount  int       `json:"access_count"`
	LastAccess   time.Time `json:"last_access"`
	Size         int64     `json:"size"`
	Priority     Priority  `json:"priority"`
	Tags         []string  `json:"tags,omitempty"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Compressed   bool      `json:"compressed,omitempty"`
}

func NewCacheEntry(key string, value []byte, ttl time.Duration, priority Priority, now time.Time) *CacheEntry {
	if priority == "" {
		priority = PriorityMedium
	}

	return &CacheEntry{
		Key:        key,
		Value:      value,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
		Size:       int64(len(key) + len(value)),
		Priority:   priority,
	}
}

func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// RemainingTTLFraction is the share of the lifetime still left, in [0, 1].
func (e *CacheEntry) RemainingTTLFraction(now time.Time) float64 {
	lifetime := e.ExpiresAt.Sub(e.CreatedAt)
	if lifetime <= 0 {
		return 0
	}

	remaining := e.ExpiresAt.Sub(now)
	switch {
	case remaining <= 0:
		return 0
	case remaining >= lifetime:
		return 1
	default:
		return float64(remaining) / float64(lifetime)
	}
}

func (e *CacheEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (e *CacheEntry) DependsOn(key string) bool {
	for _, dep := range e.Dependencies {
		if dep == key {
			return true
		}
	}
	return false
}

func (e *CacheEntry) Touch(now time.Time) {
	e.AccessCount++
	e.LastAccess = now
}
