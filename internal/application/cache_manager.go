package application

import (
	"context"
	"sync"
	"time"

	"github.com/bnema/perfpilot/internal/config"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports"
	"github.com/rs/zerolog"
)

const prefetchedTag = "prefetched"

type CacheEventType string

const (
	CacheEventHit      CacheEventType = "hit"
	CacheEventMiss     CacheEventType = "miss"
	CacheEventSet      CacheEventType = "set"
	CacheEventEvict    CacheEventType = "evict"
	CacheEventExpire   CacheEventType = "expire"
	CacheEventDelete   CacheEventType = "delete"
	CacheEventPrefetch CacheEventType = "prefetch"
	CacheEventReject   CacheEventType = "reject"
)

type CacheEvent struct {
	Type   CacheEventType
	Key    string
	Reason string
	At     time.Time
}

type SetOptions struct {
	// TTL defaults to the configured DefaultTTL.
	TTL          time.Duration
	Priority     domain.Priority
	Tags         []string
	Dependencies []string
}

// WarmRequest seeds one entry. A nil Value is loaded through the fetcher.
type WarmRequest struct {
	Key     string
	Value   []byte
	Options SetOptions
}

type CacheStats struct {
	Entries     int     `json:"entries"`
	Bytes       int64   `json:"bytes"`
	MaxBytes    int64   `json:"max_bytes"`
	MaxEntries  int     `json:"max_entries"`
	Hits        int     `json:"hits"`
	Misses      int     `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Evictions   int     `json:"evictions"`
	Expirations int     `json:"expirations"`
	Prefetches  int     `json:"prefetches"`
	Rejected    int     `json:"rejected"`
	InFlight    int     `json:"in_flight"`
}

func (s CacheStats) Lookups() int {
	return s.Hits + s.Misses
}

// Usage is the byte budget share in use, in [0, 1].
func (s CacheStats) Usage() float64 {
	if s.MaxBytes <= 0 {
		return 0
	}
	return float64(s.Bytes) / float64(s.MaxBytes)
}

type CacheDeps struct {
	Store     ports.KVStore
	Fetcher   ports.Fetcher
	Scheduler ports.Scheduler
	Clock     ports.Clock
	Logger    zerolog.Logger
}

// CacheManager is a bounded in-memory cache with scored eviction, predictive
// prefetch and durable persistence of high-priority entries.
type CacheManager struct {
	mu      sync.Mutex
	cfg     config.CacheConfig
	store   ports.KVStore
	fetcher ports.Fetcher
	sched   ports.Scheduler
	clock   ports.Clock
	logger  zerolog.Logger

	entries      map[string]*domain.CacheEntry
	bytes        int64
	log          []accessEvent
	session      string
	inflight     map[string]ports.Handle
	listeners    map[int]func(CacheEvent)
	nextListener int
	stats        CacheStats
	closed       bool
}

func NewCacheManager(cfg config.CacheConfig, deps CacheDeps) *CacheManager {
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}

	return &CacheManager{
		cfg:       cfg,
		store:     deps.Store,
		fetcher:   deps.Fetcher,
		sched:     deps.Scheduler,
		clock:     deps.Clock,
		logger:    deps.Logger.With().Str("component", "cache").Logger(),
		entries:   map[string]*domain.CacheEntry{},
		inflight:  map[string]ports.Handle{},
		listeners: map[int]func(CacheEvent){},
	}
}

// SetSession scopes subsequent accesses for co-occurrence tracking. Episodes
// never span two sessions.
func (c *CacheManager) SetSession(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
}

// Get returns a copy of the cached value. Expired entries are removed and
// reported as a miss. Every hit may schedule background prefetches.
func (c *CacheManager) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	now := c.clock.Now()
	c.log, _ = appendBounded(c.log, c.cfg.AccessLogSize, accessEvent{key: key, session: c.session, at: now})

	var events []CacheEvent
	entry, ok := c.entries[key]
	if ok && entry.Expired(now) {
		c.removeLocked(key)
		c.stats.Expirations++
		events = append(events, CacheEvent{Type: CacheEventExpire, Key: key, At: now})
		ok = false
	}
	if !ok {
		c.stats.Misses++
		events = append(events, CacheEvent{Type: CacheEventMiss, Key: key, At: now})
		c.mu.Unlock()
		c.emit(events)
		return nil, false
	}

	entry.Touch(now)
	c.stats.Hits++
	value := append([]byte(nil), entry.Value...)
	events = append(events, CacheEvent{Type: CacheEventHit, Key: key, At: now})

	var plans []prefetchPlan
	if !c.cfg.DisablePrefetch && !c.closed && c.fetcher != nil && c.sched != nil {
		plans = c.planPrefetchLocked(key, now)
	}
	c.mu.Unlock()

	c.emit(events)
	c.schedulePrefetch(plans)
	return value, true
}

// Peek returns a copy of the entry without touching access statistics.
func (c *CacheManager) Peek(key string) (domain.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return domain.CacheEntry{}, false
	}
	return copyEntry(entry), true
}

// Set stores value under key. It reports false when a non-critical entry
// cannot fit even after eviction; critical entries are always admitted.
func (c *CacheManager) Set(key string, value []byte, opts SetOptions) bool {
	now := c.clock.Now()

	c.mu.Lock()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	entry := domain.NewCacheEntry(key, append([]byte(nil), value...), ttl, opts.Priority, now)
	entry.Tags = append([]string(nil), opts.Tags...)
	entry.Dependencies = append([]string(nil), opts.Dependencies...)

	events, admitted := c.admitLocked(entry, now)
	c.mu.Unlock()

	c.emit(events)
	return admitted
}

func (c *CacheManager) admitLocked(entry *domain.CacheEntry, now time.Time) ([]CacheEvent, bool) {
	var events []CacheEvent
	critical := entry.Priority == domain.PriorityCritical

	if !critical && c.cfg.MaxBytes > 0 && entry.Size > c.cfg.MaxBytes {
		c.stats.Rejected++
		return append(events, CacheEvent{Type: CacheEventReject, Key: entry.Key, Reason: "larger than cache", At: now}), false
	}

	if !c.fitsLocked(entry) {
		for _, victim := range selectForEviction(c.cfg.Strategy, c.entries, now, entry.Key) {
			eventType := CacheEventEvict
			if c.entries[victim].Expired(now) {
				eventType = CacheEventExpire
				c.stats.Expirations++
			} else {
				c.stats.Evictions++
			}
			c.removeLocked(victim)
			events = append(events, CacheEvent{Type: eventType, Key: victim, Reason: "capacity", At: now})
			if c.fitsLocked(entry) {
				break
			}
		}
	}

	if !critical && !c.fitsLocked(entry) {
		c.stats.Rejected++
		return append(events, CacheEvent{Type: CacheEventReject, Key: entry.Key, Reason: "capacity", At: now}), false
	}

	if existing, ok := c.entries[entry.Key]; ok {
		c.bytes -= existing.Size
	}
	c.entries[entry.Key] = entry
	c.bytes += entry.Size

	return append(events, CacheEvent{Type: CacheEventSet, Key: entry.Key, At: now}), true
}

func (c *CacheManager) fitsLocked(entry *domain.CacheEntry) bool {
	count := len(c.entries)
	bytes := c.bytes + entry.Size
	if existing, ok := c.entries[entry.Key]; ok {
		bytes -= existing.Size
	} else {
		count++
	}

	if c.cfg.MaxEntries > 0 && count > c.cfg.MaxEntries {
		return false
	}
	return c.cfg.MaxBytes <= 0 || bytes <= c.cfg.MaxBytes
}

func (c *CacheManager) removeLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	c.bytes -= entry.Size
	delete(c.entries, key)
}

func (c *CacheManager) Delete(key, reason string) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	c.removeLocked(key)
	now := c.clock.Now()
	c.mu.Unlock()

	if ok {
		c.emit([]CacheEvent{{Type: CacheEventDelete, Key: key, Reason: reason, At: now}})
	}
	return ok
}

// InvalidateDependents removes every entry that depends on key, directly or
// through other removed entries, and returns how many were removed.
func (c *CacheManager) InvalidateDependents(key string) int {
	c.mu.Lock()
	now := c.clock.Now()
	var events []CacheEvent
	visited := map[string]bool{key: true}
	queue := []string{key}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for k, entry := range c.entries {
			if visited[k] || !entry.DependsOn(current) {
				continue
			}
			visited[k] = true
			c.removeLocked(k)
			events = append(events, CacheEvent{Type: CacheEventDelete, Key: k, Reason: "dependency " + current, At: now})
			queue = append(queue, k)
		}
	}
	c.mu.Unlock()

	c.emit(events)
	return len(events)
}

// Clear removes every entry carrying any of tags, or everything when no tag
// is given.
func (c *CacheManager) Clear(tags ...string) int {
	c.mu.Lock()
	now := c.clock.Now()
	var events []CacheEvent
	for key, entry := range c.entries {
		if len(tags) > 0 && !hasAnyTag(entry, tags) {
			continue
		}
		c.removeLocked(key)
		events = append(events, CacheEvent{Type: CacheEventDelete, Key: key, Reason: "clear", At: now})
	}
	c.mu.Unlock()

	c.emit(events)
	return len(events)
}

func (c *CacheManager) PurgeExpired() int {
	c.mu.Lock()
	now := c.clock.Now()
	var events []CacheEvent
	for key, entry := range c.entries {
		if !entry.Expired(now) {
			continue
		}
		c.removeLocked(key)
		c.stats.Expirations++
		events = append(events, CacheEvent{Type: CacheEventExpire, Key: key, At: now})
	}
	c.mu.Unlock()

	c.emit(events)
	return len(events)
}

// ExpiredCount reports entries past their TTL that no read has purged yet.
func (c *CacheManager) ExpiredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	n := 0
	for _, entry := range c.entries {
		if entry.Expired(now) {
			n++
		}
	}
	return n
}

// Warm stores each request, fetching missing values. It returns how many
// entries were admitted.
func (c *CacheManager) Warm(ctx context.Context, requests []WarmRequest) int {
	stored := 0
	for _, req := range requests {
		value := req.Value
		if value == nil {
			if c.fetcher == nil {
				continue
			}
			data, err := c.fetcher.Fetch(ctx, req.Key)
			if err != nil {
				c.logger.Debug().Err(err).Str("op", "warm").Str("key", req.Key).Msg("warm fetch failed")
				continue
			}
			value = data
		}
		if c.Set(req.Key, value, req.Options) {
			stored++
		}
	}
	return stored
}

// Subscribe registers an observer for cache events. Observers run outside the
// cache lock on the goroutine that caused the event.
func (c *CacheManager) Subscribe(fn func(CacheEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *CacheManager) emit(events []CacheEvent) {
	if len(events) == 0 {
		return
	}

	c.mu.Lock()
	listeners := make([]func(CacheEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

func (c *CacheManager) planPrefetchLocked(key string, now time.Time) []prefetchPlan {
	plans := predictPrefetch(c.log, key, now, c.cfg.PrefetchThreshold, c.cfg.MaxPrefetchDelay)

	selected := plans[:0]
	for _, plan := range plans {
		if _, busy := c.inflight[plan.key]; busy {
			continue
		}
		if entry, ok := c.entries[plan.key]; ok && !entry.Expired(now) {
			continue
		}
		c.inflight[plan.key] = nil
		selected = append(selected, plan)
	}
	return selected
}

func (c *CacheManager) schedulePrefetch(plans []prefetchPlan) {
	for _, plan := range plans {
		key := plan.key
		handle := c.sched.After(plan.delay, func() { c.runPrefetch(key) })

		c.mu.Lock()
		if _, still := c.inflight[key]; still {
			c.inflight[key] = handle
		}
		c.mu.Unlock()

		c.logger.Debug().Str("op", "prefetch").Str("key", key).Float64("confidence", plan.confidence).Dur("delay", plan.delay).Msg("prefetch scheduled")
	}
}

func (c *CacheManager) runPrefetch(key string) {
	c.mu.Lock()
	if _, ok := c.inflight[key]; !ok || c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	data, err := c.fetcher.Fetch(context.Background(), key)

	c.mu.Lock()
	delete(c.inflight, key)
	entry, cached := c.entries[key]
	fresh := cached && !entry.Expired(c.clock.Now())
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug().Err(err).Str("op", "prefetch").Str("key", key).Msg("prefetch fetch failed")
		return
	}
	if fresh {
		return
	}

	if c.Set(key, data, SetOptions{Priority: domain.PriorityLow, Tags: []string{prefetchedTag}}) {
		c.mu.Lock()
		c.stats.Prefetches++
		now := c.clock.Now()
		c.mu.Unlock()
		c.emit([]CacheEvent{{Type: CacheEventPrefetch, Key: key, At: now}})
	}
}

func (c *CacheManager) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = len(c.entries)
	stats.Bytes = c.bytes
	stats.MaxBytes = c.cfg.MaxBytes
	stats.MaxEntries = c.cfg.MaxEntries
	stats.InFlight = len(c.inflight)
	if lookups := stats.Lookups(); lookups > 0 {
		stats.HitRate = float64(stats.Hits) / float64(lookups)
	}
	return stats
}

// UpdateConfig applies new budgets; they take effect on the next Set.
func (c *CacheManager) UpdateConfig(cfg config.CacheConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Close cancels pending prefetches. Entries stay readable.
func (c *CacheManager) Close() {
	c.mu.Lock()
	c.closed = true
	handles := make([]ports.Handle, 0, len(c.inflight))
	for _, h := range c.inflight {
		if h != nil {
			handles = append(handles, h)
		}
	}
	c.inflight = map[string]ports.Handle{}
	c.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
}

func (c *CacheManager) evictionOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return selectForEviction(c.cfg.Strategy, c.entries, c.clock.Now(), "")
}

func hasAnyTag(entry *domain.CacheEntry, tags []string) bool {
	for _, tag := range tags {
		if entry.HasTag(tag) {
			return true
		}
	}
	return false
}

func copyEntry(entry *domain.CacheEntry) domain.CacheEntry {
	copied := *entry
	copied.Value = append([]byte(nil), entry.Value...)
	copied.Tags = append([]string(nil), entry.Tags...)
	copied.Dependencies = append([]string(nil), entry.Dependencies...)
	return copied
}
