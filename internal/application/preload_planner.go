package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bnema/perfpilot/internal/config"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports"
	"github.com/rs/zerolog"
)

const preloadHistoryKey = "perfpilot:preload:history"

// Budget caps one Apply pass. Zero fields fall back to the configured budget.
type Budget struct {
	Bytes  int64
	Impact float64
}

type ApplyResult struct {
	Applied    []string              `json:"applied"`
	Skipped    []string              `json:"skipped,omitempty"`
	Hints      []domain.ResourceHint `json:"hints,omitempty"`
	Wasted     int                   `json:"wasted"`
	BytesUsed  int64                 `json:"bytes_used"`
	ImpactUsed float64               `json:"impact_used"`
	// Reason is set when the pass was skipped entirely.
	Reason string `json:"reason,omitempty"`
}

type PreloadStats struct {
	Applied   int `json:"applied"`
	Wasted    int `json:"wasted"`
	Preloaded int `json:"preloaded"`
	History   int `json:"history"`
}

type PlannerDeps struct {
	Loader ports.ResourceLoader
	Store  ports.KVStore
	Env    ports.EnvironmentSource
	Clock  ports.Clock
	Logger zerolog.Logger
}

// PreloadPlanner ranks historically accessed resources and hints the most
// promising ones to the host loader within a byte and impact budget.
type PreloadPlanner struct {
	mu     sync.Mutex
	cfg    config.PreloadConfig
	loader ports.ResourceLoader
	store  ports.KVStore
	env    ports.EnvironmentSource
	clock  ports.Clock
	logger zerolog.Logger

	history   []domain.AccessRecord
	preloaded map[string]struct{}
	inflight  map[string]struct{}
	origins   map[string]struct{}
	stats     PreloadStats
}

func NewPreloadPlanner(cfg config.PreloadConfig, deps PlannerDeps) *PreloadPlanner {
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}

	return &PreloadPlanner{
		cfg:       cfg,
		loader:    deps.Loader,
		store:     deps.Store,
		env:       deps.Env,
		clock:     deps.Clock,
		logger:    deps.Logger.With().Str("component", "preload").Logger(),
		preloaded: map[string]struct{}{},
		inflight:  map[string]struct{}{},
		origins:   map[string]struct{}{},
	}
}

func (p *PreloadPlanner) RecordAccess(record domain.AccessRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = p.clock.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.history, _ = appendBounded(p.history, p.cfg.HistoryLimit, record)
}

func (p *PreloadPlanner) History() []domain.AccessRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.AccessRecord(nil), p.history...)
}

type accessGroup struct {
	records  []domain.AccessRecord
	networks map[domain.NetworkClass]struct{}
	contexts map[string]struct{}
}

// RankCandidates scores every key seen at least twice:
// 0.4 frequency + 0.3 load-time consistency + 0.2 network diversity +
// 0.1 context diversity. Keys under MinConfidence are dropped.
func (p *PreloadPlanner) RankCandidates(history []domain.AccessRecord) []domain.PreloadCandidate {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	groups := map[string]*accessGroup{}
	for _, record := range history {
		g, ok := groups[record.Key]
		if !ok {
			g = &accessGroup{networks: map[domain.NetworkClass]struct{}{}, contexts: map[string]struct{}{}}
			groups[record.Key] = g
		}
		g.records = append(g.records, record)
		g.networks[record.NetworkType] = struct{}{}
		if record.Context != "" {
			g.contexts[record.Context] = struct{}{}
		}
	}

	maxCount := 0
	for _, g := range groups {
		if len(g.records) >= 2 {
			maxCount = max(maxCount, len(g.records))
		}
	}

	var candidates []domain.PreloadCandidate
	for key, g := range groups {
		if len(g.records) < 2 {
			continue
		}

		candidate := summarize(key, g)
		confidence := 0.4*float64(len(g.records))/float64(maxCount) +
			loadConsistency(g.records) +
			0.2*min(1, float64(len(g.networks))/4) +
			0.1*min(1, float64(len(g.contexts))/5)
		candidate.Confidence = min(1, max(0, confidence))
		if candidate.Confidence < cfg.MinConfidence {
			continue
		}
		candidate.EstimatedImpact = candidate.Confidence * float64(candidate.AvgLoadTime.Milliseconds()) / 10
		candidates = append(candidates, candidate)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].Key < candidates[j].Key
	})
	if cfg.MaxCandidates > 0 && len(candidates) > cfg.MaxCandidates {
		candidates = candidates[:cfg.MaxCandidates]
	}
	return candidates
}

func summarize(key string, g *accessGroup) domain.PreloadCandidate {
	var totalLoad time.Duration
	var totalSize int64
	latest := g.records[0]
	crossOrigin := false
	for _, r := range g.records {
		totalLoad += r.LoadTime
		totalSize += r.SizeBytes
		if r.Timestamp.After(latest.Timestamp) {
			latest = r
		}
		crossOrigin = crossOrigin || r.CrossOrigin
	}

	n := len(g.records)
	return domain.PreloadCandidate{
		Key:         key,
		Kind:        latest.Kind,
		Occurrences: n,
		AvgLoadTime: totalLoad / time.Duration(n),
		AvgSize:     totalSize / int64(n),
		CrossOrigin: crossOrigin,
	}
}

// loadConsistency is 0.3/(1+variance/mean^2) of the load times in milliseconds.
func loadConsistency(records []domain.AccessRecord) float64 {
	var sum float64
	for _, r := range records {
		sum += float64(r.LoadTime.Milliseconds())
	}
	mean := sum / float64(len(records))
	if mean <= 0 {
		return 0.3
	}

	var variance float64
	for _, r := range records {
		d := float64(r.LoadTime.Milliseconds()) - mean
		variance += d * d
	}
	variance /= float64(len(records))

	return 0.3 / (1 + variance/(mean*mean))
}

// Eligible reports whether the current network allows speculative loading.
func (p *PreloadPlanner) Eligible() (bool, string) {
	if p.env == nil {
		return true, ""
	}

	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	network := p.env.Network()
	if network.SaveData && !cfg.IgnoreDataSaver {
		return false, "data saver enabled"
	}
	if network.EffectiveType.IsSlow() && !cfg.AllowSlowNetwork {
		return false, fmt.Sprintf("slow network (%s)", network.EffectiveType)
	}
	return true, ""
}

// Apply hints candidates in ranked order until either budget would be
// exceeded. Loader failures count as wasted and are not returned.
func (p *PreloadPlanner) Apply(ctx context.Context, candidates []domain.PreloadCandidate, budget Budget) ApplyResult {
	var result ApplyResult
	if ok, reason := p.Eligible(); !ok {
		result.Reason = reason
		p.logger.Debug().Str("op", "apply").Str("reason", reason).Msg("preload pass skipped")
		return result
	}

	p.mu.Lock()
	if budget.Bytes <= 0 {
		budget.Bytes = p.cfg.BudgetBytes
	}
	if budget.Impact <= 0 {
		budget.Impact = p.cfg.BudgetImpact
	}
	p.mu.Unlock()

	for _, candidate := range candidates {
		p.mu.Lock()
		_, done := p.preloaded[candidate.Key]
		_, busy := p.inflight[candidate.Key]
		if done || busy {
			p.mu.Unlock()
			result.Skipped = append(result.Skipped, candidate.Key)
			continue
		}
		if result.BytesUsed+candidate.AvgSize > budget.Bytes || result.ImpactUsed+candidate.EstimatedImpact > budget.Impact {
			p.mu.Unlock()
			break
		}
		p.inflight[candidate.Key] = struct{}{}
		hints := p.hintsLocked(candidate)
		p.mu.Unlock()

		result.BytesUsed += candidate.AvgSize
		result.ImpactUsed += candidate.EstimatedImpact

		err := p.emit(ctx, hints)

		p.mu.Lock()
		delete(p.inflight, candidate.Key)
		if err != nil {
			p.stats.Wasted++
			result.Wasted++
		} else {
			p.preloaded[candidate.Key] = struct{}{}
			p.stats.Applied++
			result.Applied = append(result.Applied, candidate.Key)
			result.Hints = append(result.Hints, hints...)
		}
		p.mu.Unlock()

		if err != nil {
			p.logger.Warn().Err(err).Str("op", "apply").Str("key", candidate.Key).Msg("preload hint failed")
		}
	}

	return result
}

// hintsLocked builds the link directives for one candidate: a preconnect the
// first time a cross-origin origin is seen, then the preload itself.
func (p *PreloadPlanner) hintsLocked(candidate domain.PreloadCandidate) []domain.ResourceHint {
	var hints []domain.ResourceHint
	cors := candidate.CrossOrigin || domain.RequiresCORS(candidate.Kind)

	if origin := domain.Origin(candidate.Key); origin != "" && candidate.CrossOrigin {
		if _, seen := p.origins[origin]; !seen {
			p.origins[origin] = struct{}{}
			hints = append(hints, domain.ResourceHint{Rel: domain.HintPreconnect, Href: origin, CrossOrigin: cors})
		}
	}

	priority := domain.FetchPriorityAuto
	switch {
	case candidate.Confidence >= 0.8:
		priority = domain.FetchPriorityHigh
	case candidate.Confidence < 0.7:
		priority = domain.FetchPriorityLow
	}

	return append(hints, domain.ResourceHint{
		Rel:           domain.HintPreload,
		Href:          candidate.Key,
		As:            domain.HintAs(candidate.Kind),
		Type:          domain.HintType(candidate.Key, candidate.Kind),
		CrossOrigin:   cors,
		FetchPriority: priority,
	})
}

func (p *PreloadPlanner) emit(ctx context.Context, hints []domain.ResourceHint) error {
	if p.loader == nil {
		return nil
	}

	var preloadErr error
	for _, hint := range hints {
		err := p.loader.Hint(ctx, hint)
		if err == nil {
			continue
		}
		if hint.Rel == domain.HintPreload {
			preloadErr = err
			continue
		}
		p.logger.Debug().Err(err).Str("op", "apply").Str("href", hint.Href).Msg("connection hint failed")
	}
	return preloadErr
}

// IsPreloaded reports whether key was already hinted successfully.
func (p *PreloadPlanner) IsPreloaded(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.preloaded[key]
	return ok
}

func (p *PreloadPlanner) Stats() PreloadStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.Preloaded = len(p.preloaded)
	stats.History = len(p.history)
	return stats
}

func (p *PreloadPlanner) UpdateConfig(cfg config.PreloadConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cfg = cfg
	p.history, _ = appendBounded(p.history, cfg.HistoryLimit)
}

func (p *PreloadPlanner) PersistHistory(ctx context.Context) error {
	if p.store == nil {
		return nil
	}

	data, err := json.Marshal(p.History())
	if err != nil {
		return fmt.Errorf("encode preload history: %w", err)
	}
	if err := p.store.Put(ctx, preloadHistoryKey, data); err != nil {
		return fmt.Errorf("persist preload history: %w", err)
	}
	return nil
}

// HydrateHistory prepends persisted records to the in-memory history. A
// missing or unreadable history is treated as empty.
func (p *PreloadPlanner) HydrateHistory(ctx context.Context) (int, error) {
	if p.store == nil {
		return 0, nil
	}

	data, err := p.store.Get(ctx, preloadHistoryKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read preload history: %w", err)
	}

	var records []domain.AccessRecord
	if err := json.Unmarshal(data, &records); err != nil {
		p.logger.Warn().Err(err).Str("op", "hydrate_history").Msg("discarding unreadable preload history")
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.history, _ = appendBounded(records, p.cfg.HistoryLimit, p.history...)
	return len(records), nil
}
