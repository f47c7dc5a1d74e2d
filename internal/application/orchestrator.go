package application

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bnema/perfpilot/internal/config"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	LoopPreloadAnalysis = "preload-analysis"
	LoopCacheSync       = "cache-sync"
	LoopContextRefresh  = "context-refresh"
)

type LoopState string

const (
	LoopInactive LoopState = "inactive"
	LoopActive   LoopState = "active"
	LoopErrored  LoopState = "errored"
	LoopStopped  LoopState = "stopped"
)

type LoopStatus struct {
	Name      string        `json:"name"`
	State     LoopState     `json:"state"`
	Interval  time.Duration `json:"interval"`
	Runs      int           `json:"runs"`
	Skipped   int           `json:"skipped"`
	Failures  int           `json:"failures"`
	Applied   int           `json:"applied"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// tickPlan is what one loop tick proposes. apply runs only when the decision
// priority clears the configured threshold.
type tickPlan struct {
	decision domain.OrchestrationDecision
	apply    func(ctx context.Context) error
}

type tickFunc func(ctx context.Context) (tickPlan, error)

type managedLoop struct {
	name    string
	tick    tickFunc
	running atomic.Bool
	handle  ports.Handle
	status  LoopStatus
}

type OrchestratorDeps struct {
	Cache     *CacheManager
	Planner   *PreloadPlanner
	Selector  *StrategySelector
	Scheduler ports.Scheduler
	Clock     ports.Clock
	Logger    zerolog.Logger
}

// Orchestrator drives the optimization loops. Each loop ticks on its own
// interval; a tick that finds the previous one still running is skipped.
type Orchestrator struct {
	mu      sync.Mutex
	cfg     config.OrchestratorConfig
	sched   ports.Scheduler
	clock   ports.Clock
	logger  zerolog.Logger
	cache   *CacheManager
	planner *PreloadPlanner
	sel     *StrategySelector

	loops   map[string]*managedLoop
	order   []string
	history []domain.OrchestrationDecision
	started bool
}

func NewOrchestrator(cfg config.OrchestratorConfig, deps OrchestratorDeps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}

	o := &Orchestrator{
		cfg:     cfg,
		sched:   deps.Scheduler,
		clock:   deps.Clock,
		logger:  deps.Logger.With().Str("component", "orchestrator").Logger(),
		cache:   deps.Cache,
		planner: deps.Planner,
		sel:     deps.Selector,
		loops:   map[string]*managedLoop{},
	}

	if deps.Planner != nil {
		o.register(LoopPreloadAnalysis, o.preloadTick)
	}
	if deps.Cache != nil {
		o.register(LoopCacheSync, o.cacheSyncTick)
	}
	if deps.Selector != nil {
		o.register(LoopContextRefresh, o.contextRefreshTick)
	}
	return o
}

func (o *Orchestrator) register(name string, tick tickFunc) {
	o.loops[name] = &managedLoop{
		name:   name,
		tick:   tick,
		status: LoopStatus{Name: name, State: LoopInactive, Interval: o.intervalFor(name)},
	}
	o.order = append(o.order, name)
}

func (o *Orchestrator) intervalFor(name string) time.Duration {
	switch name {
	case LoopPreloadAnalysis:
		return o.cfg.PreloadInterval
	case LoopCacheSync:
		return o.cfg.CacheSyncInterval
	case LoopContextRefresh:
		return o.cfg.ContextRefreshInterval
	default:
		return o.cfg.PreloadInterval
	}
}

// Start moves every loop from inactive to active and schedules it.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started || o.sched == nil {
		return
	}
	o.started = true

	for _, name := range o.order {
		loop := o.loops[name]
		loop.handle = o.sched.Every(loop.status.Interval, o.scheduledTick(loop))
		loop.status.State = LoopActive
	}
	o.logger.Info().Str("op", "start").Int("loops", len(o.order)).Msg("optimization loops started")
}

func (o *Orchestrator) scheduledTick(loop *managedLoop) func() {
	return func() {
		_, _ = o.runTick(context.Background(), loop)
	}
}

// Stop cancels every loop timer. It is safe to call more than once.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, loop := range o.loops {
		if loop.handle != nil {
			loop.handle.Stop()
			loop.handle = nil
		}
		loop.status.State = LoopStopped
	}
	o.started = false
}

// Trigger runs one tick of the named loop immediately.
func (o *Orchestrator) Trigger(ctx context.Context, name string) (domain.OrchestrationDecision, error) {
	o.mu.Lock()
	loop, ok := o.loops[name]
	o.mu.Unlock()
	if !ok {
		return domain.OrchestrationDecision{}, fmt.Errorf("%w: %s", domain.ErrUnknownLoop, name)
	}

	return o.runTick(ctx, loop)
}

func (o *Orchestrator) runTick(ctx context.Context, loop *managedLoop) (domain.OrchestrationDecision, error) {
	if !loop.running.CompareAndSwap(false, true) {
		o.mu.Lock()
		loop.status.Skipped++
		o.mu.Unlock()
		o.logger.Debug().Str("op", "tick").Str("loop", loop.name).Msg("tick skipped, previous run in progress")
		return domain.OrchestrationDecision{}, domain.ErrTickInProgress
	}
	defer loop.running.Store(false)

	plan, err := guard(loop.name, func() (tickPlan, error) { return loop.tick(ctx) })
	if err != nil {
		o.recordFailure(loop, err)
		return domain.OrchestrationDecision{}, err
	}

	decision := plan.decision
	decision.Loop = loop.name
	if decision.ID == "" {
		decision.ID = newDecisionID()
	}
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = o.clock.Now()
	}

	o.mu.Lock()
	threshold := o.cfg.PriorityThreshold
	o.mu.Unlock()

	if decision.Priority.AtLeast(threshold) {
		applyErr := error(nil)
		if plan.apply != nil {
			_, applyErr = guard(loop.name, func() (struct{}, error) { return struct{}{}, plan.apply(ctx) })
		}
		if applyErr != nil {
			o.record(decision)
			o.recordFailure(loop, applyErr)
			return decision, applyErr
		}
		decision.Applied = true
	}

	o.record(decision)

	o.mu.Lock()
	loop.status.Runs++
	loop.status.LastRun = decision.CreatedAt
	if decision.Applied {
		loop.status.Applied++
	}
	if loop.status.State != LoopStopped && loop.status.State != LoopInactive {
		loop.status.State = LoopActive
	}
	o.mu.Unlock()

	o.logger.Debug().
		Str("op", "tick").
		Str("loop", loop.name).
		Str("priority", string(decision.Priority)).
		Bool("applied", decision.Applied).
		Str("rationale", decision.Rationale).
		Msg("decision recorded")

	return decision, nil
}

func (o *Orchestrator) record(decision domain.OrchestrationDecision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history, _ = appendBounded(o.history, o.cfg.HistoryLimit, decision)
}

func (o *Orchestrator) recordFailure(loop *managedLoop, err error) {
	o.mu.Lock()
	loop.status.Runs++
	loop.status.Failures++
	loop.status.LastRun = o.clock.Now()
	loop.status.LastError = err.Error()
	if loop.status.State != LoopStopped {
		loop.status.State = LoopErrored
	}
	o.mu.Unlock()

	o.logger.Error().Err(err).Str("op", "tick").Str("loop", loop.name).Msg("optimization loop failed")
}

// guard converts a panic inside a loop body into an error.
func guard[T any](loop string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("loop %s panicked: %v\n%s", loop, rec, debug.Stack())
		}
	}()
	return fn()
}

func (o *Orchestrator) History() []domain.OrchestrationDecision {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.OrchestrationDecision(nil), o.history...)
}

func (o *Orchestrator) Statuses() []LoopStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	statuses := make([]LoopStatus, 0, len(o.order))
	for _, name := range o.order {
		statuses = append(statuses, o.loops[name].status)
	}
	return statuses
}

func (o *Orchestrator) Status(name string) (LoopStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	loop, ok := o.loops[name]
	if !ok {
		return LoopStatus{}, false
	}
	return loop.status, true
}

// UpdateConfig applies new intervals and thresholds, rescheduling running
// loops whose interval changed.
func (o *Orchestrator) UpdateConfig(cfg config.OrchestratorConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cfg = cfg
	o.history, _ = appendBounded(o.history, cfg.HistoryLimit)
	for _, name := range o.order {
		loop := o.loops[name]
		interval := o.intervalFor(name)
		if interval == loop.status.Interval {
			continue
		}
		loop.status.Interval = interval
		if o.started && loop.handle != nil {
			loop.handle.Stop()
			loop.handle = o.sched.Every(interval, o.scheduledTick(loop))
		}
	}
}

func (o *Orchestrator) preloadTick(ctx context.Context) (tickPlan, error) {
	candidates := o.planner.RankCandidates(o.planner.History())

	decision := domain.OrchestrationDecision{
		Type:       domain.DecisionPreload,
		Priority:   domain.PriorityLow,
		Components: []string{"preload-planner", "strategy-selector"},
		CreatedAt:  o.clock.Now(),
	}

	var top float64
	for _, c := range candidates {
		top = max(top, c.Confidence)
		decision.Impact.Performance += c.EstimatedImpact
		decision.Impact.Network += c.AvgSize
		if c.Confidence >= 0.8 {
			decision.Immediate = append(decision.Immediate, c.Key)
		} else {
			decision.Deferred = append(decision.Deferred, c.Key)
		}
	}
	switch {
	case top >= 0.8:
		decision.Priority = domain.PriorityHigh
	case top >= 0.6:
		decision.Priority = domain.PriorityMedium
	}
	decision.Rationale = fmt.Sprintf("%d candidates, top confidence %.2f", len(candidates), top)

	if o.sel != nil && o.sel.Network().Constrained() {
		decision.Priority = domain.PriorityLow
		decision.Rationale += "; constrained network"
	}

	if len(candidates) == 0 {
		return tickPlan{decision: decision}, nil
	}

	return tickPlan{
		decision: decision,
		apply: func(ctx context.Context) error {
			result := o.planner.Apply(ctx, candidates, Budget{})
			o.logger.Info().Str("op", "preload").Int("applied", len(result.Applied)).Int("wasted", result.Wasted).Str("reason", result.Reason).Msg("preload pass finished")
			return nil
		},
	}, nil
}

func (o *Orchestrator) cacheSyncTick(context.Context) (tickPlan, error) {
	stats := o.cache.Stats()
	expired := o.cache.ExpiredCount()

	decision := domain.OrchestrationDecision{
		Type:       domain.DecisionCacheMaintenance,
		Priority:   domain.PriorityLow,
		Components: []string{"cache-manager"},
		Impact:     domain.ExpectedImpact{Memory: stats.Bytes},
		CreatedAt:  o.clock.Now(),
		Rationale: fmt.Sprintf("%d entries, %.0f%% of byte budget, hit rate %.2f over %d lookups, %d expired",
			stats.Entries, stats.Usage()*100, stats.HitRate, stats.Lookups(), expired),
	}

	switch {
	case stats.Usage() > 0.9 || (stats.Lookups() >= 10 && stats.HitRate < 0.5):
		decision.Priority = domain.PriorityHigh
	case expired > 0:
		decision.Priority = domain.PriorityMedium
	}
	decision.Immediate = []string{"purge-expired", "persist-durable"}

	return tickPlan{
		decision: decision,
		apply: func(ctx context.Context) error {
			purged := o.cache.PurgeExpired()
			persisted, err := o.cache.Persist(ctx)
			if err != nil {
				return fmt.Errorf("persist cache: %w", err)
			}
			o.logger.Debug().Str("op", "cache_sync").Int("purged", purged).Int("persisted", persisted).Msg("cache synced")
			return nil
		},
	}, nil
}

func (o *Orchestrator) contextRefreshTick(ctx context.Context) (tickPlan, error) {
	before, _ := o.sel.Context()
	after, err := o.sel.DetectContext(ctx)
	if err != nil {
		return tickPlan{}, err
	}

	changed := before.Network.EffectiveType != after.Network.EffectiveType ||
		before.Network.SaveData != after.Network.SaveData ||
		before.Device.Tier != after.Device.Tier

	decision := domain.OrchestrationDecision{
		Type:       domain.DecisionStrategyUpdate,
		Priority:   domain.PriorityLow,
		Components: []string{"strategy-selector"},
		CreatedAt:  o.clock.Now(),
		Rationale:  fmt.Sprintf("network %s, device %s, no change", after.Network.EffectiveType, after.Device.Tier),
	}
	if changed {
		decision.Priority = domain.PriorityHigh
		decision.Rationale = fmt.Sprintf("context changed: network %s -> %s, device %s -> %s",
			before.Network.EffectiveType, after.Network.EffectiveType, before.Device.Tier, after.Device.Tier)
		decision.Immediate = []string{"reselect-strategies"}
	}

	return tickPlan{decision: decision}, nil
}

func newDecisionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
