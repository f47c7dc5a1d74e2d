package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/perfpilot/internal/config"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports"
	"github.com/rs/zerolog"
)

// Dependencies are the host-facing ports the engine is wired with. Sink,
// Store and Scheduler are required; every other port may be nil.
type Dependencies struct {
	Sink          ports.MetricsSink
	Beacon        ports.Beacon
	Store         ports.KVStore
	Loader        ports.ResourceLoader
	Fetcher       ports.Fetcher
	NetworkSensor ports.NetworkSensor
	DeviceSensor  ports.DeviceSensor
	BatterySensor ports.BatterySensor
	Profiles      ports.ProfileRepository
	Scheduler     ports.Scheduler
	Clock         ports.Clock
	Random        ports.Random
	Benchmark     Benchmark
	Logger        zerolog.Logger
}

type EnginePhase string

const (
	PhaseUninitialized EnginePhase = "uninitialized"
	PhaseRunning       EnginePhase = "running"
	PhaseDestroyed     EnginePhase = "destroyed"
)

type State struct {
	Phase     EnginePhase            `json:"phase"`
	Detected  bool                   `json:"detected"`
	Context   domain.DetectedContext `json:"context"`
	Loops     []LoopStatus           `json:"loops"`
	Telemetry TelemetryStats         `json:"telemetry"`
	Cache     CacheStats             `json:"cache"`
	Preload   PreloadStats           `json:"preload"`
}

type Summary struct {
	GeneratedAt time.Time                                        `json:"generated_at"`
	State       State                                            `json:"state"`
	Session     *domain.Session                                  `json:"session,omitempty"`
	Strategies  map[domain.ResourceKind]domain.StrategyDecision `json:"strategies"`
	Adaptation  domain.ContentAdaptation                         `json:"adaptation"`
	Decisions   []domain.OrchestrationDecision                   `json:"decisions"`
}

// summaryKinds are the resource kinds reported in the summary.
var summaryKinds = []domain.ResourceKind{
	domain.ResourceScript,
	domain.ResourceStyle,
	domain.ResourceFont,
	domain.ResourceImage,
	domain.ResourceVideo,
}

// Engine is the public control surface. It owns one instance of every
// component and their lifecycle.
type Engine struct {
	deps   Dependencies
	logger zerolog.Logger
	runner *detachedRunner

	mu    sync.RWMutex
	phase EnginePhase
	cfg   config.Config
	parts *components
}

// components are built once by Initialize and never replaced.
type components struct {
	telemetry *TelemetryCollector
	cache     *CacheManager
	selector  *StrategySelector
	planner   *PreloadPlanner
	orch      *Orchestrator
}

func NewEngine(deps Dependencies) *Engine {
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if deps.Random == nil {
		deps.Random = ports.SystemRandom{}
	}
	logger := deps.Logger.With().Str("component", "engine").Logger()

	return &Engine{
		deps:   deps,
		logger: logger,
		runner: newDetachedRunner(logger),
		phase:  PhaseUninitialized,
	}
}

// Initialize validates cfg and starts every component. cfg is a complete
// configuration, usually config.Default with fields changed. It returns
// ErrDestroyed after Destroy, and configuration errors otherwise.
func (e *Engine) Initialize(ctx context.Context, cfg config.Config) error {
	e.mu.RLock()
	phase := e.phase
	e.mu.RUnlock()
	switch phase {
	case PhaseDestroyed:
		return domain.ErrDestroyed
	case PhaseRunning:
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := e.checkDependencies(); err != nil {
		return err
	}

	parts := e.build(ctx, cfg)

	e.mu.Lock()
	if phase := e.phase; phase != PhaseUninitialized {
		e.mu.Unlock()
		if phase == PhaseDestroyed {
			return domain.ErrDestroyed
		}
		return nil
	}
	e.cfg = cfg
	e.parts = parts
	e.phase = PhaseRunning
	e.mu.Unlock()

	detectCtx := context.WithoutCancel(ctx)
	e.runner.Go("detect-context", func() {
		if _, err := parts.selector.DetectContext(detectCtx); err != nil {
			e.logger.Warn().Err(err).Str("op", "initialize").Msg("context detection failed")
		}
	})

	parts.telemetry.Start(ctx)
	if n, err := parts.cache.Hydrate(ctx); err != nil {
		e.logger.Warn().Err(err).Str("op", "initialize").Msg("cache hydration failed")
	} else if n > 0 {
		e.logger.Info().Str("op", "initialize").Int("entries", n).Msg("cache hydrated")
	}
	if _, err := parts.planner.HydrateHistory(ctx); err != nil {
		e.logger.Warn().Err(err).Str("op", "initialize").Msg("preload history hydration failed")
	}

	session, err := parts.telemetry.StartSession(ctx)
	switch {
	case err == nil:
		parts.cache.SetSession(string(session.ID))
	case errors.Is(err, domain.ErrNotSampled):
		e.logger.Debug().Str("op", "initialize").Msg("session not sampled")
	default:
		e.logger.Warn().Err(err).Str("op", "initialize").Msg("start session failed")
	}

	parts.orch.Start()
	e.logger.Info().Str("op", "initialize").Msg("engine initialized")
	return nil
}

func (e *Engine) build(ctx context.Context, cfg config.Config) *components {
	d := e.deps
	selector := NewStrategySelector(cfg.Strategy, SelectorDeps{
		Network:   d.NetworkSensor,
		Device:    d.DeviceSensor,
		Battery:   d.BatterySensor,
		Profiles:  e.loadProfiles(ctx),
		Benchmark: d.Benchmark,
		Clock:     d.Clock,
		Logger:    d.Logger,
	})
	telemetry := NewTelemetryCollector(cfg.Telemetry, TelemetryDeps{
		Sink:      d.Sink,
		Beacon:    d.Beacon,
		Store:     d.Store,
		Env:       selector,
		Scheduler: d.Scheduler,
		Clock:     d.Clock,
		Random:    d.Random,
		Logger:    d.Logger,
		runner:    e.runner,
	})
	cache := NewCacheManager(cfg.Cache, CacheDeps{
		Store:     d.Store,
		Fetcher:   d.Fetcher,
		Scheduler: d.Scheduler,
		Clock:     d.Clock,
		Logger:    d.Logger,
	})
	planner := NewPreloadPlanner(cfg.Preload, PlannerDeps{
		Loader: d.Loader,
		Store:  d.Store,
		Env:    selector,
		Clock:  d.Clock,
		Logger: d.Logger,
	})
	orch := NewOrchestrator(cfg.Orchestrator, OrchestratorDeps{
		Cache:     cache,
		Planner:   planner,
		Selector:  selector,
		Scheduler: d.Scheduler,
		Clock:     d.Clock,
		Logger:    d.Logger,
	})

	return &components{telemetry: telemetry, cache: cache, selector: selector, planner: planner, orch: orch}
}

func (e *Engine) checkDependencies() error {
	var missing []string
	if e.deps.Sink == nil {
		missing = append(missing, "metrics sink")
	}
	if e.deps.Store == nil {
		missing = append(missing, "durable store")
	}
	if e.deps.Scheduler == nil {
		missing = append(missing, "scheduler")
	}
	if len(missing) > 0 {
		return domain.NewConfigError(fmt.Sprintf("engine requires %v", missing))
	}
	return nil
}

// loadProfiles reads the profile repository, keeping only valid profiles. An
// empty result falls back to the built-in set.
func (e *Engine) loadProfiles(ctx context.Context) []domain.StrategyProfile {
	if e.deps.Profiles == nil {
		return nil
	}

	profiles, err := e.deps.Profiles.List(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Str("op", "load_profiles").Msg("profile repository unavailable, using built-in profiles")
		return nil
	}

	valid := profiles[:0]
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			e.logger.Warn().Err(err).Str("op", "load_profiles").Msg("skipping invalid profile")
			continue
		}
		valid = append(valid, p)
	}
	return valid
}

// live returns the components while the engine is running.
func (e *Engine) live() *components {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.phase != PhaseRunning {
		return nil
	}
	return e.parts
}

func (e *Engine) snapshot() (EnginePhase, *components) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.phase, e.parts
}

// TriggerOptimization runs one tick of the named loop immediately.
func (e *Engine) TriggerOptimization(ctx context.Context, loop string) (domain.OrchestrationDecision, error) {
	parts := e.live()
	if parts == nil {
		return domain.OrchestrationDecision{}, domain.ErrNotInitialized
	}
	return parts.orch.Trigger(ctx, loop)
}

func (e *Engine) State() State {
	phase, parts := e.snapshot()
	state := State{Phase: phase}
	if parts == nil {
		return state
	}

	state.Context, state.Detected = parts.selector.Context()
	state.Loops = parts.orch.Statuses()
	state.Telemetry = parts.telemetry.Stats()
	state.Cache = parts.cache.Stats()
	state.Preload = parts.planner.Stats()
	return state
}

func (e *Engine) Summary() Summary {
	summary := Summary{
		GeneratedAt: e.deps.Clock.Now(),
		State:       e.State(),
		Strategies:  map[domain.ResourceKind]domain.StrategyDecision{},
		Adaptation:  domain.DefaultContentAdaptation(),
	}
	_, parts := e.snapshot()
	if parts == nil {
		return summary
	}

	if session, ok := parts.telemetry.Session(); ok {
		summary.Session = &session
	}
	for _, kind := range summaryKinds {
		summary.Strategies[kind] = parts.selector.SelectStrategy(kind, domain.UserContext{})
	}
	summary.Adaptation = parts.selector.ContentAdaptation()
	summary.Decisions = parts.orch.History()
	return summary
}

// UpdateConfig applies patch over the active configuration, validates the
// result and hands each section to its component. Zero values and false in
// patch are applied.
func (e *Engine) UpdateConfig(patch config.Patch) error {
	e.mu.Lock()
	if e.phase != PhaseRunning {
		e.mu.Unlock()
		return domain.ErrNotInitialized
	}

	merged, err := config.Merge(e.cfg, patch)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if err := merged.Validate(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.cfg = merged
	parts := e.parts
	e.mu.Unlock()

	parts.telemetry.UpdateConfig(merged.Telemetry)
	parts.cache.UpdateConfig(merged.Cache)
	parts.planner.UpdateConfig(merged.Preload)
	parts.orch.UpdateConfig(merged.Orchestrator)
	e.logger.Info().Str("op", "update_config").Strs("keys", patch.Keys()).Msg("configuration updated")
	return nil
}

func (e *Engine) Config() config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Destroy stops every loop and timer, flushes telemetry, persists durable
// cache entries and preload history, then waits for detached tasks. Calling
// it again is a no-op.
func (e *Engine) Destroy(ctx context.Context) error {
	e.mu.Lock()
	previous := e.phase
	e.phase = PhaseDestroyed
	timeout := e.cfg.Orchestrator.DestroyTimeout
	parts := e.parts
	e.mu.Unlock()

	if previous != PhaseRunning {
		return nil
	}

	parts.orch.Stop()
	parts.telemetry.Stop(ctx)
	parts.cache.Close()

	var errs []error
	if _, err := parts.cache.Persist(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := parts.planner.PersistHistory(ctx); err != nil {
		errs = append(errs, err)
	}

	if !e.runner.Wait(timeout) {
		e.logger.Warn().Str("op", "destroy").Dur("timeout", timeout).Msg("detached tasks still running at shutdown")
	}

	e.logger.Info().Str("op", "destroy").Msg("engine destroyed")
	return errors.Join(errs...)
}

func (e *Engine) RecordMetrics(ctx context.Context, pageID string, signals domain.Signals, opts RecordOptions) error {
	parts := e.live()
	if parts == nil {
		return domain.ErrNotInitialized
	}
	return parts.telemetry.Record(ctx, pageID, signals, opts)
}

func (e *Engine) TrackPageView(pageID string) {
	if parts := e.live(); parts != nil {
		parts.telemetry.TrackPageView(pageID)
	}
}

func (e *Engine) TrackJourney(name string, metadata map[string]string) {
	if parts := e.live(); parts != nil {
		parts.telemetry.TrackJourney(name, metadata)
	}
}

func (e *Engine) RecordAccess(record domain.AccessRecord) {
	if parts := e.live(); parts != nil {
		parts.planner.RecordAccess(record)
	}
}

func (e *Engine) SetIdentity(ctx context.Context, userID string) {
	if parts := e.live(); parts != nil {
		parts.telemetry.SetIdentity(ctx, userID)
	}
}

func (e *Engine) SetOnline(ctx context.Context, online bool) {
	if parts := e.live(); parts != nil {
		parts.telemetry.SetOnline(ctx, online)
	}
}

// HandleVisibilityChange flushes telemetry through the beacon and persists
// durable cache entries when the page is hidden. Both run detached.
func (e *Engine) HandleVisibilityChange(ctx context.Context, hidden bool) {
	parts := e.live()
	if !hidden || parts == nil {
		return
	}

	parts.telemetry.FlushOnHide(ctx)
	persistCtx := context.WithoutCancel(ctx)
	e.runner.Go("cache-persist-on-hide", func() {
		if _, err := parts.cache.Persist(persistCtx); err != nil {
			e.logger.Warn().Err(err).Str("op", "visibility_change").Msg("cache persist failed")
		}
	})
}

// HandleNetworkChange re-reads the network; a class change triggers an
// immediate preload analysis under the new conditions.
func (e *Engine) HandleNetworkChange(ctx context.Context) (domain.NetworkInfo, error) {
	parts := e.live()
	if parts == nil {
		return domain.NetworkInfo{}, domain.ErrNotInitialized
	}

	network, changed := parts.selector.HandleNetworkChange(ctx)
	if changed {
		if _, err := parts.orch.Trigger(ctx, LoopPreloadAnalysis); err != nil && !errors.Is(err, domain.ErrTickInProgress) {
			e.logger.Warn().Err(err).Str("op", "network_change").Msg("preload analysis failed")
		}
	}
	return network, nil
}

func (e *Engine) SelectStrategy(kind domain.ResourceKind, user domain.UserContext) (domain.StrategyDecision, error) {
	parts := e.live()
	if parts == nil {
		return domain.StrategyDecision{}, domain.ErrNotInitialized
	}
	return parts.selector.SelectStrategy(kind, user), nil
}

// Cache exposes the cache manager; nil before Initialize.
func (e *Engine) Cache() *CacheManager {
	_, parts := e.snapshot()
	if parts == nil {
		return nil
	}
	return parts.cache
}

// WaitDetached blocks until background tasks started so far have finished.
func (e *Engine) WaitDetached(timeout time.Duration) bool {
	return e.runner.Wait(timeout)
}
