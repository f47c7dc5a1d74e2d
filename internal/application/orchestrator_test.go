package application

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bnema/perfpilot/internal/adapters/kv/memory"
	"github.com/bnema/perfpilot/internal/config"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/scheduler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orchestratorFixture struct {
	orch     *Orchestrator
	clock    *scheduler.Manual
	cache    *CacheManager
	planner  *PreloadPlanner
	selector *StrategySelector
	network  *stubNetworkSensor
	loader   *recordingLoader
}

func newOrchestratorFixture(t *testing.T, cfg config.Config, network domain.NetworkInfo) orchestratorFixture {
	t.Helper()

	clock := scheduler.NewManual(testEpoch)
	sensor := &stubNetworkSensor{info: network}
	selector := NewStrategySelector(cfg.Strategy, SelectorDeps{
		Network:   sensor,
		Device:    stubDeviceSensor{info: highDevice},
		Benchmark: fixedBenchmark(5 * time.Millisecond),
		Clock:     clock,
		Logger:    zerolog.Nop(),
	})
	_, err := selector.DetectContext(context.Background())
	require.NoError(t, err)

	loader := &recordingLoader{}
	cache := NewCacheManager(cfg.Cache, CacheDeps{Store: memory.NewStore(), Scheduler: clock, Clock: clock, Logger: zerolog.Nop()})
	planner := NewPreloadPlanner(cfg.Preload, PlannerDeps{Loader: loader, Env: selector, Clock: clock, Logger: zerolog.Nop()})
	orch := NewOrchestrator(cfg.Orchestrator, OrchestratorDeps{
		Cache:     cache,
		Planner:   planner,
		Selector:  selector,
		Scheduler: clock,
		Clock:     clock,
		Logger:    zerolog.Nop(),
	})

	return orchestratorFixture{orch: orch, clock: clock, cache: cache, planner: planner, selector: selector, network: sensor, loader: loader}
}

func recordRepeatedAccess(planner *PreloadPlanner, key string, kind domain.ResourceKind, times int) {
	for i := 0; i < times; i++ {
		planner.RecordAccess(domain.AccessRecord{
			Key:         key,
			Kind:        kind,
			LoadTime:    200 * time.Millisecond,
			SizeBytes:   4096,
			NetworkType: domain.Network4G,
			Context:     "home",
		})
	}
}

func TestOrchestratorLoopsTickOnTheirIntervals(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, config.Default(), fastNetwork)
	f.orch.Start()
	f.orch.Start()
	assert.Equal(t, 3, f.clock.Pending())

	for _, status := range f.orch.Statuses() {
		assert.Equal(t, LoopActive, status.State, status.Name)
	}

	f.clock.Advance(time.Minute)

	preload, _ := f.orch.Status(LoopPreloadAnalysis)
	cacheSync, _ := f.orch.Status(LoopCacheSync)
	refresh, _ := f.orch.Status(LoopContextRefresh)
	assert.Equal(t, 2, preload.Runs)
	assert.Equal(t, 1, cacheSync.Runs)
	assert.Zero(t, refresh.Runs)
	assert.Len(t, f.orch.History(), 3)

	f.orch.Stop()
	f.orch.Stop()
	assert.Zero(t, f.clock.Pending())
	for _, status := range f.orch.Statuses() {
		assert.Equal(t, LoopStopped, status.State)
	}
}

func TestOrchestratorPreloadDecisionAppliedAboveThreshold(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, config.Default(), fastNetwork)
	recordRepeatedAccess(f.planner, "/app.js", domain.ResourceScript, 4)

	decision, err := f.orch.Trigger(context.Background(), LoopPreloadAnalysis)
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionPreload, decision.Type)
	assert.Equal(t, LoopPreloadAnalysis, decision.Loop)
	assert.Equal(t, domain.PriorityMedium, decision.Priority)
	assert.True(t, decision.Applied)
	assert.NotEmpty(t, decision.ID)
	assert.Equal(t, []string{"/app.js"}, decision.Deferred)
	assert.True(t, f.planner.IsPreloaded("/app.js"))
	require.Len(t, f.loader.hints, 1)
}

func TestOrchestratorConstrainedNetworkDowngradesPreload(t *testing.T) {
	t.Parallel()

	constrained := domain.NetworkInfo{EffectiveType: domain.NetworkSlow2G, DownlinkMbps: 0.1, RTTMillis: 2000, SaveData: true}
	f := newOrchestratorFixture(t, config.Default(), constrained)
	recordRepeatedAccess(f.planner, "/app.js", domain.ResourceScript, 6)

	decision, err := f.orch.Trigger(context.Background(), LoopPreloadAnalysis)
	require.NoError(t, err)

	assert.Equal(t, domain.PriorityLow, decision.Priority)
	assert.False(t, decision.Applied)
	assert.Contains(t, decision.Rationale, "constrained network")
	assert.Empty(t, f.loader.hints)
	assert.Len(t, f.orch.History(), 1, "unapplied decisions are still recorded")
}

func TestOrchestratorSkipsOverlappingTick(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, config.Default(), fastNetwork)
	var nested error
	f.orch.register("reentrant", func(ctx context.Context) (tickPlan, error) {
		_, nested = f.orch.Trigger(ctx, "reentrant")
		return tickPlan{decision: domain.OrchestrationDecision{Priority: domain.PriorityLow}}, nil
	})

	_, err := f.orch.Trigger(context.Background(), "reentrant")
	require.NoError(t, err)
	require.ErrorIs(t, nested, domain.ErrTickInProgress)

	status, ok := f.orch.Status("reentrant")
	require.True(t, ok)
	assert.Equal(t, 1, status.Runs)
	assert.Equal(t, 1, status.Skipped)

	_, err = f.orch.Trigger(context.Background(), "reentrant")
	require.NoError(t, err, "guard released after the tick")
}

func TestOrchestratorFailuresAreContainedAndSelfHeal(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, config.Default(), fastNetwork)
	calls := 0
	f.orch.register("flaky", func(context.Context) (tickPlan, error) {
		calls++
		switch calls {
		case 1:
			panic("boom")
		case 2:
			return tickPlan{}, errors.New("component unavailable")
		default:
			return tickPlan{decision: domain.OrchestrationDecision{Priority: domain.PriorityHigh}}, nil
		}
	})
	f.orch.Start()
	pending := f.clock.Pending()

	f.clock.Advance(f.orch.cfg.PreloadInterval)
	status, _ := f.orch.Status("flaky")
	assert.Equal(t, LoopErrored, status.State)
	assert.Contains(t, status.LastError, "boom")

	f.clock.Advance(f.orch.cfg.PreloadInterval)
	status, _ = f.orch.Status("flaky")
	assert.Equal(t, LoopErrored, status.State)
	assert.Equal(t, 2, status.Failures)
	assert.Equal(t, pending, f.clock.Pending(), "failing loops stay scheduled")

	preload, _ := f.orch.Status(LoopPreloadAnalysis)
	assert.Equal(t, LoopActive, preload.State, "other loops are unaffected")

	f.clock.Advance(f.orch.cfg.PreloadInterval)
	status, _ = f.orch.Status("flaky")
	assert.Equal(t, LoopActive, status.State)
	assert.Equal(t, 3, status.Runs)
	assert.Equal(t, 1, status.Applied)
}

func TestOrchestratorCacheSyncPurgesAndPersists(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Cache.MaxBytes = 1000
	f := newOrchestratorFixture(t, cfg, fastNetwork)

	f.cache.Set("shell.css", bytes.Repeat([]byte("c"), 900), SetOptions{Priority: domain.PriorityCritical})
	f.cache.Set("stale", []byte("x"), SetOptions{TTL: time.Second})
	f.clock.Advance(2 * time.Second)

	decision, err := f.orch.Trigger(context.Background(), LoopCacheSync)
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionCacheMaintenance, decision.Type)
	assert.Equal(t, domain.PriorityHigh, decision.Priority)
	assert.True(t, decision.Applied)
	assert.Zero(t, f.cache.ExpiredCount())
	assert.Equal(t, 1, f.cache.Stats().Entries)
}

func TestOrchestratorContextRefreshDetectsChange(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, config.Default(), fastNetwork)

	decision, err := f.orch.Trigger(context.Background(), LoopContextRefresh)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityLow, decision.Priority)
	assert.False(t, decision.Applied)

	f.network.info = domain.NetworkInfo{EffectiveType: domain.Network3G, DownlinkMbps: 1, RTTMillis: 400}
	decision, err = f.orch.Trigger(context.Background(), LoopContextRefresh)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, decision.Priority)
	assert.True(t, decision.Applied)
	assert.Equal(t, domain.Network3G, f.selector.Network().EffectiveType)
}

func TestOrchestratorTriggerUnknownLoop(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, config.Default(), fastNetwork)
	_, err := f.orch.Trigger(context.Background(), "compaction")
	require.ErrorIs(t, err, domain.ErrUnknownLoop)
}

func TestOrchestratorHistoryIsBounded(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Orchestrator.HistoryLimit = 2
	f := newOrchestratorFixture(t, cfg, fastNetwork)

	var ids []string
	for i := 0; i < 3; i++ {
		decision, err := f.orch.Trigger(context.Background(), LoopCacheSync)
		require.NoError(t, err)
		ids = append(ids, decision.ID)
	}

	history := f.orch.History()
	require.Len(t, history, 2)
	assert.Equal(t, ids[1], history[0].ID)
	assert.Equal(t, ids[2], history[1].ID)
}
