package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bnema/perfpilot/internal/adapters/kv/memory"
	"github.com/bnema/perfpilot/internal/config"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLoader struct {
	mu    sync.Mutex
	hints []domain.ResourceHint
	fail  map[string]error
}

func (l *recordingLoader) Hint(_ context.Context, hint domain.ResourceHint) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err, ok := l.fail[hint.Href]; ok {
		return err
	}
	l.hints = append(l.hints, hint)
	return nil
}

func access(key string, kind domain.ResourceKind, load time.Duration, network domain.NetworkClass, context string) domain.AccessRecord {
	return domain.AccessRecord{
		Key:         key,
		Kind:        kind,
		Timestamp:   testEpoch,
		LoadTime:    load,
		SizeBytes:   10_000,
		NetworkType: network,
		Context:     context,
	}
}

func newTestPlanner(cfg config.PreloadConfig, env fakeEnv, loader *recordingLoader) *PreloadPlanner {
	deps := PlannerDeps{Env: env, Clock: fixedClock{now: testEpoch}, Logger: zerolog.Nop()}
	if loader != nil {
		deps.Loader = loader
	}
	return NewPreloadPlanner(cfg, deps)
}

var onlineEnv = fakeEnv{network: domain.NetworkInfo{EffectiveType: domain.Network4G, DownlinkMbps: 10}}

func TestPlannerRankCandidates(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Preload
	cfg.MinConfidence = 0.3
	planner := newTestPlanner(cfg, onlineEnv, nil)

	history := []domain.AccessRecord{
		access("/app.js", domain.ResourceScript, 100*time.Millisecond, domain.Network4G, "home"),
		access("/app.js", domain.ResourceScript, 100*time.Millisecond, domain.Network3G, "cart"),
		access("/app.js", domain.ResourceScript, 100*time.Millisecond, domain.Network4G, "home"),
		access("/app.js", domain.ResourceScript, 100*time.Millisecond, domain.Network3G, "cart"),
		access("/noisy.jpg", domain.ResourceImage, 100*time.Millisecond, domain.Network4G, "home"),
		access("/noisy.jpg", domain.ResourceImage, 1900*time.Millisecond, domain.Network4G, "home"),
		access("/rare.css", domain.ResourceStyle, 100*time.Millisecond, domain.Network4G, "home"),
	}

	candidates := planner.RankCandidates(history)
	require.Len(t, candidates, 2)

	assert.Equal(t, "/app.js", candidates[0].Key)
	assert.InDelta(t, 0.84, candidates[0].Confidence, 1e-9)
	assert.Equal(t, 4, candidates[0].Occurrences)
	assert.Equal(t, 100*time.Millisecond, candidates[0].AvgLoadTime)
	assert.InDelta(t, 0.84*100/10, candidates[0].EstimatedImpact, 1e-9)

	assert.Equal(t, "/noisy.jpg", candidates[1].Key)
	assert.InDelta(t, 0.2+0.3/1.81+0.05+0.02, candidates[1].Confidence, 1e-9)

	cfg.MinConfidence = 0.6
	planner.UpdateConfig(cfg)
	strict := planner.RankCandidates(history)
	require.Len(t, strict, 1)
	assert.Equal(t, "/app.js", strict[0].Key)
}

func TestPlannerConfidenceStaysInUnitRange(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Preload
	cfg.MinConfidence = 0
	planner := newTestPlanner(cfg, onlineEnv, nil)

	var history []domain.AccessRecord
	networks := []domain.NetworkClass{domain.Network4G, domain.Network3G, domain.Network2G, domain.NetworkSlow2G, domain.NetworkUnknown}
	for i := 0; i < 40; i++ {
		history = append(history, access("/x.js", domain.ResourceScript, 0, networks[i%len(networks)], string(rune('a'+i%8))))
	}

	for _, c := range planner.RankCandidates(history) {
		assert.GreaterOrEqual(t, c.Confidence, 0.0)
		assert.LessOrEqual(t, c.Confidence, 1.0)
	}
}

func TestPlannerApplyStopsAtFirstBudgetOverflow(t *testing.T) {
	t.Parallel()

	loader := &recordingLoader{}
	planner := newTestPlanner(config.Default().Preload, onlineEnv, loader)
	candidates := []domain.PreloadCandidate{
		{Key: "/a.js", Kind: domain.ResourceScript, Confidence: 0.9, AvgSize: 100, EstimatedImpact: 5},
		{Key: "/b.css", Kind: domain.ResourceStyle, Confidence: 0.75, AvgSize: 200, EstimatedImpact: 5},
		{Key: "/c.png", Kind: domain.ResourceImage, Confidence: 0.65, AvgSize: 50, EstimatedImpact: 5},
	}

	result := planner.Apply(context.Background(), candidates, Budget{Bytes: 250, Impact: 100})

	assert.Equal(t, []string{"/a.js"}, result.Applied)
	assert.Equal(t, int64(100), result.BytesUsed)
	require.Len(t, loader.hints, 1)
	assert.Equal(t, domain.ResourceHint{Rel: domain.HintPreload, Href: "/a.js", As: "script", Type: "text/javascript", FetchPriority: domain.FetchPriorityHigh}, loader.hints[0])

	impact := planner.Apply(context.Background(), candidates[1:], Budget{Bytes: 1000, Impact: 7})
	assert.Equal(t, []string{"/b.css"}, impact.Applied)
	assert.Equal(t, domain.FetchPriorityAuto, loader.hints[1].FetchPriority)
}

func TestPlannerSkipsOnConstrainedNetwork(t *testing.T) {
	t.Parallel()

	constrained := fakeEnv{network: domain.NetworkInfo{EffectiveType: domain.NetworkSlow2G, SaveData: true}}
	candidates := []domain.PreloadCandidate{{Key: "/a.js", Kind: domain.ResourceScript, Confidence: 0.9, AvgSize: 1}}

	loader := mocks.NewMockResourceLoader(t)
	planner := NewPreloadPlanner(config.Default().Preload, PlannerDeps{Loader: loader, Env: constrained, Logger: zerolog.Nop()})
	result := planner.Apply(context.Background(), candidates, Budget{})
	assert.Empty(t, result.Applied)
	assert.Equal(t, "data saver enabled", result.Reason)

	cfg := config.Default().Preload
	cfg.IgnoreDataSaver = true
	planner.UpdateConfig(cfg)
	result = planner.Apply(context.Background(), candidates, Budget{})
	assert.Empty(t, result.Applied)
	assert.Contains(t, result.Reason, "slow network")

	cfg.AllowSlowNetwork = true
	allowed := newTestPlanner(cfg, constrained, &recordingLoader{})
	result = allowed.Apply(context.Background(), candidates, Budget{})
	assert.Equal(t, []string{"/a.js"}, result.Applied)
}

func TestPlannerPreconnectsOncePerOrigin(t *testing.T) {
	t.Parallel()

	loader := &recordingLoader{}
	planner := newTestPlanner(config.Default().Preload, onlineEnv, loader)
	candidates := []domain.PreloadCandidate{
		{Key: "https://cdn.example.com/inter.woff2", Kind: domain.ResourceFont, Confidence: 0.85, AvgSize: 10, CrossOrigin: true},
		{Key: "https://cdn.example.com/vendor.js", Kind: domain.ResourceScript, Confidence: 0.65, AvgSize: 10, CrossOrigin: true},
		{Key: "/local.woff2", Kind: domain.ResourceFont, Confidence: 0.6, AvgSize: 10},
	}

	result := planner.Apply(context.Background(), candidates, Budget{})
	require.Len(t, result.Applied, 3)

	assert.Equal(t, []domain.ResourceHint{
		{Rel: domain.HintPreconnect, Href: "https://cdn.example.com", CrossOrigin: true},
		{Rel: domain.HintPreload, Href: "https://cdn.example.com/inter.woff2", As: "font", Type: "font/woff2", CrossOrigin: true, FetchPriority: domain.FetchPriorityHigh},
		{Rel: domain.HintPreload, Href: "https://cdn.example.com/vendor.js", As: "script", Type: "text/javascript", CrossOrigin: true, FetchPriority: domain.FetchPriorityLow},
		{Rel: domain.HintPreload, Href: "/local.woff2", As: "font", Type: "font/woff2", CrossOrigin: true, FetchPriority: domain.FetchPriorityLow},
	}, loader.hints)
	assert.Equal(t, loader.hints, result.Hints)
}

func TestPlannerLoaderFailureCountsAsWasted(t *testing.T) {
	t.Parallel()

	loader := &recordingLoader{fail: map[string]error{"/broken.js": errors.New("link rejected")}}
	planner := newTestPlanner(config.Default().Preload, onlineEnv, loader)
	candidates := []domain.PreloadCandidate{
		{Key: "/broken.js", Kind: domain.ResourceScript, Confidence: 0.9, AvgSize: 10},
		{Key: "/ok.js", Kind: domain.ResourceScript, Confidence: 0.8, AvgSize: 10},
	}

	result := planner.Apply(context.Background(), candidates, Budget{})
	assert.Equal(t, []string{"/ok.js"}, result.Applied)
	assert.Equal(t, 1, result.Wasted)
	assert.False(t, planner.IsPreloaded("/broken.js"))

	again := planner.Apply(context.Background(), candidates, Budget{})
	assert.Equal(t, []string{"/ok.js"}, again.Skipped)
	assert.Equal(t, 2, planner.Stats().Wasted)
	assert.Equal(t, 1, planner.Stats().Applied)
}

func TestPlannerHistoryBoundedAndPersisted(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Preload
	cfg.HistoryLimit = 3
	store := memory.NewStore()
	ctx := context.Background()

	planner := NewPreloadPlanner(cfg, PlannerDeps{Store: store, Clock: fixedClock{now: testEpoch}, Logger: zerolog.Nop()})
	for _, key := range []string{"/1", "/2", "/3", "/4"} {
		planner.RecordAccess(domain.AccessRecord{Key: key, Kind: domain.ResourceScript})
	}
	history := planner.History()
	require.Len(t, history, 3)
	assert.Equal(t, "/2", history[0].Key)
	assert.Equal(t, testEpoch, history[0].Timestamp)

	require.NoError(t, planner.PersistHistory(ctx))

	restored := NewPreloadPlanner(cfg, PlannerDeps{Store: store, Logger: zerolog.Nop()})
	restored.RecordAccess(domain.AccessRecord{Key: "/5", Timestamp: testEpoch})
	n, err := restored.HydrateHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	keys := make([]string, 0, 3)
	for _, r := range restored.History() {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []string{"/3", "/4", "/5"}, keys)

	empty := NewPreloadPlanner(cfg, PlannerDeps{Store: memory.NewStore(), Logger: zerolog.Nop()})
	n, err = empty.HydrateHistory(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
