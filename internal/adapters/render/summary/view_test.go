package summary

import (
	"fmt"
	"testing"
	"time"

	"github.com/bnema/perfpilot/internal/application"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderUninitialized(t *testing.T) {
	output, err := Render(application.Summary{State: application.State{Phase: application.PhaseUninitialized}}, RenderOptions{})

	require.NoError(t, err)
	assert.Contains(t, output, "Performance Summary")
	assert.Contains(t, output, "session: not sampled")
	assert.Contains(t, output, "Engine not initialized.")
}

func TestRenderRunningEngine(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	fallback := domain.StrategyProfile{Name: "conditional-data-saver", Kind: domain.StrategyConditional}

	summary := application.Summary{
		GeneratedAt: now,
		Session:     &domain.Session{ID: "0195-session"},
		State: application.State{
			Phase:    application.PhaseRunning,
			Detected: true,
			Context: domain.DetectedContext{
				Network: domain.NetworkInfo{EffectiveType: domain.Network3G, DownlinkMbps: 1.2, RTTMillis: 350, SaveData: true},
				Device:  domain.DeviceInfo{Tier: domain.DeviceTierMid, CPUTier: domain.DeviceTierHigh, MemoryGB: 4, Cores: 4},
				Battery: &domain.BatteryInfo{Level: 0.15},
			},
			Telemetry: application.TelemetryStats{Sampled: true, Sent: 4, Batches: 2, Discarded: 1},
			Cache:     application.CacheStats{Entries: 3, Bytes: 3 << 20, MaxBytes: 50 << 20, Hits: 3, Misses: 1, HitRate: 0.75},
			Preload:   application.PreloadStats{Applied: 2, Wasted: 1, Preloaded: 2, History: 9},
			Loops: []application.LoopStatus{
				{Name: application.LoopPreloadAnalysis, State: application.LoopActive, Interval: 30 * time.Second, Runs: 3, Applied: 1, LastRun: now.Add(-10 * time.Second)},
				{Name: application.LoopCacheSync, State: application.LoopErrored, Interval: time.Minute, Runs: 1, Failures: 1, LastError: "store unavailable"},
			},
		},
		Strategies: map[domain.ResourceKind]domain.StrategyDecision{
			domain.ResourceImage: {Profile: domain.StrategyProfile{Name: "lazy-below-fold", Kind: domain.StrategyLazy}, Fallback: &fallback, Confidence: 0.82},
		},
		Adaptation: domain.ContentAdaptation{ImageQuality: domain.ImageQualityLow, VideoBitrate: 600, VideoResolution: 480, FontLoading: domain.FontOptional, Animations: domain.AnimationsNone, Reasons: []string{"data saver", "low battery"}},
		Decisions: []domain.OrchestrationDecision{
			{Loop: application.LoopPreloadAnalysis, Priority: domain.PriorityLow, Rationale: "no candidates; constrained network"},
			{Loop: application.LoopCacheSync, Priority: domain.PriorityHigh, Applied: true, Rationale: "usage 95%"},
		},
	}

	output, err := Render(summary, RenderOptions{Now: now, Decisions: 1})
	require.NoError(t, err)

	assert.Contains(t, output, "session: 0195-session")
	assert.Contains(t, output, "3g, 1.2 Mbps, 350 ms RTT, save-data")
	assert.Contains(t, output, "battery conservation active")
	assert.Contains(t, output, "lazy-below-fold (lazy) 82%")
	assert.Contains(t, output, "fallback conditional-data-saver")
	assert.Contains(t, output, "480p @ 600 kbps")
	assert.Contains(t, output, "because: data saver, low battery")
	assert.Contains(t, output, "4 records in 2 batches")
	assert.Contains(t, output, "1 discarded")
	assert.Contains(t, output, "3.0 MiB of 50.0 MiB, 3 entries")
	assert.Contains(t, output, "75% of 4 lookups")
	assert.Contains(t, output, "last 10s ago")
	assert.Contains(t, output, "last error: store unavailable")
	assert.Contains(t, output, "usage 95%")
	assert.NotContains(t, output, "constrained network", "only the most recent decisions are listed")
}

func TestRenderDefaultsToGenerationTimeAndRecentDecisions(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	decisions := make([]domain.OrchestrationDecision, 0, 7)
	for i := 1; i <= 7; i++ {
		decisions = append(decisions, domain.OrchestrationDecision{
			Loop:      application.LoopCacheSync,
			Priority:  domain.PriorityMedium,
			Rationale: fmt.Sprintf("sync pass %d", i),
		})
	}

	output, err := Render(application.Summary{
		GeneratedAt: now,
		State: application.State{
			Phase: application.PhaseDestroyed,
			Loops: []application.LoopStatus{
				{Name: application.LoopContextRefresh, State: application.LoopStopped, Interval: 5 * time.Minute, Runs: 1, LastRun: now.Add(-2 * time.Minute)},
			},
		},
		Decisions: decisions,
	}, RenderOptions{})
	require.NoError(t, err)

	assert.Contains(t, output, "phase: destroyed")
	assert.Contains(t, output, "last 2m0s ago")
	assert.Contains(t, output, "sync pass 7")
	assert.Contains(t, output, "sync pass 3")
	assert.NotContains(t, output, "sync pass 2")
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{in: 512, want: "512 B"},
		{in: 1536, want: "1.5 KiB"},
		{in: 50 << 20, want: "50.0 MiB"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, formatBytes(tc.in))
	}
}
