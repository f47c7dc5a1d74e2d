package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bnema/perfpilot/internal/config"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubNetworkSensor struct {
	info domain.NetworkInfo
	err  error
}

func (p *stubNetworkSensor) Network(context.Context) (domain.NetworkInfo, error) { return p.info, p.err }

type stubDeviceSensor struct {
	info domain.DeviceInfo
	err  error
}

func (p stubDeviceSensor) Device(context.Context) (domain.DeviceInfo, error) { return p.info, p.err }

type stubBatterySensor struct {
	info domain.BatteryInfo
	err  error
}

func (p stubBatterySensor) Battery(context.Context) (domain.BatteryInfo, error) { return p.info, p.err }

func fixedBenchmark(d time.Duration) Benchmark {
	return func(int) time.Duration { return d }
}

var (
	fastNetwork = domain.NetworkInfo{EffectiveType: domain.Network4G, DownlinkMbps: 20, RTTMillis: 50}
	highDevice  = domain.DeviceInfo{MemoryGB: 16, Cores: 8}
)

func newTestSelector(t *testing.T, network domain.NetworkInfo, device domain.DeviceInfo, battery *domain.BatteryInfo) *StrategySelector {
	t.Helper()

	deps := SelectorDeps{
		Network:   &stubNetworkSensor{info: network},
		Device:    stubDeviceSensor{info: device},
		Benchmark: fixedBenchmark(5 * time.Millisecond),
		Clock:     fixedClock{now: testEpoch},
		Logger:    zerolog.Nop(),
	}
	if battery != nil {
		deps.Battery = stubBatterySensor{info: *battery}
	}

	selector := NewStrategySelector(config.Default().Strategy, deps)
	_, err := selector.DetectContext(context.Background())
	require.NoError(t, err)
	return selector
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func TestSelectorReturnsDefaultBeforeDetection(t *testing.T) {
	t.Parallel()

	selector := NewStrategySelector(config.Default().Strategy, SelectorDeps{Logger: zerolog.Nop()})
	decision := selector.SelectStrategy(domain.ResourceImage, domain.UserContext{})

	assert.Equal(t, "progressive-images", decision.Profile.Name)
	assert.Equal(t, 0.5, decision.Confidence)
	assert.False(t, selector.Detected())
	assert.Equal(t, domain.DefaultContentAdaptation(), selector.ContentAdaptation())
}

func TestSelectorPicksBestProfileWithRunnerUp(t *testing.T) {
	t.Parallel()

	selector := newTestSelector(t, fastNetwork, highDevice, nil)
	decision := selector.SelectStrategy(domain.ResourceScript, domain.UserContext{Class: domain.UserReturning, Tolerance: domain.ToleranceLow})

	assert.Equal(t, "eager-critical", decision.Profile.Name)
	assert.Equal(t, float64(115), decision.Score)
	assert.Equal(t, 0.95, decision.Confidence)
	require.NotNil(t, decision.Fallback)
	assert.Equal(t, "conditional-data-saver", decision.Fallback.Name)
	assert.Equal(t, domain.ResourceScript, decision.Resource)
}

func TestSelectorNeverPicksEagerOnConstrainedNetwork(t *testing.T) {
	t.Parallel()

	constrained := domain.NetworkInfo{EffectiveType: domain.NetworkSlow2G, DownlinkMbps: 50, RTTMillis: 20, SaveData: true}
	selector := newTestSelector(t, constrained, highDevice, nil)

	kinds := []domain.ResourceKind{domain.ResourceScript, domain.ResourceStyle, domain.ResourceFont, domain.ResourceImage, domain.ResourceVideo, domain.ResourceFetch}
	users := []domain.UserContext{
		{Class: domain.UserPower, Tolerance: domain.ToleranceLow},
		{Class: domain.UserReturning, Tolerance: domain.ToleranceMedium},
		{Class: domain.UserNew, Tolerance: domain.ToleranceHigh},
	}
	for _, kind := range kinds {
		for _, user := range users {
			decision := selector.SelectStrategy(kind, user)
			assert.NotEqual(t, domain.StrategyEager, decision.Profile.Kind, "%s/%s", kind, user.Class)
			if decision.Fallback != nil {
				assert.NotEqual(t, domain.StrategyEager, decision.Fallback.Kind)
			}
			assert.GreaterOrEqual(t, decision.Confidence, 0.0)
			assert.LessOrEqual(t, decision.Confidence, 0.95)
		}
	}
}

func TestSelectorFallbackAvoidsEagerDefaultOnConstrainedNetwork(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Strategy
	cfg.DefaultProfile = "eager-all"
	selector := NewStrategySelector(cfg, SelectorDeps{
		Network: &stubNetworkSensor{info: domain.NetworkInfo{EffectiveType: domain.NetworkSlow2G, DownlinkMbps: 0.05, RTTMillis: 2000, SaveData: true}},
		Device:  stubDeviceSensor{info: highDevice},
		Profiles: []domain.StrategyProfile{
			{Name: "eager-all", Kind: domain.StrategyEager, Resources: []domain.ResourceKind{domain.ResourceScript}},
			{Name: "lazy-img", Kind: domain.StrategyLazy, Resources: []domain.ResourceKind{domain.ResourceImage}},
		},
		Benchmark: fixedBenchmark(5 * time.Millisecond),
		Clock:     fixedClock{now: testEpoch},
		Logger:    zerolog.Nop(),
	})
	_, err := selector.DetectContext(context.Background())
	require.NoError(t, err)

	decision := selector.SelectStrategy(domain.ResourceScript, domain.UserContext{})
	assert.NotEqual(t, domain.StrategyEager, decision.Profile.Kind)
	assert.Contains(t, decision.Reason, "no eligible profile")

	decision = selector.SelectStrategy(domain.ResourceImage, domain.UserContext{})
	assert.Equal(t, "lazy-img", decision.Profile.Name)
}

func TestSelectorFallbackKeepsEagerDefaultOnFastNetwork(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Strategy
	cfg.DefaultProfile = "eager-all"
	selector := NewStrategySelector(cfg, SelectorDeps{
		Network: &stubNetworkSensor{info: fastNetwork},
		Device:  stubDeviceSensor{info: highDevice},
		Profiles: []domain.StrategyProfile{
			{Name: "eager-all", Kind: domain.StrategyEager, Resources: []domain.ResourceKind{domain.ResourceScript}},
		},
		Benchmark: fixedBenchmark(5 * time.Millisecond),
		Clock:     fixedClock{now: testEpoch},
		Logger:    zerolog.Nop(),
	})
	_, err := selector.DetectContext(context.Background())
	require.NoError(t, err)

	decision := selector.SelectStrategy(domain.ResourceVideo, domain.UserContext{})
	assert.Equal(t, "eager-all", decision.Profile.Name)
}

func TestSelectorBatteryConservation(t *testing.T) {
	t.Parallel()

	ctx := domain.DetectedContext{
		Network: domain.NetworkInfo{EffectiveType: domain.Network3G, DownlinkMbps: 2, RTTMillis: 300},
		Device:  domain.DeviceInfo{MemoryGB: 4, Tier: domain.DeviceTierMid},
	}
	low := ctx
	low.Battery = &domain.BatteryInfo{Level: 0.1}
	charging := ctx
	charging.Battery = &domain.BatteryInfo{Level: 0.1, Charging: true}

	profiles := map[string]domain.StrategyProfile{}
	for _, p := range BuiltinProfiles() {
		profiles[p.Name] = p
	}
	user := domain.UserContext{}

	assert.Equal(t, scoreProfile(profiles["lazy-below-fold"], ctx, user)+10, scoreProfile(profiles["lazy-below-fold"], low, user))
	assert.Equal(t, scoreProfile(profiles["lazy-below-fold"], ctx, user), scoreProfile(profiles["lazy-below-fold"], charging, user))
	assert.Equal(t, scoreProfile(profiles["progressive-images"], ctx, user), scoreProfile(profiles["progressive-images"], low, user))
	assert.GreaterOrEqual(t, scoreProfile(profiles["eager-critical"], low, user), 0.0)
}

func TestSelectorSensorFailuresFallBackToDefaults(t *testing.T) {
	t.Parallel()

	selector := NewStrategySelector(config.Default().Strategy, SelectorDeps{
		Network:   &stubNetworkSensor{err: errors.New("navigator.connection undefined")},
		Battery:   stubBatterySensor{err: errors.New("getBattery rejected")},
		Benchmark: fixedBenchmark(30 * time.Millisecond),
		Logger:    zerolog.Nop(),
	})

	detected, err := selector.DetectContext(context.Background())
	require.NoError(t, err)

	assert.True(t, selector.Detected())
	assert.Equal(t, domain.Network4G, detected.Network.EffectiveType)
	assert.Equal(t, 10.0, detected.Network.DownlinkMbps)
	assert.Equal(t, 4.0, detected.Device.MemoryGB)
	assert.Equal(t, domain.DeviceTierLow, detected.Device.CPUTier)
	assert.Nil(t, detected.Battery)
}

func TestSelectorDetectContextHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	selector := NewStrategySelector(config.Default().Strategy, SelectorDeps{Benchmark: fixedBenchmark(0), Logger: zerolog.Nop()})
	_, err := selector.DetectContext(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, selector.Detected())
}

func TestTierDevice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		device  domain.DeviceInfo
		elapsed time.Duration
		cpu     domain.DeviceTier
		tier    domain.DeviceTier
	}{
		{name: "fast many cores", device: domain.DeviceInfo{MemoryGB: 16, Cores: 8}, elapsed: 5 * time.Millisecond, cpu: domain.DeviceTierHigh, tier: domain.DeviceTierHigh},
		{name: "fast few cores", device: domain.DeviceInfo{MemoryGB: 16, Cores: 2}, elapsed: 5 * time.Millisecond, cpu: domain.DeviceTierMid, tier: domain.DeviceTierMid},
		{name: "memory caps tier", device: domain.DeviceInfo{MemoryGB: 2, Cores: 8}, elapsed: 5 * time.Millisecond, cpu: domain.DeviceTierHigh, tier: domain.DeviceTierLow},
		{name: "slow cpu", device: domain.DeviceInfo{MemoryGB: 8, Cores: 8}, elapsed: 25 * time.Millisecond, cpu: domain.DeviceTierLow, tier: domain.DeviceTierLow},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := tierDevice(tc.device, tc.elapsed)
			assert.Equal(t, tc.cpu, got.CPUTier)
			assert.Equal(t, tc.tier, got.Tier)
			assert.Equal(t, tc.elapsed, got.Benchmark)
		})
	}
}

func TestSelectorContentAdaptationOnlyTightens(t *testing.T) {
	t.Parallel()

	battery := &domain.BatteryInfo{Level: 0.1}
	network := domain.NetworkInfo{EffectiveType: domain.Network2G, DownlinkMbps: 0.2, RTTMillis: 900, SaveData: true}
	selector := NewStrategySelector(config.Default().Strategy, SelectorDeps{
		Network:   &stubNetworkSensor{info: network},
		Device:    stubDeviceSensor{info: domain.DeviceInfo{MemoryGB: 2, Cores: 2}},
		Battery:   stubBatterySensor{info: *battery},
		Benchmark: fixedBenchmark(40 * time.Millisecond),
		Logger:    zerolog.Nop(),
	})
	_, err := selector.DetectContext(context.Background())
	require.NoError(t, err)

	got := selector.ContentAdaptation()

	assert.Equal(t, domain.ImageQualityLow, got.ImageQuality)
	assert.Equal(t, 360, got.VideoResolution)
	assert.Equal(t, 400, got.VideoBitrate)
	assert.Equal(t, domain.FontOptional, got.FontLoading)
	assert.Equal(t, domain.AnimationsNone, got.Animations)
	assert.Equal(t, []string{"low cpu tier", "slow network", "data saver", "low battery"}, got.Reasons)

	fast := newTestSelector(t, fastNetwork, highDevice, nil).ContentAdaptation()
	assert.Equal(t, domain.DefaultContentAdaptation(), fast)
}

func TestSelectorHandleNetworkChange(t *testing.T) {
	t.Parallel()

	sensor := &stubNetworkSensor{info: fastNetwork}
	selector := NewStrategySelector(config.Default().Strategy, SelectorDeps{
		Network:   sensor,
		Benchmark: fixedBenchmark(5 * time.Millisecond),
		Logger:    zerolog.Nop(),
	})
	_, err := selector.DetectContext(context.Background())
	require.NoError(t, err)

	_, changed := selector.HandleNetworkChange(context.Background())
	assert.False(t, changed)

	sensor.info = domain.NetworkInfo{EffectiveType: domain.Network3G, DownlinkMbps: 1.5, RTTMillis: 300}
	network, changed := selector.HandleNetworkChange(context.Background())
	assert.True(t, changed)
	assert.Equal(t, domain.Network3G, network.EffectiveType)
	assert.Equal(t, domain.Network3G, selector.Network().EffectiveType)
}
