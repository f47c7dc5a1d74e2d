package application

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bnema/perfpilot/internal/config"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Defaults used when a host sensor is missing or fails.
var (
	fallbackNetwork = domain.NetworkInfo{EffectiveType: domain.Network4G, DownlinkMbps: 10, RTTMillis: 100}
	fallbackDevice  = domain.DeviceInfo{MemoryGB: 4, Cores: 4}
)

// Benchmark runs a CPU busy loop of the given size and reports its duration.
type Benchmark func(iterations int) time.Duration

func cpuBenchmark(iterations int) time.Duration {
	start := time.Now()
	var acc float64
	for i := 0; i < iterations; i++ {
		acc += math.Sqrt(float64(i)) * math.Sin(float64(i))
	}
	elapsed := time.Since(start)
	runtime.KeepAlive(acc)
	return elapsed
}

type SelectorDeps struct {
	Network   ports.NetworkSensor
	Device    ports.DeviceSensor
	Battery   ports.BatterySensor
	Profiles  []domain.StrategyProfile
	Benchmark Benchmark
	Clock     ports.Clock
	Logger    zerolog.Logger
}

// StrategySelector owns the detected host context and picks a loading
// strategy per resource kind from an immutable profile set.
type StrategySelector struct {
	cfg       config.StrategyConfig
	netSensor ports.NetworkSensor
	devSensor ports.DeviceSensor
	batSensor ports.BatterySensor
	profiles  []domain.StrategyProfile
	benchmark Benchmark
	clock     ports.Clock
	logger    zerolog.Logger

	mu       sync.RWMutex
	detected bool
	current  domain.DetectedContext
}

var _ ports.EnvironmentSource = (*StrategySelector)(nil)

func NewStrategySelector(cfg config.StrategyConfig, deps SelectorDeps) *StrategySelector {
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if deps.Benchmark == nil {
		deps.Benchmark = cpuBenchmark
	}
	profiles := deps.Profiles
	if len(profiles) == 0 {
		profiles = BuiltinProfiles()
	}

	return &StrategySelector{
		cfg:       cfg,
		netSensor: deps.Network,
		devSensor: deps.Device,
		batSensor: deps.Battery,
		profiles:  slices.Clone(profiles),
		benchmark: deps.Benchmark,
		clock:     deps.Clock,
		logger:    deps.Logger.With().Str("component", "strategy").Logger(),
		current:   domain.DetectedContext{Network: fallbackNetwork, Device: tierDevice(fallbackDevice, 0)},
	}
}

// DetectContext reads network, device, battery and CPU speed in parallel.
// Sensor failures are logged and replaced by fallback defaults; only a
// cancelled parent context is reported.
func (s *StrategySelector) DetectContext(ctx context.Context) (domain.DetectedContext, error) {
	detectCtx, cancel := s.detectContext(ctx)
	defer cancel()

	var (
		network = fallbackNetwork
		device  = fallbackDevice
		battery *domain.BatteryInfo
		elapsed time.Duration
	)

	g, gctx := errgroup.WithContext(detectCtx)
	g.Go(func() error {
		network = s.readNetwork(gctx)
		return nil
	})
	g.Go(func() error {
		device = s.readDevice(gctx)
		return nil
	})
	g.Go(func() error {
		battery = s.readBattery(gctx)
		return nil
	})
	g.Go(func() error {
		elapsed = s.benchmark(s.cfg.BenchmarkIterations)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return s.snapshot(), fmt.Errorf("detect context: %w", err)
	}

	detected := domain.DetectedContext{
		Network:    network,
		Device:     tierDevice(device, elapsed),
		Battery:    battery,
		DetectedAt: s.clock.Now(),
	}

	s.mu.Lock()
	s.current = detected
	s.detected = true
	s.mu.Unlock()

	s.logger.Info().
		Str("op", "detect_context").
		Str("network", string(network.EffectiveType)).
		Bool("save_data", network.SaveData).
		Str("device_tier", string(detected.Device.Tier)).
		Dur("benchmark", elapsed).
		Msg("context detected")

	return detected, nil
}

// HandleNetworkChange re-reads the network only and reports whether the
// effective class or data-saver flag changed.
func (s *StrategySelector) HandleNetworkChange(ctx context.Context) (domain.NetworkInfo, bool) {
	detectCtx, cancel := s.detectContext(ctx)
	defer cancel()
	network := s.readNetwork(detectCtx)

	s.mu.Lock()
	previous := s.current.Network
	s.current.Network = network
	s.current.DetectedAt = s.clock.Now()
	s.mu.Unlock()

	changed := previous.EffectiveType != network.EffectiveType || previous.SaveData != network.SaveData
	if changed {
		s.logger.Info().Str("op", "network_change").
			Str("from", string(previous.EffectiveType)).
			Str("to", string(network.EffectiveType)).
			Msg("network class changed")
	}
	return network, changed
}

func (s *StrategySelector) detectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.DetectTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.DetectTimeout)
}

func (s *StrategySelector) readNetwork(ctx context.Context) domain.NetworkInfo {
	if s.netSensor == nil {
		s.logSensorFallback(domain.NewSensorUnavailable("network", nil))
		return fallbackNetwork
	}

	info, err := s.netSensor.Network(ctx)
	if err != nil {
		s.logSensorFallback(domain.NewSensorUnavailable("network", err))
		return fallbackNetwork
	}
	info.EffectiveType = domain.ParseNetworkClass(string(info.EffectiveType))
	if info.EffectiveType == domain.NetworkUnknown {
		info.EffectiveType = fallbackNetwork.EffectiveType
	}
	return info
}

func (s *StrategySelector) readDevice(ctx context.Context) domain.DeviceInfo {
	if s.devSensor == nil {
		s.logSensorFallback(domain.NewSensorUnavailable("device", nil))
		return fallbackDevice
	}

	info, err := s.devSensor.Device(ctx)
	if err != nil {
		s.logSensorFallback(domain.NewSensorUnavailable("device", err))
		return fallbackDevice
	}
	if info.MemoryGB <= 0 {
		info.MemoryGB = fallbackDevice.MemoryGB
	}
	if info.Cores <= 0 {
		info.Cores = fallbackDevice.Cores
	}
	return info
}

func (s *StrategySelector) readBattery(ctx context.Context) *domain.BatteryInfo {
	if s.batSensor == nil {
		return nil
	}

	info, err := s.batSensor.Battery(ctx)
	if err != nil {
		s.logSensorFallback(domain.NewSensorUnavailable("battery", err))
		return nil
	}
	return &info
}

func (s *StrategySelector) logSensorFallback(err error) {
	s.logger.Warn().Err(err).Str("op", "detect_context").Msg("sensor unavailable, using defaults")
}

// tierDevice derives CPU, memory and overall tiers. The overall tier is the
// lower of the two.
func tierDevice(device domain.DeviceInfo, elapsed time.Duration) domain.DeviceInfo {
	cpu := domain.DeviceTierLow
	switch {
	case elapsed <= 8*time.Millisecond && device.Cores >= 4:
		cpu = domain.DeviceTierHigh
	case elapsed <= 20*time.Millisecond:
		cpu = domain.DeviceTierMid
	}

	memory := domain.DeviceTierLow
	switch {
	case device.MemoryGB >= 8:
		memory = domain.DeviceTierHigh
	case device.MemoryGB >= 4:
		memory = domain.DeviceTierMid
	}

	device.CPUTier = cpu
	device.Benchmark = elapsed
	device.Tier = cpu
	if tierRank(memory) < tierRank(cpu) {
		device.Tier = memory
	}
	return device
}

func tierRank(t domain.DeviceTier) int {
	switch t {
	case domain.DeviceTierHigh:
		return 2
	case domain.DeviceTierMid:
		return 1
	default:
		return 0
	}
}

type scoredProfile struct {
	profile domain.StrategyProfile
	score   float64
}

// SelectStrategy scores every profile that handles kind and returns the best
// one with the runner-up as fallback.
func (s *StrategySelector) SelectStrategy(kind domain.ResourceKind, user domain.UserContext) domain.StrategyDecision {
	s.mu.RLock()
	detected := s.detected
	current := s.current
	s.mu.RUnlock()
	now := s.clock.Now()

	if !detected {
		return domain.StrategyDecision{
			Profile:    s.defaultProfile(),
			Resource:   kind,
			Confidence: 0.5,
			Reason:     "context not detected yet",
			DecidedAt:  now,
		}
	}

	var ranked []scoredProfile
	for _, profile := range s.profiles {
		if !profile.Handles(kind) {
			continue
		}
		if profile.Kind == domain.StrategyEager && current.Network.Constrained() {
			continue
		}
		ranked = append(ranked, scoredProfile{profile: profile, score: scoreProfile(profile, current, user)})
	}

	if len(ranked) == 0 {
		return domain.StrategyDecision{
			Profile:    s.fallbackProfile(kind, current.Network.Constrained()),
			Resource:   kind,
			Confidence: 0.5,
			Reason:     fmt.Sprintf("no eligible profile for %s", kind),
			DecidedAt:  now,
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].profile.Name < ranked[j].profile.Name
	})

	best := ranked[0]
	decision := domain.StrategyDecision{
		Profile:    best.profile,
		Resource:   kind,
		Score:      best.score,
		Confidence: math.Min(0.95, best.score/100),
		Reason: fmt.Sprintf("%s scored %.1f on %s/%s network, %s device",
			best.profile.Name, best.score, current.Network.EffectiveType, boolLabel(current.Network.SaveData, "save-data", "full-data"), current.Device.Tier),
		DecidedAt: now,
	}
	if len(ranked) > 1 {
		runnerUp := ranked[1].profile
		decision.Fallback = &runnerUp
	}

	s.logger.Debug().Str("op", "select").Str("resource", string(kind)).Str("profile", best.profile.Name).Float64("score", best.score).Msg("strategy selected")
	return decision
}

func scoreProfile(p domain.StrategyProfile, ctx domain.DetectedContext, user domain.UserContext) float64 {
	cond := p.Conditions
	score := matchScore(cond.NetworkClasses, ctx.Network.EffectiveType, 30)
	score += matchScore(cond.DeviceTiers, ctx.Device.Tier, 25)

	class := user.Class
	if class == "" {
		class = domain.UserNew
	}
	score += matchScore(cond.UserClasses, class, 20)

	if cond.MinDownlinkMbps > 0 && ctx.Network.DownlinkMbps >= cond.MinDownlinkMbps {
		score += 10
	}
	if cond.MaxRTTMillis > 0 && ctx.Network.RTTMillis > 0 && ctx.Network.RTTMillis <= cond.MaxRTTMillis {
		score += 8
	}
	if cond.MinMemoryGB > 0 && ctx.Device.MemoryGB >= cond.MinMemoryGB {
		score += 7
	}

	tolerance := user.Tolerance
	if tolerance == "" {
		tolerance = domain.ToleranceMedium
	}
	score += toleranceAlignment[tolerance][p.Kind]

	if ctx.Battery.Low() {
		switch p.Kind {
		case domain.StrategyLazy, domain.StrategyConditional:
			score += 10
		case domain.StrategyEager:
			score -= 10
		}
	}

	return math.Max(0, score)
}

// matchScore awards full weight on a listed match, half when the profile does
// not constrain the dimension, and nothing on a mismatch.
func matchScore[T comparable](allowed []T, value T, weight float64) float64 {
	if len(allowed) == 0 {
		return weight / 2
	}
	if slices.Contains(allowed, value) {
		return weight
	}
	return 0
}

func (s *StrategySelector) defaultProfile() domain.StrategyProfile {
	for _, p := range s.profiles {
		if p.Name == s.cfg.DefaultProfile {
			return p
		}
	}
	for _, p := range BuiltinProfiles() {
		if p.Name == s.cfg.DefaultProfile {
			return p
		}
	}
	return s.profiles[0]
}

// fallbackProfile is the default profile, replaced on a constrained network
// by the first non-eager profile, preferring one that handles kind.
func (s *StrategySelector) fallbackProfile(kind domain.ResourceKind, constrained bool) domain.StrategyProfile {
	profile := s.defaultProfile()
	if !constrained || profile.Kind != domain.StrategyEager {
		return profile
	}

	candidates := append(slices.Clone(s.profiles), BuiltinProfiles()...)
	for _, p := range candidates {
		if p.Kind != domain.StrategyEager && p.Handles(kind) {
			return p
		}
	}
	for _, p := range candidates {
		if p.Kind != domain.StrategyEager {
			return p
		}
	}
	return profile
}

// ContentAdaptation applies cascading downgrades for the detected context.
func (s *StrategySelector) ContentAdaptation() domain.ContentAdaptation {
	s.mu.RLock()
	detected := s.detected
	current := s.current
	s.mu.RUnlock()

	adaptation := domain.DefaultContentAdaptation()
	if !detected {
		return adaptation
	}

	if current.Device.CPUTier == domain.DeviceTierLow {
		adaptation = adaptation.Tighten("low cpu tier", domain.ContentAdaptation{
			ImageQuality:    domain.ImageQualityMedium,
			VideoBitrate:    1500,
			VideoResolution: 720,
			Animations:      domain.AnimationsReduced,
		})
	}

	switch class := current.Network.EffectiveType; {
	case class.IsSlow():
		adaptation = adaptation.Tighten("slow network", domain.ContentAdaptation{
			ImageQuality:    domain.ImageQualityLow,
			VideoBitrate:    400,
			VideoResolution: 360,
			FontLoading:     domain.FontOptional,
			Animations:      domain.AnimationsReduced,
		})
	case class.IsConstrained():
		adaptation = adaptation.Tighten("3g network", domain.ContentAdaptation{
			ImageQuality:    domain.ImageQualityMedium,
			VideoBitrate:    1200,
			VideoResolution: 720,
		})
	}

	if current.Network.SaveData {
		adaptation = adaptation.Tighten("data saver", domain.ContentAdaptation{
			ImageQuality:    domain.ImageQualityLow,
			VideoBitrate:    600,
			VideoResolution: 480,
			FontLoading:     domain.FontOptional,
		})
	}

	if current.Battery.Low() {
		adaptation = adaptation.Tighten("low battery", domain.ContentAdaptation{
			VideoBitrate: 1000,
			Animations:   domain.AnimationsNone,
		})
	}

	return adaptation
}

func (s *StrategySelector) Profiles() []domain.StrategyProfile {
	return slices.Clone(s.profiles)
}

// Context returns the latest detected context and whether detection ran.
func (s *StrategySelector) Context() (domain.DetectedContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.detected
}

func (s *StrategySelector) snapshot() domain.DetectedContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *StrategySelector) Network() domain.NetworkInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Network
}

func (s *StrategySelector) Device() domain.DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Device
}

func (s *StrategySelector) Detected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detected
}

func boolLabel(v bool, yes, no string) string {
	if v {
		return yes
	}
	return no
}
