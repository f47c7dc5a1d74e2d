package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bnema/perfpilot/internal/adapters/host/sim"
	"github.com/bnema/perfpilot/internal/application"
	"github.com/bnema/perfpilot/internal/config"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports"
	"github.com/bnema/perfpilot/internal/scheduler"
	"github.com/rs/zerolog"
)

// replayLoops are triggered once after the last event so every loop reports
// at least one decision.
var replayLoops = []string{
	application.LoopContextRefresh,
	application.LoopCacheSync,
	application.LoopPreloadAnalysis,
}

type replayOptions struct {
	Config   config.Config
	Store    ports.KVStore
	Sink     ports.MetricsSink
	Profiles ports.ProfileRepository
	Start    time.Time
	Logger   zerolog.Logger
	// Progress, when set, is called after every replayed event.
	Progress func(replayStep)
}

type replayReport struct {
	Scenario      string                `json:"scenario"`
	Duration      time.Duration         `json:"duration"`
	Events        int                   `json:"events"`
	Rejected      int                   `json:"rejected"`
	Hints         []domain.ResourceHint `json:"hints"`
	Fetched       []string              `json:"fetched"`
	BeaconRecords int                   `json:"beacon_records"`
	Summary       application.Summary   `json:"summary"`
}

// replayer drives an engine over a simulated host on virtual time.
type replayer struct {
	engine  *application.Engine
	host    *sim.Host
	sched   *scheduler.Manual
	logger  zerolog.Logger
	network domain.NetworkInfo
	elapsed time.Duration
	report  replayReport
}

func replayScenario(ctx context.Context, scenario sim.Scenario, opts replayOptions) (replayReport, error) {
	sched := scheduler.NewManual(opts.Start)
	host := sim.New(scenario)
	logger := opts.Logger.With().Str("component", "replay").Str("scenario", scenario.Name).Logger()

	deps := application.Dependencies{
		Sink:          opts.Sink,
		Beacon:        host,
		Store:         opts.Store,
		Loader:        host,
		Fetcher:       host,
		NetworkSensor: host,
		DeviceSensor:  host,
		BatterySensor: host,
		Scheduler:     sched,
		Clock:         sched,
		Random:        ports.SystemRandom{},
		Logger:        opts.Logger,
	}
	if opts.Profiles != nil {
		deps.Profiles = opts.Profiles
	}

	engine := application.NewEngine(deps)
	if err := engine.Initialize(ctx, opts.Config); err != nil {
		return replayReport{}, fmt.Errorf("initialize engine: %w", err)
	}
	engine.WaitDetached(opts.Config.Orchestrator.DestroyTimeout)

	r := &replayer{
		engine:  engine,
		host:    host,
		sched:   sched,
		logger:  logger,
		network: scenario.Network,
		report:  replayReport{Scenario: scenario.Name, Duration: scenario.Duration()},
	}

	timeline := scenario.Timeline()
	for _, event := range timeline {
		if err := ctx.Err(); err != nil {
			return replayReport{}, errors.Join(err, engine.Destroy(context.WithoutCancel(ctx)))
		}
		r.advanceTo(event.At)
		r.apply(ctx, event)
		r.report.Events++
		if opts.Progress != nil {
			opts.Progress(replayStep{Events: r.report.Events, Total: len(timeline), At: event.At, Duration: r.report.Duration})
		}
	}
	r.advanceTo(scenario.Duration())

	for _, loop := range replayLoops {
		if _, err := engine.TriggerOptimization(ctx, loop); err != nil && !errors.Is(err, domain.ErrTickInProgress) {
			logger.Warn().Err(err).Str("loop", loop).Msg("final optimization failed")
		}
	}

	destroyErr := engine.Destroy(ctx)
	if destroyErr != nil {
		logger.Warn().Err(destroyErr).Msg("engine shutdown incomplete")
	}

	r.report.Summary = engine.Summary()
	r.report.Hints = host.Hints()
	r.report.Fetched = host.Fetched()
	r.report.BeaconRecords = host.BeaconRecords()
	return r.report, nil
}

func (r *replayer) advanceTo(at time.Duration) {
	if at <= r.elapsed {
		return
	}
	r.sched.Advance(at - r.elapsed)
	r.elapsed = at
}

func (r *replayer) apply(ctx context.Context, event sim.Event) {
	log := r.logger.Debug().Str("event", string(event.Type)).Dur("at", event.At)

	switch event.Type {
	case sim.EventPageView:
		r.engine.TrackPageView(event.PageID)
	case sim.EventJourney:
		r.engine.TrackJourney(event.Name, event.Metadata)
	case sim.EventMetrics:
		err := r.engine.RecordMetrics(ctx, event.PageID, event.Signals, application.RecordOptions{
			UserID:    event.UserID,
			Timestamp: r.sched.Now(),
		})
		if err != nil {
			r.report.Rejected++
			r.logger.Warn().Err(err).Str("page", event.PageID).Msg("metrics rejected")
		}
	case sim.EventAccess:
		r.engine.RecordAccess(r.accessRecord(event))
	case sim.EventCacheGet:
		if cache := r.engine.Cache(); cache != nil {
			_, hit := cache.Get(event.Key)
			log = log.Bool("hit", hit)
		}
	case sim.EventCacheSet:
		if cache := r.engine.Cache(); cache != nil {
			value, err := r.host.Fetch(ctx, event.Key)
			if err != nil {
				value = []byte(event.Key)
			}
			cache.Set(event.Key, value, application.SetOptions{Priority: event.Priority, Tags: event.Tags})
		}
	case sim.EventIdentity:
		r.engine.SetIdentity(ctx, event.UserID)
	case sim.EventOnline:
		r.engine.SetOnline(ctx, true)
	case sim.EventOffline:
		r.engine.SetOnline(ctx, false)
	case sim.EventHidden:
		r.engine.HandleVisibilityChange(ctx, true)
	case sim.EventNetwork:
		r.host.SetNetwork(event.Network)
		r.network = event.Network
		if _, err := r.engine.HandleNetworkChange(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("network change failed")
		}
	case sim.EventOptimize:
		if _, err := r.engine.TriggerOptimization(ctx, event.Loop); err != nil && !errors.Is(err, domain.ErrTickInProgress) {
			r.logger.Warn().Err(err).Str("loop", event.Loop).Msg("optimization failed")
		}
	}

	log.Msg("event replayed")
}

func (r *replayer) accessRecord(event sim.Event) domain.AccessRecord {
	record := domain.AccessRecord{
		Key:         event.Key,
		Kind:        domain.ResourceAny,
		Timestamp:   r.sched.Now(),
		NetworkType: r.network.EffectiveType,
		Context:     event.Context,
		CrossOrigin: strings.HasPrefix(event.Key, "http://") || strings.HasPrefix(event.Key, "https://"),
	}
	if resource, ok := r.host.Resource(event.Key); ok {
		record.Kind = resource.Kind
		record.LoadTime = resource.LoadTime
		record.SizeBytes = resource.Size
	}
	return record
}
