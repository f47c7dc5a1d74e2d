package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/perfpilot/internal/config"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	sessionSnapshotKey = "perfpilot:telemetry:session"
	deliveryBufferKey  = "perfpilot:telemetry:buffer"
)

type RecordOptions struct {
	UserID string
	Errors []string
	Tags   map[string]string
	// Timestamp defaults to the collector clock.
	Timestamp time.Time
}

type TelemetryStats struct {
	SessionID     domain.SessionID `json:"session_id,omitempty"`
	Sampled       bool             `json:"sampled"`
	Online        bool             `json:"online"`
	Queued        int              `json:"queued"`
	Pending       int              `json:"pending"`
	Offline       int              `json:"offline"`
	Sent          int              `json:"sent"`
	Batches       int              `json:"batches"`
	FailedBatches int              `json:"failed_batches"`
	Retries       int              `json:"retries"`
	Discarded     int              `json:"discarded"`
	Rejected      int              `json:"rejected"`
	Dropped       int              `json:"dropped"`
	Buffered      int              `json:"buffered"`
}

type TelemetryDeps struct {
	Sink      ports.MetricsSink
	Beacon    ports.Beacon
	Store     ports.KVStore
	Env       ports.EnvironmentSource
	Scheduler ports.Scheduler
	Clock     ports.Clock
	Random    ports.Random
	Logger    zerolog.Logger
	runner    *detachedRunner
}

// TelemetryCollector samples sessions and delivers metric records in batches
// with per-key retry and a permanent discard set.
type TelemetryCollector struct {
	mu     sync.Mutex
	cfg    config.TelemetryConfig
	sink   ports.MetricsSink
	beacon ports.Beacon
	store  ports.KVStore
	env    ports.EnvironmentSource
	sched  ports.Scheduler
	clock  ports.Clock
	random ports.Random
	logger zerolog.Logger
	runner *detachedRunner

	session   *domain.Session
	decided   bool
	sampled   bool
	online    bool
	userID    string
	queue     []domain.MetricRecord
	pending   []domain.MetricRecord
	offline   []domain.MetricRecord
	retries   map[domain.RecordKey]domain.RetryState
	discarded map[domain.RecordKey]struct{}
	flushing  bool
	running   bool
	timer     ports.Handle
	stats     TelemetryStats
}

func NewTelemetryCollector(cfg config.TelemetryConfig, deps TelemetryDeps) *TelemetryCollector {
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if deps.Random == nil {
		deps.Random = ports.SystemRandom{}
	}
	if deps.runner == nil {
		deps.runner = newDetachedRunner(deps.Logger)
	}

	return &TelemetryCollector{
		cfg:       cfg,
		sink:      deps.Sink,
		beacon:    deps.Beacon,
		store:     deps.Store,
		env:       deps.Env,
		sched:     deps.Scheduler,
		clock:     deps.Clock,
		random:    deps.Random,
		logger:    deps.Logger.With().Str("component", "telemetry").Logger(),
		runner:    deps.runner,
		online:    true,
		retries:   map[domain.RecordKey]domain.RetryState{},
		discarded: map[domain.RecordKey]struct{}{},
	}
}

// StartSession resumes a recent session snapshot or draws the sampling gate
// for a new one. The gate is drawn once per collector.
func (c *TelemetryCollector) StartSession(ctx context.Context) (domain.Session, error) {
	c.mu.Lock()
	if c.decided {
		defer c.mu.Unlock()
		if !c.sampled {
			return domain.Session{}, domain.ErrNotSampled
		}
		return copySession(*c.session), nil
	}
	c.mu.Unlock()

	snapshot, found := c.loadSnapshot(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decided {
		if !c.sampled {
			return domain.Session{}, domain.ErrNotSampled
		}
		return copySession(*c.session), nil
	}

	now := c.clock.Now()
	c.decided = true
	if found && snapshot.IsResumable(now, c.cfg.SessionIdle) {
		snapshot.EndedAt = time.Time{}
		snapshot.LastSeen = now
		c.session = &snapshot
		c.sampled = true
		c.logger.Debug().Str("op", "start_session").Str("session_id", string(snapshot.ID)).Msg("resumed session")
		return copySession(snapshot), nil
	}

	if c.random.Float64() >= c.cfg.SampleRate {
		c.sampled = false
		return domain.Session{}, domain.ErrNotSampled
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	c.session = &domain.Session{ID: domain.SessionID(id.String()), StartedAt: now, LastSeen: now}
	c.sampled = true

	return copySession(*c.session), nil
}

func (c *TelemetryCollector) Session() (domain.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return domain.Session{}, false
	}
	return copySession(*c.session), true
}

func (c *TelemetryCollector) TrackPageView(pageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.TrackPageView(pageID, c.clock.Now())
}

func (c *TelemetryCollector) TrackJourney(name string, metadata map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.TrackStep(name, metadata, c.clock.Now())
}

// Record validates and enqueues one metric record. Records missing identity
// while identity is required wait in the pending queue; any other invalid
// record is discarded and reported as a validation error.
func (c *TelemetryCollector) Record(ctx context.Context, pageID string, signals domain.Signals, opts RecordOptions) error {
	var network domain.NetworkInfo
	var device domain.DeviceInfo
	if c.env != nil {
		network, device = c.env.Network(), c.env.Device()
	}

	c.mu.Lock()
	if c.decided && !c.sampled {
		c.mu.Unlock()
		return domain.ErrNotSampled
	}

	record := c.buildRecordLocked(pageID, signals, opts)
	record.Connection = network.Connection()
	record.Viewport = device.Viewport
	flush, err := c.admitLocked(record)
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if flush {
		if err := c.Flush(ctx); err != nil {
			c.logger.Warn().Err(err).Str("op", "record").Msg("size-triggered flush failed")
		}
	}

	return nil
}

func (c *TelemetryCollector) buildRecordLocked(pageID string, signals domain.Signals, opts RecordOptions) domain.MetricRecord {
	record := domain.MetricRecord{
		PageID:    pageID,
		UserID:    opts.UserID,
		Timestamp: opts.Timestamp,
		Signals:   signals,
		Score:     domain.PerformanceScore(signals),
		Errors:    append([]string(nil), opts.Errors...),
	}
	if c.session != nil {
		record.SessionID = c.session.ID
	}
	if record.UserID == "" {
		record.UserID = c.userID
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = c.clock.Now()
	}
	if len(opts.Tags) > 0 {
		record.Tags = make(map[string]string, len(opts.Tags))
		for k, v := range opts.Tags {
			record.Tags[k] = v
		}
	}
	return record
}

// admitLocked routes a record to the discard set, pending, offline or main
// queue. It reports whether the main queue reached the batch size.
func (c *TelemetryCollector) admitLocked(record domain.MetricRecord) (bool, error) {
	key := record.Key()
	if _, gone := c.discarded[key]; gone {
		c.logger.Debug().Str("op", "record").Str("key", key.String()).Msg("skipping discarded key")
		return false, nil
	}

	if err := c.validateLocked(record); err != nil {
		if errors.Is(err, domain.ErrMissingIdentity) {
			var dropped int
			c.pending, dropped = appendBounded(c.pending, c.cfg.PendingCap, record)
			c.stats.Dropped += dropped
			return false, nil
		}

		c.stats.Rejected++
		return false, domain.NewValidationError(err, fmt.Sprintf("reject record %s", key))
	}

	if !c.online {
		var dropped int
		c.offline, dropped = appendBounded(c.offline, c.cfg.OfflineCap, record)
		c.stats.Dropped += dropped
		return false, nil
	}

	var dropped int
	c.queue, dropped = appendBounded(c.queue, c.cfg.MaxQueue, record)
	c.stats.Dropped += dropped

	return len(c.queue) >= c.cfg.BatchSize, nil
}

func (c *TelemetryCollector) validateLocked(record domain.MetricRecord) error {
	switch {
	case record.SessionID == "":
		return fmt.Errorf("%w: missing session id", domain.ErrInvalidRecord)
	case record.PageID == "":
		return fmt.Errorf("%w: missing page id", domain.ErrInvalidRecord)
	case record.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", domain.ErrInvalidRecord)
	}

	now := c.clock.Now()
	if record.Timestamp.Before(now.Add(-c.cfg.MaxRecordAge)) || record.Timestamp.After(now.Add(c.cfg.MaxClockSkew)) {
		return fmt.Errorf("%w: %s", domain.ErrStaleRecord, record.Timestamp.Format(time.RFC3339))
	}

	if c.cfg.RequireIdentity && record.UserID == "" {
		return domain.ErrMissingIdentity
	}

	return nil
}

func (c *TelemetryCollector) discardLocked(key domain.RecordKey) {
	if _, ok := c.discarded[key]; !ok {
		c.stats.Discarded++
	}
	c.discarded[key] = struct{}{}
	delete(c.retries, key)
}

// SetIdentity stamps the user id on future records and replays the pending
// queue in arrival order.
func (c *TelemetryCollector) SetIdentity(ctx context.Context, userID string) {
	c.mu.Lock()
	c.userID = userID
	pending := c.pending
	c.pending = nil

	flush := false
	for _, record := range pending {
		if record.UserID == "" {
			record.UserID = userID
		}
		full, err := c.admitLocked(record)
		if err != nil {
			c.logger.Debug().Err(err).Str("op", "set_identity").Msg("pending record rejected on replay")
		}
		flush = flush || full
	}
	c.mu.Unlock()

	if flush {
		if err := c.Flush(ctx); err != nil {
			c.logger.Warn().Err(err).Str("op", "set_identity").Msg("flush after identity replay failed")
		}
	}
}

// Flush delivers every queued record whose backoff window has passed, one
// batch per BatchSize chunk in enqueue order. Concurrent calls return
// immediately while a flush is in progress.
func (c *TelemetryCollector) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.flushing || !c.online || len(c.queue) == 0 || c.sink == nil {
		c.mu.Unlock()
		return nil
	}
	c.flushing = true

	now := c.clock.Now()
	ready, deferred := c.partitionLocked(now)
	c.queue = deferred
	batchSize := c.cfg.BatchSize
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.flushing = false
		c.mu.Unlock()
	}()

	var lastErr error
	for start := 0; start < len(ready); start += batchSize {
		end := min(start+batchSize, len(ready))
		batch := ready[start:end]

		err := c.sink.WriteBatch(ctx, batch)

		c.mu.Lock()
		if err == nil {
			c.deliveredLocked(batch)
			c.mu.Unlock()
			continue
		}

		lastErr = err
		c.stats.FailedBatches++
		if domain.IsRecoverable(err) {
			retried := c.retryLocked(batch, c.clock.Now())
			// The rest of this flush waits for the next attempt untouched.
			retried = append(retried, ready[end:]...)
			c.queue = append(retried, c.queue...)
			c.mu.Unlock()
			c.logger.Warn().Err(err).Str("op", "flush").Int("records", len(batch)).Msg("batch delivery failed, will retry")
			break
		}

		for _, record := range batch {
			c.discardLocked(record.Key())
		}
		c.mu.Unlock()
		c.logger.Error().Err(err).Str("op", "flush").Int("records", len(batch)).Msg("batch rejected permanently")
	}

	if lastErr != nil {
		return fmt.Errorf("deliver metric batch: %w", lastErr)
	}
	return nil
}

func (c *TelemetryCollector) partitionLocked(now time.Time) (ready, deferred []domain.MetricRecord) {
	for _, record := range c.queue {
		key := record.Key()
		if _, gone := c.discarded[key]; gone {
			continue
		}
		if err := c.validateLocked(record); err != nil {
			c.logger.Debug().Err(err).Str("op", "flush").Str("key", key.String()).Msg("filtered invalid record before delivery")
			c.discardLocked(key)
			continue
		}
		if state, ok := c.retries[key]; ok && now.Before(state.NextAttempt(c.cfg.MaxBackoff)) {
			deferred = append(deferred, record)
			continue
		}
		ready = append(ready, record)
	}

	return ready, deferred
}

func (c *TelemetryCollector) deliveredLocked(batch []domain.MetricRecord) {
	for _, record := range batch {
		delete(c.retries, record.Key())
	}
	c.stats.Sent += len(batch)
	c.stats.Batches++
}

// retryLocked bumps the retry count once per key and returns the records that
// may be attempted again.
func (c *TelemetryCollector) retryLocked(batch []domain.MetricRecord, now time.Time) []domain.MetricRecord {
	bumped := map[domain.RecordKey]bool{}
	for _, record := range batch {
		key := record.Key()
		if _, done := bumped[key]; done {
			continue
		}

		state, ok := c.retries[key]
		if !ok {
			state = domain.RetryState{MaxRetries: c.cfg.MaxRetries, BackoffBase: c.cfg.BackoffBase}
		}
		state.RetryCount++
		state.LastRetry = now
		c.stats.Retries++

		if state.Exhausted() {
			c.discardLocked(key)
			bumped[key] = false
			continue
		}
		c.retries[key] = state
		bumped[key] = true
	}

	var retried []domain.MetricRecord
	for _, record := range batch {
		if bumped[record.Key()] {
			retried = append(retried, record)
		}
	}
	return retried
}

// SetOnline moves queued records aside while offline and replays them in
// order once connectivity returns.
func (c *TelemetryCollector) SetOnline(ctx context.Context, online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online

	if !online {
		var dropped int
		c.offline, dropped = appendBounded(c.offline, c.cfg.OfflineCap, c.queue...)
		c.stats.Dropped += dropped
		c.queue = nil
		c.mu.Unlock()
		return
	}

	offline := c.offline
	c.offline = nil
	for _, record := range offline {
		if _, err := c.admitLocked(record); err != nil {
			c.logger.Debug().Err(err).Str("op", "set_online").Msg("offline record rejected on replay")
		}
	}
	c.mu.Unlock()

	if err := c.Flush(ctx); err != nil {
		c.logger.Warn().Err(err).Str("op", "set_online").Msg("flush after reconnect failed")
	}
}

// FlushOnHide hands the queue to the beacon without blocking the caller. When
// the beacon refuses, the records are kept in the durable delivery buffer for
// the next cold start. The session is finalized and snapshotted.
func (c *TelemetryCollector) FlushOnHide(ctx context.Context) {
	c.mu.Lock()
	records := make([]domain.MetricRecord, 0, len(c.queue)+len(c.offline))
	for _, record := range append(append([]domain.MetricRecord(nil), c.queue...), c.offline...) {
		if _, gone := c.discarded[record.Key()]; gone {
			continue
		}
		records = append(records, record)
	}
	online := c.online
	c.queue = nil
	c.offline = nil
	var snapshot *domain.Session
	if c.session != nil {
		c.session.Finalize(c.clock.Now())
		copied := copySession(*c.session)
		snapshot = &copied
	}
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	c.runner.Go("telemetry-unload-flush", func() {
		if snapshot != nil {
			c.saveSnapshot(ctx, *snapshot)
		}
		if len(records) == 0 {
			return
		}

		if online && c.beacon != nil && c.beacon.Send(ctx, records) {
			c.mu.Lock()
			c.deliveredLocked(records)
			c.mu.Unlock()
			return
		}

		c.bufferForLater(ctx, records)
	})
}

// Start replays the durable delivery buffer and schedules the periodic flush.
func (c *TelemetryCollector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	if c.sched != nil {
		c.timer = c.sched.Every(c.cfg.FlushInterval, c.flushTick)
	}
	c.mu.Unlock()

	c.replayBuffer(ctx)
}

func (c *TelemetryCollector) flushTick() {
	if err := c.Flush(context.Background()); err != nil {
		c.logger.Warn().Err(err).Str("op", "interval_flush").Msg("interval flush failed")
	}
}

// Stop cancels the interval timer, performs a final flush and snapshots the
// session. It is safe to call more than once.
func (c *TelemetryCollector) Stop(ctx context.Context) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	var snapshot *domain.Session
	if c.session != nil {
		copied := copySession(*c.session)
		snapshot = &copied
	}
	c.mu.Unlock()

	if err := c.Flush(ctx); err != nil {
		c.logger.Warn().Err(err).Str("op", "stop").Msg("final flush failed")
	}

	c.mu.Lock()
	leftover := append(append([]domain.MetricRecord(nil), c.queue...), c.offline...)
	c.queue = nil
	c.offline = nil
	c.mu.Unlock()
	if len(leftover) > 0 {
		c.bufferForLater(ctx, leftover)
	}

	if snapshot != nil {
		c.saveSnapshot(ctx, *snapshot)
	}
}

func (c *TelemetryCollector) UpdateConfig(cfg config.TelemetryConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	intervalChanged := cfg.FlushInterval != c.cfg.FlushInterval
	c.cfg = cfg
	if intervalChanged && c.running && c.sched != nil {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timer = c.sched.Every(cfg.FlushInterval, c.flushTick)
	}
}

func (c *TelemetryCollector) IsDiscarded(key domain.RecordKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.discarded[key]
	return ok
}

func (c *TelemetryCollector) RetryState(key domain.RecordKey) (domain.RetryState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.retries[key]
	return state, ok
}

func (c *TelemetryCollector) Stats() TelemetryStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Sampled = c.sampled
	stats.Online = c.online
	stats.Queued = len(c.queue)
	stats.Pending = len(c.pending)
	stats.Offline = len(c.offline)
	if c.session != nil {
		stats.SessionID = c.session.ID
	}
	return stats
}

func (c *TelemetryCollector) replayBuffer(ctx context.Context) {
	if c.store == nil {
		return
	}

	data, err := c.store.Get(ctx, deliveryBufferKey)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn().Err(err).Str("op", "replay_buffer").Msg("read delivery buffer failed")
		}
		return
	}

	var records []domain.MetricRecord
	if err := json.Unmarshal(data, &records); err != nil {
		c.logger.Warn().Err(err).Str("op", "replay_buffer").Msg("decode delivery buffer failed")
		records = nil
	}
	if err := c.store.Delete(ctx, deliveryBufferKey); err != nil {
		c.logger.Warn().Err(err).Str("op", "replay_buffer").Msg("clear delivery buffer failed")
	}

	c.mu.Lock()
	flush := false
	for _, record := range records {
		full, err := c.admitLocked(record)
		if err != nil {
			c.logger.Debug().Err(err).Str("op", "replay_buffer").Msg("buffered record rejected")
		}
		flush = flush || full
	}
	c.mu.Unlock()

	if flush {
		if err := c.Flush(ctx); err != nil {
			c.logger.Warn().Err(err).Str("op", "replay_buffer").Msg("flush after buffer replay failed")
		}
	}
}

func (c *TelemetryCollector) bufferForLater(ctx context.Context, records []domain.MetricRecord) {
	if c.store == nil {
		return
	}

	var existing []domain.MetricRecord
	if data, err := c.store.Get(ctx, deliveryBufferKey); err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			existing = nil
		}
	}

	c.mu.Lock()
	limit := c.cfg.MaxQueue
	c.mu.Unlock()

	buffered, _ := appendBounded(existing, limit, records...)
	data, err := json.Marshal(buffered)
	if err != nil {
		c.logger.Error().Err(err).Str("op", "buffer").Msg("encode delivery buffer failed")
		return
	}
	if err := c.store.Put(ctx, deliveryBufferKey, data); err != nil {
		c.logger.Warn().Err(err).Str("op", "buffer").Msg("write delivery buffer failed")
		return
	}

	c.mu.Lock()
	c.stats.Buffered += len(records)
	c.mu.Unlock()
}

func (c *TelemetryCollector) loadSnapshot(ctx context.Context) (domain.Session, bool) {
	if c.store == nil {
		return domain.Session{}, false
	}

	data, err := c.store.Get(ctx, sessionSnapshotKey)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn().Err(err).Str("op", "load_snapshot").Msg("read session snapshot failed")
		}
		return domain.Session{}, false
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		c.logger.Warn().Err(err).Str("op", "load_snapshot").Msg("decode session snapshot failed")
		return domain.Session{}, false
	}

	return session, true
}

func (c *TelemetryCollector) saveSnapshot(ctx context.Context, session domain.Session) {
	if c.store == nil {
		return
	}

	data, err := json.Marshal(session)
	if err != nil {
		c.logger.Error().Err(err).Str("op", "save_snapshot").Msg("encode session snapshot failed")
		return
	}
	if err := c.store.Put(ctx, sessionSnapshotKey, data); err != nil {
		c.logger.Warn().Err(err).Str("op", "save_snapshot").Msg("write session snapshot failed")
	}
}

func copySession(s domain.Session) domain.Session {
	s.Journey = append([]domain.JourneyStep(nil), s.Journey...)
	return s
}
