// Package cdp drives a real browser tab over the Chrome DevTools Protocol:
// sensors read navigator APIs, hints are injected as <link> elements, fetches
// and beacons run inside the page.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bnema/perfpilot/internal/adapters/sink"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports"
	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// evaluator runs one expression in the page and returns its JSON value.
type evaluator interface {
	Evaluate(ctx context.Context, expression string, awaitPromise bool) (json.RawMessage, error)
}

type runtimeEvaluator struct {
	client *cdp.Client
}

func (r runtimeEvaluator) Evaluate(ctx context.Context, expression string, awaitPromise bool) (json.RawMessage, error) {
	args := runtime.NewEvaluateArgs(expression).SetReturnByValue(true).SetAwaitPromise(awaitPromise)
	reply, err := r.client.Runtime.Evaluate(ctx, args)
	if err != nil {
		return nil, err
	}
	if reply.ExceptionDetails != nil {
		return nil, fmt.Errorf("page exception: %s", reply.ExceptionDetails.Text)
	}
	return reply.Result.Value, nil
}

type Config struct {
	// DevToolsURL is the browser debugging endpoint, e.g. http://127.0.0.1:9222.
	DevToolsURL string
	// TargetID selects a tab; empty picks the first page.
	TargetID string
	// BeaconURL receives navigator.sendBeacon payloads on page hide.
	BeaconURL     string
	SchemaVersion string
}

type Host struct {
	eval      evaluator
	beaconURL string
	version   string
	clock     ports.Clock
	logger    zerolog.Logger

	mu   sync.Mutex
	conn *rpcc.Conn
}

var (
	_ ports.NetworkSensor   = (*Host)(nil)
	_ ports.DeviceSensor    = (*Host)(nil)
	_ ports.BatterySensor   = (*Host)(nil)
	_ ports.ResourceLoader = (*Host)(nil)
	_ ports.Fetcher        = (*Host)(nil)
	_ ports.Beacon         = (*Host)(nil)
)

// Attach connects to the configured tab.
func Attach(ctx context.Context, cfg Config, clock ports.Clock, logger zerolog.Logger) (*Host, error) {
	dt := devtool.New(cfg.DevToolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devtools targets: %w", err)
	}

	var selected *devtool.Target
	for _, target := range targets {
		if cfg.TargetID != "" && target.ID == cfg.TargetID {
			selected = target
			break
		}
		if cfg.TargetID == "" && target.Type == devtool.Page {
			selected = target
			break
		}
	}
	if selected == nil {
		return nil, fmt.Errorf("no devtools page target")
	}

	conn, err := rpcc.DialContext(ctx, selected.WebSocketDebuggerURL)
	if err != nil {
		return nil, fmt.Errorf("dial devtools target %s: %w", selected.ID, err)
	}

	host := newHost(runtimeEvaluator{client: cdp.NewClient(conn)}, cfg, clock, logger)
	host.conn = conn
	host.logger.Info().Str("op", "attach").Str("target", selected.ID).Str("url", selected.URL).Msg("attached to tab")
	return host, nil
}

func newHost(eval evaluator, cfg Config, clock ports.Clock, logger zerolog.Logger) *Host {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Host{
		eval:      eval,
		beaconURL: cfg.BeaconURL,
		version:   cfg.SchemaVersion,
		clock:     clock,
		logger:    logger.With().Str("component", "cdp_host").Logger(),
	}
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	return err
}

const networkExpr = `(() => {
  const c = navigator.connection;
  if (!c) return null;
  return {effectiveType: c.effectiveType, downlink: c.downlink, rtt: c.rtt, saveData: !!c.saveData};
})()`

func (h *Host) Network(ctx context.Context) (domain.NetworkInfo, error) {
	value, err := h.eval.Evaluate(ctx, networkExpr, false)
	if err != nil {
		return domain.NetworkInfo{}, fmt.Errorf("evaluate navigator.connection: %w", err)
	}
	c := gjson.ParseBytes(value)
	if !c.IsObject() {
		return domain.NetworkInfo{}, domain.ErrSensorUnavailable
	}

	return domain.NetworkInfo{
		EffectiveType: domain.ParseNetworkClass(c.Get("effectiveType").String()),
		DownlinkMbps:  c.Get("downlink").Float(),
		RTTMillis:     int(c.Get("rtt").Int()),
		SaveData:      c.Get("saveData").Bool(),
	}, nil
}

const deviceExpr = `({
  memory: navigator.deviceMemory || 0,
  cores: navigator.hardwareConcurrency || 0,
  width: window.innerWidth,
  height: window.innerHeight,
  dpr: window.devicePixelRatio
})`

func (h *Host) Device(ctx context.Context) (domain.DeviceInfo, error) {
	value, err := h.eval.Evaluate(ctx, deviceExpr, false)
	if err != nil {
		return domain.DeviceInfo{}, fmt.Errorf("evaluate device info: %w", err)
	}
	d := gjson.ParseBytes(value)

	return domain.DeviceInfo{
		MemoryGB: d.Get("memory").Float(),
		Cores:    int(d.Get("cores").Int()),
		Viewport: domain.Viewport{
			Width:            int(d.Get("width").Int()),
			Height:           int(d.Get("height").Int()),
			DevicePixelRatio: d.Get("dpr").Float(),
		},
	}, nil
}

const batteryExpr = `(async () => {
  if (!navigator.getBattery) return null;
  const b = await navigator.getBattery();
  return {level: b.level, charging: b.charging};
})()`

func (h *Host) Battery(ctx context.Context) (domain.BatteryInfo, error) {
	value, err := h.eval.Evaluate(ctx, batteryExpr, true)
	if err != nil {
		return domain.BatteryInfo{}, fmt.Errorf("evaluate navigator.getBattery: %w", err)
	}
	b := gjson.ParseBytes(value)
	if !b.IsObject() {
		return domain.BatteryInfo{}, domain.ErrSensorUnavailable
	}
	return domain.BatteryInfo{Level: b.Get("level").Float(), Charging: b.Get("charging").Bool()}, nil
}

// Hint appends a <link> element to the document head.
func (h *Host) Hint(ctx context.Context, hint domain.ResourceHint) error {
	attrs := map[string]string{"rel": string(hint.Rel), "href": hint.Href}
	if hint.As != "" {
		attrs["as"] = hint.As
	}
	if hint.Type != "" {
		attrs["type"] = hint.Type
	}
	if hint.CrossOrigin {
		attrs["crossorigin"] = "anonymous"
	}
	if hint.FetchPriority != "" {
		attrs["fetchpriority"] = string(hint.FetchPriority)
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode link attributes: %w", err)
	}

	expr := fmt.Sprintf(`((attrs) => {
  const link = document.createElement("link");
  for (const [k, v] of Object.entries(attrs)) link.setAttribute(k, v);
  document.head.appendChild(link);
  return true;
})(%s)`, encoded)
	if _, err := h.eval.Evaluate(ctx, expr, false); err != nil {
		return fmt.Errorf("inject %s link for %s: %w", hint.Rel, hint.Href, err)
	}
	return nil
}

// Fetch downloads key from inside the page so cookies and the page cache apply.
func (h *Host) Fetch(ctx context.Context, key string) ([]byte, error) {
	encoded, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("encode fetch url: %w", err)
	}
	expr := fmt.Sprintf(`(async (url) => {
  const res = await fetch(url, {credentials: "same-origin"});
  return {status: res.status, body: await res.text()};
})(%s)`, encoded)

	value, err := h.eval.Evaluate(ctx, expr, true)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	res := gjson.ParseBytes(value)
	switch status := res.Get("status").Int(); {
	case status == 404:
		return nil, fmt.Errorf("fetch %s: %w", key, domain.ErrNotFound)
	case status >= 400:
		return nil, fmt.Errorf("fetch %s: status %d", key, status)
	}
	return []byte(res.Get("body").String()), nil
}

// Send queues the records with navigator.sendBeacon. It returns false when no
// beacon URL is configured or the browser refuses the payload.
func (h *Host) Send(ctx context.Context, records []domain.MetricRecord) bool {
	if h.beaconURL == "" {
		return false
	}

	now := h.clock.Now()
	docs := make([]json.RawMessage, 0, len(records))
	for _, record := range records {
		doc, err := sink.Document(record, now, h.version)
		if err != nil {
			h.logger.Warn().Err(err).Str("op", "send").Msg("skip record")
			continue
		}
		docs = append(docs, doc)
	}
	payload, err := json.Marshal(docs)
	if err != nil {
		return false
	}
	url, _ := json.Marshal(h.beaconURL)

	expr := fmt.Sprintf(`navigator.sendBeacon(%s, JSON.stringify(%s))`, url, payload)
	value, err := h.eval.Evaluate(ctx, expr, false)
	if err != nil {
		h.logger.Warn().Err(err).Str("op", "send").Msg("beacon failed")
		return false
	}
	return gjson.ParseBytes(value).Bool()
}
