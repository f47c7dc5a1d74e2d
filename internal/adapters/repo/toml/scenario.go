package toml

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bnema/perfpilot/internal/adapters/host/sim"
	"github.com/bnema/perfpilot/internal/domain"
	toml "github.com/pelletier/go-toml/v2"
)

// LoadScenario reads a simulated-host scenario. Durations are Go duration
// strings ("1.5s", "200ms").
func LoadScenario(path string) (sim.Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sim.Scenario{}, fmt.Errorf("read scenario file: %w", err)
	}
	return DecodeScenario(data)
}

func DecodeScenario(data []byte) (sim.Scenario, error) {
	var file scenarioSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return sim.Scenario{}, fmt.Errorf("decode scenario file: %w", err)
	}

	tail, err := parseDuration(file.Tail)
	if err != nil {
		return sim.Scenario{}, fmt.Errorf("scenario tail: %w", err)
	}

	scenario := sim.Scenario{
		Name:          file.Name,
		Network:       fromNetworkSchema(file.Network),
		BeaconRefuses: file.BeaconRefuses,
		Tail:          tail,
		Device: domain.DeviceInfo{
			MemoryGB: file.Device.MemoryGB,
			Cores:    file.Device.Cores,
			Viewport: domain.Viewport{Width: file.Device.Width, Height: file.Device.Height, DevicePixelRatio: file.Device.DPR},
		},
	}
	if file.Battery != nil {
		scenario.Battery = &domain.BatteryInfo{Level: file.Battery.Level, Charging: file.Battery.Charging}
	}

	for i, r := range file.Resources {
		if r.Key == "" {
			return sim.Scenario{}, fmt.Errorf("resource %d: key is required", i)
		}
		loadTime, err := parseDuration(r.LoadTime)
		if err != nil {
			return sim.Scenario{}, fmt.Errorf("resource %s: load_time: %w", r.Key, err)
		}
		scenario.Resources = append(scenario.Resources, sim.Resource{
			Key:      r.Key,
			Kind:     domain.ResourceKind(r.Kind),
			Size:     r.Size,
			LoadTime: loadTime,
			Fail:     r.Fail,
		})
	}

	for i, e := range file.Events {
		event, err := fromEventSchema(e)
		if err != nil {
			return sim.Scenario{}, fmt.Errorf("event %d: %w", i, err)
		}
		scenario.Events = append(scenario.Events, event)
	}

	return scenario, nil
}

func fromNetworkSchema(n networkSchema) domain.NetworkInfo {
	return domain.NetworkInfo{
		EffectiveType: domain.ParseNetworkClass(n.EffectiveType),
		DownlinkMbps:  n.DownlinkMbps,
		RTTMillis:     n.RTTMillis,
		SaveData:      n.SaveData,
	}
}

func fromEventSchema(e eventSchema) (sim.Event, error) {
	at, err := parseDuration(e.At)
	if err != nil {
		return sim.Event{}, fmt.Errorf("at: %w", err)
	}

	event := sim.Event{
		At:       at,
		Type:     sim.EventType(strings.ToLower(strings.TrimSpace(e.Type))),
		PageID:   e.Page,
		Name:     e.Name,
		Metadata: e.Metadata,
		UserID:   e.UserID,
		Key:      e.Key,
		Context:  e.Context,
		Tags:     e.Tags,
		Loop:     e.Loop,
	}

	if e.Priority != "" {
		if event.Priority, err = domain.ParsePriority(e.Priority); err != nil {
			return sim.Event{}, err
		}
	}
	if e.Network != nil {
		event.Network = fromNetworkSchema(*e.Network)
	}
	if e.Signals != nil {
		if event.Signals, err = fromSignalsSchema(*e.Signals); err != nil {
			return sim.Event{}, err
		}
	}

	switch event.Type {
	case sim.EventPageView, sim.EventMetrics:
		if event.PageID == "" {
			return sim.Event{}, fmt.Errorf("%s event requires page", event.Type)
		}
	case sim.EventAccess, sim.EventCacheGet, sim.EventCacheSet:
		if event.Key == "" {
			return sim.Event{}, fmt.Errorf("%s event requires key", event.Type)
		}
	case sim.EventJourney:
		if event.Name == "" {
			return sim.Event{}, fmt.Errorf("journey event requires name")
		}
	case sim.EventIdentity:
		if event.UserID == "" {
			return sim.Event{}, fmt.Errorf("identity event requires user_id")
		}
	case sim.EventNetwork:
		if e.Network == nil {
			return sim.Event{}, fmt.Errorf("network event requires a network table")
		}
	case sim.EventOptimize:
		if event.Loop == "" {
			return sim.Event{}, fmt.Errorf("optimize event requires loop")
		}
	case sim.EventOnline, sim.EventOffline, sim.EventHidden:
	default:
		return sim.Event{}, fmt.Errorf("unsupported event type %q", e.Type)
	}

	return event, nil
}

func fromSignalsSchema(s signalsSchema) (domain.Signals, error) {
	var signals domain.Signals
	fields := []struct {
		name string
		raw  string
		dst  **time.Duration
	}{
		{"fcp", s.FCP, &signals.FirstContentfulPaint},
		{"lcp", s.LCP, &signals.LargestContentfulPaint},
		{"input_delay", s.InputDelay, &signals.InputDelay},
		{"ttfb", s.TTFB, &signals.TimeToFirstByte},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return domain.Signals{}, fmt.Errorf("signals.%s: %w", f.name, err)
		}
		*f.dst = &d
	}
	if s.CLS != nil {
		cls := *s.CLS
		signals.CumulativeLayoutShift = &cls
	}

	return signals, nil
}
