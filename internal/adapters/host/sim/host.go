// Package sim is a scripted host: sensors, resource loader, fetcher and beacon
// all answer from a Scenario, and every call is recorded for inspection.
package sim

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports"
)

type Resource struct {
	Key      string
	Kind     domain.ResourceKind
	Size     int64
	LoadTime time.Duration
	// Fail makes both hints and fetches for the resource fail.
	Fail bool
}

type Host struct {
	mu            sync.Mutex
	network       domain.NetworkInfo
	device        domain.DeviceInfo
	battery       *domain.BatteryInfo
	resources     map[string]Resource
	beaconRefuses bool

	hints   []domain.ResourceHint
	fetched []string
	beacons [][]domain.MetricRecord
}

var (
	_ ports.NetworkSensor   = (*Host)(nil)
	_ ports.DeviceSensor    = (*Host)(nil)
	_ ports.BatterySensor   = (*Host)(nil)
	_ ports.ResourceLoader = (*Host)(nil)
	_ ports.Fetcher        = (*Host)(nil)
	_ ports.Beacon         = (*Host)(nil)
)

func New(scenario Scenario) *Host {
	resources := make(map[string]Resource, len(scenario.Resources))
	for _, r := range scenario.Resources {
		resources[r.Key] = r
	}

	var battery *domain.BatteryInfo
	if scenario.Battery != nil {
		b := *scenario.Battery
		battery = &b
	}

	return &Host{
		network:       scenario.Network,
		device:        scenario.Device,
		battery:       battery,
		resources:     resources,
		beaconRefuses: scenario.BeaconRefuses,
	}
}

func (h *Host) Network(ctx context.Context) (domain.NetworkInfo, error) {
	if err := ctx.Err(); err != nil {
		return domain.NetworkInfo{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.network, nil
}

func (h *Host) Device(ctx context.Context) (domain.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return domain.DeviceInfo{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.device, nil
}

// Battery fails with ErrSensorUnavailable when the scenario has no battery.
func (h *Host) Battery(ctx context.Context) (domain.BatteryInfo, error) {
	if err := ctx.Err(); err != nil {
		return domain.BatteryInfo{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.battery == nil {
		return domain.BatteryInfo{}, domain.ErrSensorUnavailable
	}
	return *h.battery, nil
}

func (h *Host) Hint(_ context.Context, hint domain.ResourceHint) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.resources[hint.Href]; ok && r.Fail {
		return fmt.Errorf("hint %s %s: resource unavailable", hint.Rel, hint.Href)
	}
	h.hints = append(h.hints, hint)
	return nil
}

// Fetch returns a payload of the resource's size. Unknown keys are not found.
func (h *Host) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.resources[key]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", key, domain.ErrNotFound)
	}
	if r.Fail {
		return nil, fmt.Errorf("fetch %s: resource unavailable", key)
	}
	h.fetched = append(h.fetched, key)
	return bytes.Repeat([]byte{'x'}, int(r.Size)), nil
}

func (h *Host) Send(_ context.Context, records []domain.MetricRecord) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.beaconRefuses {
		return false
	}
	h.beacons = append(h.beacons, append([]domain.MetricRecord(nil), records...))
	return true
}

func (h *Host) SetNetwork(network domain.NetworkInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.network = network
}

func (h *Host) Resource(key string) (Resource, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.resources[key]
	return r, ok
}

func (h *Host) Hints() []domain.ResourceHint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.ResourceHint(nil), h.hints...)
}

func (h *Host) Fetched() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.fetched...)
}

// BeaconRecords is the number of records accepted by the beacon.
func (h *Host) BeaconRecords() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, batch := range h.beacons {
		n += len(batch)
	}
	return n
}
