package sim

import (
	"sort"
	"time"

	"github.com/bnema/perfpilot/internal/domain"
)

type EventType string

const (
	EventPageView EventType = "page_view"
	EventJourney  EventType = "journey"
	EventMetrics  EventType = "metrics"
	EventAccess   EventType = "access"
	EventCacheGet EventType = "cache_get"
	EventCacheSet EventType = "cache_set"
	EventIdentity EventType = "identity"
	EventOnline   EventType = "online"
	EventOffline  EventType = "offline"
	EventHidden   EventType = "hidden"
	EventNetwork  EventType = "network"
	EventOptimize EventType = "optimize"
)

// Event is one scripted host interaction, At after the scenario start. Only
// the fields relevant to Type are read.
type Event struct {
	At       time.Duration
	Type     EventType
	PageID   string
	Name     string
	Metadata map[string]string
	Signals  domain.Signals
	UserID   string
	Key      string
	Context  string
	Priority domain.Priority
	Tags     []string
	Network  domain.NetworkInfo
	Loop     string
}

type Scenario struct {
	Name          string
	Network       domain.NetworkInfo
	Device        domain.DeviceInfo
	Battery       *domain.BatteryInfo
	Resources     []Resource
	BeaconRefuses bool
	Events        []Event
	// Tail is how long the scenario keeps running after its last event.
	Tail time.Duration
}

// Timeline returns the events ordered by offset, keeping the file order of
// events scheduled at the same offset.
func (s Scenario) Timeline() []Event {
	events := append([]Event(nil), s.Events...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].At < events[j].At })
	return events
}

// Duration is the offset of the last event plus the tail.
func (s Scenario) Duration() time.Duration {
	var last time.Duration
	for _, e := range s.Events {
		if e.At > last {
			last = e.At
		}
	}
	return last + s.Tail
}
