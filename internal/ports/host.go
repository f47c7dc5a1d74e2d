package ports

import (
	"context"

	"github.com/bnema/perfpilot/internal/domain"
)

type NetworkSensor interface {
	Network(ctx context.Context) (domain.NetworkInfo, error)
}

// DeviceSensor reports memory, cores and viewport. CPU tiering is computed by
// the strategy selector.
type DeviceSensor interface {
	Device(ctx context.Context) (domain.DeviceInfo, error)
}

type BatterySensor interface {
	Battery(ctx context.Context) (domain.BatteryInfo, error)
}

type ResourceLoader interface {
	Hint(ctx context.Context, hint domain.ResourceHint) error
}

// Fetcher loads a resource payload for background prefetch.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// EnvironmentSource is the shared, read-only view of the latest detected
// context.
type EnvironmentSource interface {
	Network() domain.NetworkInfo
	Device() domain.DeviceInfo
	Detected() bool
}

type ProfileRepository interface {
	List(ctx context.Context) ([]domain.StrategyProfile, error)
}
