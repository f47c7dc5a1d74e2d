package system

import (
	"context"
	"errors"
	"testing"

	"github.com/bnema/perfpilot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceSensorReportsMemoryAndCores(t *testing.T) {
	t.Parallel()

	viewport := domain.Viewport{Width: 1280, Height: 800}
	sensor := NewDeviceSensor(viewport)
	sensor.memory = func(context.Context) (uint64, error) { return 16 << 30, nil }
	sensor.cores = func(context.Context) (int, error) { return 12, nil }

	device, err := sensor.Device(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 16.0, device.MemoryGB, 1e-9)
	assert.Equal(t, 12, device.Cores)
	assert.Equal(t, viewport, device.Viewport)
}

func TestDeviceSensorSurfacesHostErrors(t *testing.T) {
	t.Parallel()

	sensor := NewDeviceSensor(domain.Viewport{})
	sensor.memory = func(context.Context) (uint64, error) { return 0, errors.New("no /proc/meminfo") }

	_, err := sensor.Device(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read virtual memory")
}

func TestDeviceSensorOnThisMachine(t *testing.T) {
	t.Parallel()

	device, err := NewDeviceSensor(domain.Viewport{}).Device(context.Background())
	if err != nil {
		t.Skipf("host does not expose memory or cpu counts: %v", err)
	}
	assert.Positive(t, device.MemoryGB)
	assert.Positive(t, device.Cores)
}
