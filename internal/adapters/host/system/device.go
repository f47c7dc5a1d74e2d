// Package system reads the machine the engine runs on.
package system

import (
	"context"
	"fmt"

	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const bytesPerGB = 1 << 30

// DeviceSensor reports installed memory and logical cores. The viewport is
// fixed since a headless process has none.
type DeviceSensor struct {
	Viewport domain.Viewport

	memory func(ctx context.Context) (uint64, error)
	cores  func(ctx context.Context) (int, error)
}

var _ ports.DeviceSensor = (*DeviceSensor)(nil)

func NewDeviceSensor(viewport domain.Viewport) *DeviceSensor {
	return &DeviceSensor{
		Viewport: viewport,
		memory: func(ctx context.Context) (uint64, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return vm.Total, nil
		},
		cores: func(ctx context.Context) (int, error) {
			return cpu.CountsWithContext(ctx, true)
		},
	}
}

func (p *DeviceSensor) Device(ctx context.Context) (domain.DeviceInfo, error) {
	total, err := p.memory(ctx)
	if err != nil {
		return domain.DeviceInfo{}, fmt.Errorf("read virtual memory: %w", err)
	}
	cores, err := p.cores(ctx)
	if err != nil {
		return domain.DeviceInfo{}, fmt.Errorf("count cpu cores: %w", err)
	}

	return domain.DeviceInfo{
		MemoryGB: float64(total) / bytesPerGB,
		Cores:    cores,
		Viewport: p.Viewport,
	}, nil
}
