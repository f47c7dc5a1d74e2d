package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestManualEveryFiresOnEachInterval(t *testing.T) {
	t.Parallel()

	m := NewManual(epoch)
	var ticks []time.Time
	h := m.Every(10*time.Second, func() { ticks = append(ticks, m.Now()) })

	m.Advance(35 * time.Second)
	require.Len(t, ticks, 3)
	assert.Equal(t, epoch.Add(10*time.Second), ticks[0])
	assert.Equal(t, epoch.Add(30*time.Second), ticks[2])
	assert.Equal(t, epoch.Add(35*time.Second), m.Now())

	assert.True(t, h.Stop())
	assert.False(t, h.Stop())
	m.Advance(time.Minute)
	assert.Len(t, ticks, 3)
	assert.Zero(t, m.Pending())
}

func TestManualAfterRunsOnceInDueOrder(t *testing.T) {
	t.Parallel()

	m := NewManual(epoch)
	var order []string
	m.After(2*time.Second, func() { order = append(order, "late") })
	m.After(time.Second, func() { order = append(order, "early") })
	stopped := m.After(time.Second, func() { order = append(order, "stopped") })
	require.True(t, stopped.Stop())

	m.Advance(5 * time.Second)
	assert.Equal(t, []string{"early", "late"}, order)
	assert.Zero(t, m.Pending())
}

func TestManualCallbacksMayReschedule(t *testing.T) {
	t.Parallel()

	m := NewManual(epoch)
	count := 0
	var schedule func()
	schedule = func() {
		m.After(time.Second, func() {
			count++
			if count < 3 {
				schedule()
			}
		})
	}
	schedule()

	m.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
}

func TestSchedulerEveryStops(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int32
	h := New().Every(5*time.Millisecond, func() { ticks.Add(1) })

	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, time.Millisecond)
	assert.True(t, h.Stop())
	assert.False(t, h.Stop())
}

func TestSchedulerAfterCanBeCancelled(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	h := New().After(time.Hour, func() { fired.Store(true) })
	assert.True(t, h.Stop())
	assert.False(t, fired.Load())
}
