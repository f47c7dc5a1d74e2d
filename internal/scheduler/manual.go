package scheduler

import (
	"sync"
	"time"

	"github.com/bnema/perfpilot/internal/ports"
)

// Manual is a virtual-time scheduler. Callbacks only run inside Advance, on
// the caller's goroutine, in due-time order. It also serves as the clock.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[uint64]*manualTimer
}

type manualTimer struct {
	id       uint64
	due      time.Time
	interval time.Duration
	fn       func()
}

var (
	_ ports.Scheduler = (*Manual)(nil)
	_ ports.Clock     = (*Manual)(nil)
)

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, timers: map[uint64]*manualTimer{}}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Every(interval time.Duration, fn func()) ports.Handle {
	if interval <= 0 {
		interval = time.Nanosecond
	}
	return m.schedule(interval, interval, fn)
}

func (m *Manual) After(delay time.Duration, fn func()) ports.Handle {
	if delay < 0 {
		delay = 0
	}
	return m.schedule(delay, 0, fn)
}

func (m *Manual) schedule(delay, interval time.Duration, fn func()) ports.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTimer{id: m.seq, due: m.now.Add(delay), interval: interval, fn: fn}
	m.timers[t.id] = t

	return manualHandle{m: m, id: t.id}
}

// Advance moves virtual time forward by d, firing every callback that becomes
// due. Callbacks may schedule or stop timers.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}

		m.now = next.due
		if next.interval > 0 {
			next.due = next.due.Add(next.interval)
		} else {
			delete(m.timers, next.id)
		}
		fn := next.fn
		m.mu.Unlock()

		fn()
	}
}

// Pending is the number of timers that have not fired or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	var next *manualTimer
	for _, t := range m.timers {
		if t.due.After(target) {
			continue
		}
		if next == nil || t.due.Before(next.due) || (t.due.Equal(next.due) && t.id < next.id) {
			next = t
		}
	}
	return next
}

type manualHandle struct {
	m  *Manual
	id uint64
}

func (h manualHandle) Stop() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	if _, ok := h.m.timers[h.id]; !ok {
		return false
	}
	delete(h.m.timers, h.id)
	return true
}
