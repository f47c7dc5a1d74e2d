// Package scheduler provides the tick sources behind every periodic loop: a
// wall-clock scheduler and a virtual-time Manual scheduler for tests and
// scenario replays.
package scheduler

import (
	"sync"
	"time"

	"github.com/bnema/perfpilot/internal/ports"
)

type Scheduler struct{}

var _ ports.Scheduler = Scheduler{}

func New() Scheduler {
	return Scheduler{}
}

func (Scheduler) Every(interval time.Duration, fn func()) ports.Handle {
	ticker := time.NewTicker(interval)
	h := &tickerHandle{ticker: ticker, done: make(chan struct{})}

	go func() {
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	return h
}

func (Scheduler) After(delay time.Duration, fn func()) ports.Handle {
	return timerHandle{timer: time.AfterFunc(delay, fn)}
}

type tickerHandle struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (h *tickerHandle) Stop() bool {
	stopped := false
	h.once.Do(func() {
		h.ticker.Stop()
		close(h.done)
		stopped = true
	})
	return stopped
}

type timerHandle struct {
	timer *time.Timer
}

func (h timerHandle) Stop() bool {
	return h.timer.Stop()
}
