package application

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// detachedRunner runs fire-and-forget work: tasks are never cancelled, their
// panics are recovered and logged, and Wait lets shutdown drain them.
type detachedRunner struct {
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func newDetachedRunner(logger zerolog.Logger) *detachedRunner {
	return &detachedRunner{logger: logger}
}

func (r *detachedRunner) Go(task string, fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().
					Str("task", task).
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("detached task panicked")
			}
		}()
		fn()
	}()
}

// Wait blocks until every task finished or the timeout elapsed. It reports
// whether all tasks completed.
func (r *detachedRunner) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// appendBounded appends items and drops the oldest entries beyond limit. It
// returns the new slice and how many entries were dropped.
func appendBounded[T any](queue []T, limit int, items ...T) ([]T, int) {
	queue = append(queue, items...)
	if limit <= 0 || len(queue) <= limit {
		return queue, 0
	}

	dropped := len(queue) - limit
	trimmed := make([]T, limit)
	copy(trimmed, queue[dropped:])
	return trimmed, dropped
}
