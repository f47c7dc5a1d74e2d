package ports

import "time"

// Handle cancels a scheduled callback. Stop reports whether the callback was
// still pending; calling it more than once is safe.
type Handle interface {
	Stop() bool
}

// Scheduler is the tick source used by every periodic loop.
type Scheduler interface {
	Every(interval time.Duration, fn func()) Handle
	After(delay time.Duration, fn func()) Handle
}
