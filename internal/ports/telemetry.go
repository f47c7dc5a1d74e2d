package ports

import (
	"context"

	"github.com/bnema/perfpilot/internal/domain"
)

// MetricsSink persists one batch of records. Errors should carry an
// errors code so the collector can tell retryable failures apart.
type MetricsSink interface {
	WriteBatch(ctx context.Context, records []domain.MetricRecord) error
}

// Beacon is the best-effort send used on page teardown. It returns false when
// the host refuses to queue the payload.
type Beacon interface {
	Send(ctx context.Context, records []domain.MetricRecord) bool
}
