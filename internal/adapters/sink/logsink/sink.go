// Package logsink writes metric documents to a zerolog logger. It is the
// sink used for local runs and scenario replays.
package logsink

import (
	"context"
	"sync"

	"github.com/bnema/perfpilot/internal/adapters/sink"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports"
	"github.com/rs/zerolog"
)

type Sink struct {
	logger  zerolog.Logger
	clock   ports.Clock
	version string

	mu      sync.Mutex
	written int
	batches int
}

var _ ports.MetricsSink = (*Sink)(nil)

func New(logger zerolog.Logger, clock ports.Clock, schemaVersion string) *Sink {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Sink{
		logger:  logger.With().Str("component", "log_sink").Logger(),
		clock:   clock,
		version: schemaVersion,
	}
}

func (s *Sink) WriteBatch(_ context.Context, records []domain.MetricRecord) error {
	now := s.clock.Now()
	for _, record := range records {
		doc, err := sink.Document(record, now, s.version)
		if err != nil {
			return err
		}
		s.logger.Info().
			Str("op", "write_batch").
			Str("page_id", record.PageID).
			RawJSON("document", doc).
			Msg("metric record")
	}

	s.mu.Lock()
	s.written += len(records)
	s.batches++
	s.mu.Unlock()
	return nil
}

// Written reports the records and batches accepted so far.
func (s *Sink) Written() (records, batches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written, s.batches
}
