// Package supabase stores metric batches in a Supabase (PostgREST) table.
package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/bnema/perfpilot/internal/adapters/sink"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports"
	errs "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/supabase-community/supabase-go"
)

type Config struct {
	URL           string
	APIKey        string
	Table         string
	SchemaVersion string
}

// inserter is the single PostgREST call the sink makes.
type inserter interface {
	Insert(ctx context.Context, table string, rows []json.RawMessage) error
}

type clientInserter struct {
	client *supabase.Client
}

func (c clientInserter) Insert(_ context.Context, table string, rows []json.RawMessage) error {
	_, _, err := c.client.From(table).Insert(rows, false, "", "minimal", "").Execute()
	return err
}

type Sink struct {
	table   string
	version string
	insert  inserter
	clock   ports.Clock
	logger  zerolog.Logger
}

var _ ports.MetricsSink = (*Sink)(nil)

func New(cfg Config, clock ports.Clock, logger zerolog.Logger) (*Sink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	return newSink(cfg, clientInserter{client: client}, clock, logger), nil
}

func newSink(cfg Config, insert inserter, clock ports.Clock, logger zerolog.Logger) *Sink {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if cfg.Table == "" {
		cfg.Table = "performance_metrics"
	}

	return &Sink{
		table:   cfg.Table,
		version: cfg.SchemaVersion,
		insert:  insert,
		clock:   clock,
		logger:  logger.With().Str("component", "supabase_sink").Logger(),
	}
}

// WriteBatch inserts the whole batch in one request. Failures are classified
// so the collector can tell retryable transport errors from rejected data.
func (s *Sink) WriteBatch(ctx context.Context, records []domain.MetricRecord) error {
	if len(records) == 0 {
		return nil
	}

	now := s.clock.Now()
	rows := make([]json.RawMessage, 0, len(records))
	for _, record := range records {
		doc, err := sink.Document(record, now, s.version)
		if err != nil {
			return domain.NewTransportError(err, errs.CodeInvalidInput, "shape metric document")
		}
		rows = append(rows, doc)
	}

	if err := s.insert.Insert(ctx, s.table, rows); err != nil {
		code := classify(ctx, err)
		s.logger.Warn().Err(err).Str("op", "write_batch").Str("code", string(code)).Int("records", len(rows)).Msg("insert failed")
		return domain.NewTransportError(err, code, fmt.Sprintf("insert %d records into %s", len(rows), s.table))
	}

	s.logger.Debug().Str("op", "write_batch").Int("records", len(rows)).Msg("batch stored")
	return nil
}

// classify maps transport and PostgREST failures onto error codes. PostgREST
// reports "(code) message"; SQLSTATE classes 22 and 23 are data errors, 42 is
// a schema or permission error.
func classify(ctx context.Context, err error) errs.ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errs.CodeTimeout
		}
		return errs.CodeNetwork
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "(42501)"):
		return errs.CodeForbidden
	case strings.Contains(msg, "(PGRST301)"), strings.Contains(msg, "(PGRST302)"), strings.Contains(msg, "JWT"):
		return errs.CodeUnauthorized
	case strings.Contains(msg, "(42"), strings.Contains(msg, "(PGRST2"):
		return errs.CodeSchemaFailed
	case strings.Contains(msg, "(22"), strings.Contains(msg, "(23"):
		return errs.CodeInvalidInput
	case strings.Contains(msg, "429"), strings.Contains(strings.ToLower(msg), "rate limit"):
		return errs.CodeRateLimit
	default:
		return errs.CodeUnavailable
	}
}
