// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package fallback

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/palimpsest-io/palimpsest/internal/audit"
	"github.com/palimpsest-io/palimpsest/internal/logging"
	"github.com/palimpsest-io/palimpsest/internal/metrics"
)

// LogSink routes failed batches into the structured diagnostic log,
// one error line per event. This is the original lossy tradeoff: the
// pipeline never blocks, but a process restart loses nothing more than
// what the log shipper has not picked up.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink() *LogSink {
	return &LogSink{
		log: logging.With().Str("component", "fallback-log").Logger(),
	}
}

// Route writes each event of the batch as a structured error line.
func (s *LogSink) Route(ctx context.Context, batch []audit.Event) error {
	for i := range batch {
		data, err := json.Marshal(&batch[i])
		if err != nil {
			s.log.Error().Err(err).Str("event_id", batch[i].ID).Msg("Failed to marshal fallback event")
			continue
		}
		s.log.Error().RawJSON("event", data).Msg("Audit event routed to log fallback")
	}

	metrics.RecordFallback("log", len(batch))
	return nil
}
