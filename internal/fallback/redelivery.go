// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package fallback

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/palimpsest-io/palimpsest/internal/audit"
	"github.com/palimpsest-io/palimpsest/internal/database"
	"github.com/palimpsest-io/palimpsest/internal/logging"
	"github.com/palimpsest-io/palimpsest/internal/metrics"
)

// redeliverPerCycle caps how many pending batches one tick attempts,
// so a long outage's backlog drains gradually instead of slamming the
// recovering store.
const redeliverPerCycle = 32

// gcEveryCycles spaces out value-log GC runs.
const gcEveryCycles = 20

// RedeliveryLoop drains the durable sink back into the store. It runs
// as a supervised service: a panic or returned error gets the loop
// restarted by the supervisor.
type RedeliveryLoop struct {
	sink     *BadgerSink
	store    audit.Store
	interval time.Duration
	log      zerolog.Logger
}

// NewRedeliveryLoop builds the loop for a sink/store pair.
func NewRedeliveryLoop(sink *BadgerSink, store audit.Store, interval time.Duration) *RedeliveryLoop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RedeliveryLoop{
		sink:     sink,
		store:    store,
		interval: interval,
		log:      logging.With().Str("component", "fallback-redelivery").Logger(),
	}
}

// Serve runs the redelivery loop until ctx is cancelled. Implements
// suture.Service.
func (l *RedeliveryLoop) Serve(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	cycles := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.redeliverOnce(ctx)
			cycles++
			if cycles%gcEveryCycles == 0 {
				l.sink.GC()
			}
		}
	}
}

// redeliverOnce attempts every pending batch of one cycle. The first
// store failure aborts the cycle; if the store is still down, the rest
// of the backlog would fail the same way.
func (l *RedeliveryLoop) redeliverOnce(ctx context.Context) {
	batches, err := l.sink.Pending(ctx, redeliverPerCycle)
	if err != nil {
		l.log.Error().Err(err).Msg("Failed to read pending fallback batches")
		return
	}
	if len(batches) == 0 {
		return
	}

	redelivered := 0
	for i := range batches {
		record := &batches[i]

		if err := l.store.InsertBatch(ctx, record.Events); err != nil {
			// A duplicate-key failure means an earlier cycle inserted
			// the batch but crashed before confirming it. The rows are
			// in the store; just confirm.
			if !database.IsConstraintViolation(err) {
				l.sink.markAttempt(record, err)
				l.log.Warn().
					Err(err).
					Str("batch_id", record.ID).
					Int("attempts", record.Attempts).
					Msg("Fallback redelivery failed, store still unavailable")
				break
			}
		}

		if err := l.sink.Confirm(record.ID); err != nil {
			l.log.Error().Err(err).Str("batch_id", record.ID).Msg("Failed to confirm redelivered batch")
			continue
		}

		metrics.FallbackRedelivered.Add(float64(len(record.Events)))
		redelivered += len(record.Events)
	}

	if redelivered > 0 {
		l.log.Info().Int("events", redelivered).Msg("Redelivered fallback events to store")
	}
}

func (l *RedeliveryLoop) String() string {
	return "fallback-redelivery"
}
