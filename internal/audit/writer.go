// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/palimpsest-io/palimpsest/internal/config"
	"github.com/palimpsest-io/palimpsest/internal/logging"
	"github.com/palimpsest-io/palimpsest/internal/metrics"
)

// Sink receives batches that exhausted their write retries. Implemented
// by the fallback package (durable badger sink, structured log sink).
type Sink interface {
	Route(ctx context.Context, batch []Event) error
}

// WriteResult is the outcome of Writer.Write. Both outcomes drain the
// batch; RoutedToFallback is the operator signal, not a caller error.
type WriteResult int

const (
	// Persisted means the batch reached the store.
	Persisted WriteResult = iota

	// RoutedToFallback means retries ran out and the batch went to the
	// fallback sink instead.
	RoutedToFallback
)

func (r WriteResult) String() string {
	if r == Persisted {
		return "persisted"
	}
	return "routed_to_fallback"
}

// Writer persists drained batches with bounded retry/backoff. A batch
// is one bulk insert per attempt; whole-batch rejection, so a single
// bad row sends the entire batch through the retry path and eventually
// to the fallback sink.
//
// A circuit breaker wraps the insert so a dead store fails batches
// fast instead of holding every flush cycle open for the full backoff
// schedule.
type Writer struct {
	store Store
	sink  Sink

	breaker *gobreaker.CircuitBreaker[struct{}]

	maxAttempts uint64
	baseDelay   time.Duration
	factor      float64

	log zerolog.Logger
}

// NewWriter builds a writer with the configured retry policy.
func NewWriter(store Store, sink Sink, cfg config.AuditConfig) *Writer {
	maxAttempts := cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "audit-store",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Writer{
		store:       store,
		sink:        sink,
		breaker:     breaker,
		maxAttempts: uint64(maxAttempts),
		baseDelay:   cfg.RetryBaseDelay,
		factor:      cfg.RetryFactor,
		log:         logging.With().Str("component", "audit-writer").Logger(),
	}
}

// Write attempts to persist the batch, retrying with exponential
// backoff up to the configured attempt count, then routes the whole
// batch to the fallback sink. The batch is always drained: every entry
// ends up in the store or in the sink, never neither.
func (w *Writer) Write(ctx context.Context, batch []Event) WriteResult {
	if len(batch) == 0 {
		return Persisted
	}

	operation := func() error {
		_, err := w.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, w.store.InsertBatch(ctx, batch)
		})
		if err == nil {
			return nil
		}
		// An open breaker will not recover within this batch's backoff
		// schedule; fail the batch into the sink immediately.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		metrics.WriteRetries.Inc()
		w.log.Warn().
			Err(err).
			Int("batch_size", len(batch)).
			Dur("next_attempt_in", next).
			Msg("Batch insert failed, retrying")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.baseDelay
	policy.Multiplier = w.factor
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, w.maxAttempts-1), ctx), notify)
	if err == nil {
		return Persisted
	}
	err = fmt.Errorf("%w: %w", ErrRetryExhausted, err)

	metrics.WriteRetryExhaustion.Inc()
	w.log.Error().
		Err(err).
		Int("batch_size", len(batch)).
		Uint64("attempts", w.maxAttempts).
		Msg("Write retries exhausted, routing batch to fallback sink")

	if routeErr := w.sink.Route(ctx, batch); routeErr != nil {
		// Sink of last resort: dump each entry into the diagnostic log
		// so the record survives somewhere an operator can recover it.
		w.log.Error().Err(routeErr).Msg("Fallback sink failed, dumping batch to log")
		for i := range batch {
			if data, merr := json.Marshal(&batch[i]); merr == nil {
				w.log.Error().RawJSON("event", data).Msg("Unroutable audit event")
			}
		}
	}

	return RoutedToFallback
}
