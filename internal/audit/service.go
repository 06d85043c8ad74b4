// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/palimpsest-io/palimpsest/internal/config"
	"github.com/palimpsest-io/palimpsest/internal/logging"
	"github.com/palimpsest-io/palimpsest/internal/metrics"
)

// ServiceName tags every event with its origin service.
const ServiceName = "palimpsest"

// ServiceVersion is stamped on events. Overridden via ldflags at build
// time.
var ServiceVersion = "dev"

// Service is the pipeline facade handed to application code. It is an
// explicitly constructed instance, not module-level global state: the
// host owns its lifecycle through Serve/Close.
//
// Log is fire-and-forget. Flushes are triggered by buffer size (inside
// Log, written asynchronously), by the interval timer (inside Serve),
// or on demand (ForceFlush). All three share the buffer's flush guard,
// so one threshold crossing produces exactly one flush.
type Service struct {
	cfg       config.AuditConfig
	sanitizer *Sanitizer
	buffer    *Buffer
	writer    *Writer

	closed atomic.Bool
	log    zerolog.Logger
}

// NewService wires the pipeline: sanitizer -> buffer -> writer -> store,
// with sink receiving retry-exhausted batches.
func NewService(store Store, sink Sink, cfg config.AuditConfig) *Service {
	return &Service{
		cfg:       cfg,
		sanitizer: NewSanitizer(cfg),
		buffer:    NewBuffer(cfg.BatchSize),
		writer:    NewWriter(store, sink, cfg),
		log:       logging.With().Str("component", "audit").Logger(),
	}
}

// Log records an event. It validates, stamps defaults, sanitizes, and
// buffers; it never blocks on persistence and never returns an error.
// Invalid events are dropped with a diagnostic.
func (s *Service) Log(event Event) {
	if s.closed.Load() {
		metrics.EventsRejected.WithLabelValues("closed").Inc()
		s.log.Warn().Str("action", string(event.Action)).Msg("Audit event after close, dropping")
		return
	}

	now := time.Now().UTC()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	if event.RetentionDate.IsZero() {
		event.RetentionDate = now.AddDate(0, 0, s.cfg.RetentionDays)
	}
	if event.Service == "" {
		event.Service = ServiceName
		event.ServiceVersion = ServiceVersion
	}

	if err := event.Validate(); err != nil {
		metrics.EventsRejected.WithLabelValues("validation").Inc()
		s.log.Debug().Err(err).Str("action", string(event.Action)).Msg("Dropping invalid audit event")
		return
	}

	event = s.sanitizer.Sanitize(event)

	_, crossed := s.buffer.Append(event)
	metrics.EventsLogged.Inc()

	if crossed && s.buffer.TryBeginFlush() {
		batch := s.buffer.Drain()
		if len(batch) == 0 {
			s.buffer.EndFlush()
			return
		}
		// Drained synchronously so BufferSize reads 0 the moment the
		// crossing Log call returns; written off the caller's path.
		go s.writeBatch(context.Background(), "size", batch)
	}
}

// writeBatch writes one drained batch and releases the flush guard.
// Callers must hold the guard.
func (s *Service) writeBatch(ctx context.Context, trigger string, batch []Event) {
	defer s.buffer.EndFlush()

	start := time.Now()
	result := s.writer.Write(ctx, batch)
	metrics.RecordFlush(trigger, len(batch), time.Since(start))

	s.log.Debug().
		Str("trigger", trigger).
		Int("batch_size", len(batch)).
		Stringer("result", result).
		Msg("Flushed audit batch")
}

// ForceFlush drains and writes the buffer synchronously. Waits for an
// in-flight flush to finish first. An empty buffer returns immediately
// without touching the writer.
func (s *Service) ForceFlush(ctx context.Context) error {
	if !s.acquireFlush(ctx) {
		return ctx.Err()
	}

	batch := s.buffer.Drain()
	if len(batch) == 0 {
		s.buffer.EndFlush()
		return nil
	}

	s.writeBatch(ctx, "manual", batch)
	return nil
}

// acquireFlush waits for the flush guard until ctx expires.
func (s *Service) acquireFlush(ctx context.Context) bool {
	for {
		if s.buffer.TryBeginFlush() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// BufferSize returns the current buffer occupancy. Monitoring only.
func (s *Service) BufferSize() int {
	return s.buffer.Size()
}

// Serve runs the interval flush loop until ctx is cancelled, then
// performs the shutdown flush. Implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdownFlush()
			return ctx.Err()
		case <-ticker.C:
			// Skip if a size-triggered flush is mid-write; the buffer
			// just emptied anyway.
			if s.buffer.TryBeginFlush() {
				batch := s.buffer.Drain()
				if len(batch) == 0 {
					s.buffer.EndFlush()
					continue
				}
				s.writeBatch(ctx, "interval", batch)
			}
		}
	}
}

// Close stops accepting events and performs a bounded-time final
// flush. Safe to call alongside Serve's own shutdown flush; whichever
// runs second finds an empty buffer.
func (s *Service) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}

	if !s.acquireFlush(ctx) {
		return ctx.Err()
	}
	batch := s.buffer.Drain()
	if len(batch) == 0 {
		s.buffer.EndFlush()
		return nil
	}
	s.writeBatch(ctx, "shutdown", batch)
	return nil
}

// shutdownFlush is Serve's exit path: best effort, bounded time. An
// abrupt kill can still lose the in-memory buffer; that is the accepted
// fire-and-forget tradeoff, not a defect.
func (s *Service) shutdownFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if !s.acquireFlush(ctx) {
		s.log.Error().Msg("Shutdown flush could not acquire flush guard")
		return
	}
	batch := s.buffer.Drain()
	if len(batch) == 0 {
		s.buffer.EndFlush()
		return
	}
	s.writeBatch(ctx, "shutdown", batch)
}

func (s *Service) String() string {
	return "audit-flush"
}
