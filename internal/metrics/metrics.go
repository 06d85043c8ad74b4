// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the audit pipeline:
// - Log/sanitize/buffer volume
// - Flush latency and batch sizes
// - Write retries, retry exhaustion and fallback-sink volume
//   (the operator-facing health signal: end users never see pipeline
//   failures, operators watch these counters)
// - Version allocation conflicts
// - GDPR anonymize/export/sweep activity

var (
	// Pipeline intake metrics
	EventsLogged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_logged_total",
			Help: "Total number of events accepted by Log()",
		},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_rejected_total",
			Help: "Total number of events dropped before buffering",
		},
		[]string{"reason"}, // "validation", "closed"
	)

	SanitizerRedactions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_sanitizer_redactions_total",
			Help: "Total number of payload values redacted by the sanitizer",
		},
	)

	BufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_buffer_entries",
			Help: "Current number of entries waiting in the buffer",
		},
	)

	// Flush metrics
	FlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_flushes_total",
			Help: "Total number of flush operations",
		},
		[]string{"trigger"}, // "size", "interval", "manual", "shutdown"
	)

	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_flush_duration_seconds",
			Help:    "Duration of flush operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlushBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_flush_batch_size",
			Help:    "Number of entries per flushed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// Persistence writer metrics
	WriteRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_write_retries_total",
			Help: "Total number of bulk-insert retry attempts",
		},
	)

	WriteRetryExhaustion = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_write_retry_exhaustion_total",
			Help: "Total number of batches that exhausted all write retries",
		},
	)

	FallbackRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_fallback_routed_total",
			Help: "Total number of entries routed to the fallback sink",
		},
		[]string{"sink"}, // "badger", "log"
	)

	FallbackRedelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_fallback_redelivered_total",
			Help: "Total number of entries redelivered from the fallback sink to the store",
		},
	)

	FallbackPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_fallback_pending_entries",
			Help: "Current number of batches pending in the durable fallback sink",
		},
	)

	// Versioning metrics
	VersionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "content_versions_created_total",
			Help: "Total number of content versions written",
		},
	)

	VersionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "content_version_conflicts_total",
			Help: "Total number of version-number allocation conflicts (retried internally)",
		},
	)

	// GDPR metrics
	GDPRAnonymizedRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gdpr_anonymized_rows_total",
			Help: "Total number of audit rows anonymized",
		},
	)

	GDPRSweptRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gdpr_retention_swept_rows_total",
			Help: "Total number of audit rows deleted by the retention sweep",
		},
	)

	GDPRExports = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gdpr_exports_total",
			Help: "Total number of user data exports served",
		},
	)
)

// RecordFlush tracks a completed flush with its trigger, size and duration.
func RecordFlush(trigger string, batchSize int, elapsed time.Duration) {
	FlushesTotal.WithLabelValues(trigger).Inc()
	FlushBatchSize.Observe(float64(batchSize))
	FlushDuration.Observe(elapsed.Seconds())
}

// RecordFallback tracks a batch routed to a fallback sink.
func RecordFallback(sink string, entries int) {
	FallbackRouted.WithLabelValues(sink).Add(float64(entries))
}
