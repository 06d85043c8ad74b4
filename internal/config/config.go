// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

// Package config loads and validates Palimpsest configuration.
//
// Configuration is layered with Koanf v2: built-in defaults, then an
// optional YAML file, then environment variables (highest priority).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the audit pipeline and
// versioning engine.
type Config struct {
	Audit      AuditConfig      `koanf:"audit"`
	Versioning VersioningConfig `koanf:"versioning"`
	GDPR       GDPRConfig       `koanf:"gdpr"`
	Database   DatabaseConfig   `koanf:"database"`
	Logging    LoggingConfig    `koanf:"logging"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the
	// endpoint.
	Addr string `koanf:"addr"`
}

// AuditConfig controls the log -> sanitize -> buffer -> write pipeline.
type AuditConfig struct {
	// BatchSize is the buffer size that triggers a flush.
	BatchSize int `koanf:"batch_size" validate:"min=1"`

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration `koanf:"flush_interval" validate:"min=100ms"`

	// MaxRetries is the number of bulk-insert attempts per batch.
	MaxRetries int `koanf:"max_retries" validate:"min=1"`

	// RetryBaseDelay is the first backoff delay; each subsequent delay
	// is multiplied by RetryFactor.
	RetryBaseDelay time.Duration `koanf:"retry_base_delay" validate:"min=1ms"`
	RetryFactor    float64       `koanf:"retry_factor" validate:"gte=1"`

	// RetentionDays is the default retention period stamped on new events.
	RetentionDays int `koanf:"retention_days" validate:"min=1"`

	// AnonymizeIP zeroes the host part of client addresses at log time.
	AnonymizeIP bool `koanf:"anonymize_ip"`

	// HashEmails replaces actor emails with a deterministic digest at log time.
	HashEmails bool `koanf:"hash_emails"`

	// SanitizeMaxDepth bounds the sanitizer's recursion into payloads.
	SanitizeMaxDepth int `koanf:"sanitize_max_depth" validate:"min=1"`

	// Fallback selects the sink for retry-exhausted batches: badger or log.
	Fallback string `koanf:"fallback" validate:"oneof=badger log"`

	// FallbackPath is the badger directory when Fallback is "badger".
	FallbackPath string `koanf:"fallback_path"`

	// FallbackRedeliveryInterval is how often pending fallback batches are
	// retried into the store.
	FallbackRedeliveryInterval time.Duration `koanf:"fallback_redelivery_interval" validate:"min=1s"`
}

// VersioningConfig controls content version allocation.
type VersioningConfig struct {
	// MaxConflictRetries bounds the retry-on-conflict loop for concurrent
	// allocations against the same entity.
	MaxConflictRetries int `koanf:"max_conflict_retries" validate:"min=1"`
}

// GDPRConfig controls anonymization and retention sweeps.
type GDPRConfig struct {
	// SweepInterval is how often the retention sweep runs.
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"min=1m"`

	// SweepChunkSize bounds rows deleted per transaction so the sweep can
	// be interrupted and resumed on large tables.
	SweepChunkSize int `koanf:"sweep_chunk_size" validate:"min=1"`

	// SweepChunksPerSecond paces chunk deletion. 0 disables pacing.
	SweepChunksPerSecond float64 `koanf:"sweep_chunks_per_second" validate:"gte=0"`

	// PseudonymSalt keys the pseudonym digest so anonymous identifiers are
	// deterministic per deployment but not globally reversible.
	PseudonymSalt string `koanf:"pseudonym_salt"`
}

// DatabaseConfig controls the DuckDB store.
type DatabaseConfig struct {
	// Path is the database file. Use :memory: for an ephemeral store.
	Path string `koanf:"path" validate:"required"`

	// MaxMemory caps DuckDB memory usage, e.g. "2GB".
	MaxMemory string `koanf:"max_memory"`

	// Threads is the DuckDB thread count. 0 = runtime.NumCPU().
	Threads int `koanf:"threads" validate:"gte=0"`
}

// LoggingConfig controls diagnostic (not audit) logging.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Audit: AuditConfig{
			BatchSize:                  50,
			FlushInterval:              10 * time.Second,
			MaxRetries:                 3,
			RetryBaseDelay:             1 * time.Second,
			RetryFactor:                2.0,
			RetentionDays:              365,
			AnonymizeIP:                false,
			HashEmails:                 false,
			SanitizeMaxDepth:           32,
			Fallback:                   "badger",
			FallbackPath:               "/data/palimpsest/fallback",
			FallbackRedeliveryInterval: 30 * time.Second,
		},
		Versioning: VersioningConfig{
			MaxConflictRetries: 5,
		},
		GDPR: GDPRConfig{
			SweepInterval:        24 * time.Hour,
			SweepChunkSize:       500,
			SweepChunksPerSecond: 10,
			PseudonymSalt:        "",
		},
		Database: DatabaseConfig{
			Path:      "/data/palimpsest/palimpsest.duckdb",
			MaxMemory: "2GB",
			Threads:   0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

// validate is a shared validator instance; struct tag rules only, no
// translations needed for an operator-facing config error.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tag rules plus cross-field constraints that tags
// cannot express. Returns the first problem found.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if c.Audit.Fallback == "badger" && c.Audit.FallbackPath == "" {
		return fmt.Errorf("config validation: audit.fallback_path is required when audit.fallback is badger")
	}

	// A flush interval at or below the base retry delay would let retry
	// cycles overlap the next timer flush.
	if c.Audit.FlushInterval <= c.Audit.RetryBaseDelay {
		return fmt.Errorf("config validation: audit.flush_interval (%s) must exceed audit.retry_base_delay (%s)",
			c.Audit.FlushInterval, c.Audit.RetryBaseDelay)
	}

	return nil
}
