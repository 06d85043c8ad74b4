// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

// Package main is the entry point for the Palimpsest audit daemon.
//
// Palimpsest records every mutating action of a multi-tenant workspace
// as an immutable audit trail, keeps full-snapshot version history for
// mutable content, and enforces the GDPR lifecycle (anonymize, export,
// retention sweep) on the recorded data.
//
// # Startup order
//
//  1. Configuration: Koanf v2 layering (defaults, config.yaml, env)
//  2. Logging: zerolog, JSON by default
//  3. Database: embedded DuckDB, schema bootstrapped on open
//  4. Fallback sink: BadgerDB (durable) or structured log, per config
//  5. Pipeline: sanitizer -> buffer -> batch writer
//  6. Supervision tree: flush loop, fallback redelivery, retention
//     sweep, metrics endpoint
//
// # Signal handling
//
// SIGINT/SIGTERM cancel the supervision tree and trigger a bounded
// final flush, so buffered events are persisted on normal termination.
// An abrupt kill can still lose the in-memory buffer; that is the
// accepted fire-and-forget tradeoff.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/palimpsest-io/palimpsest/internal/audit"
	"github.com/palimpsest-io/palimpsest/internal/config"
	"github.com/palimpsest-io/palimpsest/internal/database"
	"github.com/palimpsest-io/palimpsest/internal/fallback"
	"github.com/palimpsest-io/palimpsest/internal/gdpr"
	"github.com/palimpsest-io/palimpsest/internal/logging"
	"github.com/palimpsest-io/palimpsest/internal/metrics"
	"github.com/palimpsest-io/palimpsest/internal/supervisor"
)

// shutdownTimeout bounds the final flush and service teardown.
const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("version", audit.ServiceVersion).
		Str("database", cfg.Database.Path).
		Str("fallback", cfg.Audit.Fallback).
		Msg("Palimpsest starting")

	if err := run(cfg); err != nil && err != context.Canceled {
		logging.Fatal().Err(err).Msg("Palimpsest exited with error")
	}
	logging.Info().Msg("Palimpsest stopped")
}

func run(cfg *config.Config) error {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	store := audit.NewDuckDBStore(db.Conn())

	sink, badgerSink, err := buildSink(cfg)
	if err != nil {
		return err
	}
	if badgerSink != nil {
		defer func() { _ = badgerSink.Close() }()
	}

	service := audit.NewService(store, sink, cfg.Audit)
	manager := gdpr.NewManager(store, cfg.GDPR)

	tree := supervisor.NewTree(
		slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		supervisor.DefaultTreeConfig(),
	)

	tree.AddPipelineService(service)
	tree.AddMaintenanceService(gdpr.NewSweepService(manager, cfg.GDPR.SweepInterval))
	if badgerSink != nil {
		tree.AddMaintenanceService(fallback.NewRedeliveryLoop(
			badgerSink, store, cfg.Audit.FallbackRedeliveryInterval))
	}
	if cfg.Metrics.Addr != "" {
		tree.AddMaintenanceService(metrics.NewServer(cfg.Metrics.Addr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	treeErr := <-tree.ServeBackground(ctx)

	// The tree is down; make sure the buffer is flushed before the
	// store closes.
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := service.Close(closeCtx); err != nil {
		logging.Error().Err(err).Msg("Final flush did not complete")
	}

	if unstopped, err := tree.UnstoppedServiceReport(); err == nil && len(unstopped) > 0 {
		for _, s := range unstopped {
			logging.Warn().Str("service", s.Name).Msg("Service did not stop within timeout")
		}
	}

	return treeErr
}

// buildSink selects the fallback sink. The badger sink is returned
// separately because it needs closing and a redelivery loop.
func buildSink(cfg *config.Config) (audit.Sink, *fallback.BadgerSink, error) {
	if cfg.Audit.Fallback == "log" {
		return fallback.NewLogSink(), nil, nil
	}

	badgerSink, err := fallback.OpenBadgerSink(cfg.Audit.FallbackPath)
	if err != nil {
		return nil, nil, err
	}
	return badgerSink, badgerSink, nil
}
