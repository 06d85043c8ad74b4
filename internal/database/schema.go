// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

/*
schema.go - Database Schema Management

Tables:
  - audit_events: append-only record of every mutating action, with the
    anonymization/retention lifecycle columns (anonymized, legal_hold,
    retention_date)
  - content_versions: full content snapshots keyed by
    (entity_id, version_number); the composite primary key is the
    serialization primitive for concurrent version allocation
  - ai_operations: tracked units of AI-agent work with a single-transition
    terminal status

Schema strategy: all columns are defined in the initial CREATE TABLE
statements, a single source of truth with no migration chain to replay.

Index strategy: activity feeds read (drive_id, ts) and (actor_id, ts);
version history reads (entity_id, version_number) via the primary key;
the retention sweep reads (anonymized, legal_hold, retention_date).
*/

//nolint:staticcheck // File documentation, not package doc
package database

import (
	"context"
	"fmt"
	"time"
)

// schemaContext returns a context with timeout for schema operations.
func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createSchema creates the tables and indexes if they do not exist.
func (db *DB) createSchema() error {
	ctx, cancel := schemaContext()
	defer cancel()

	for _, query := range schemaStatements() {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}

// schemaStatements returns the table and index creation SQL.
func schemaStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			-- Identity
			id UUID PRIMARY KEY,
			ts TIMESTAMP NOT NULL,
			action TEXT NOT NULL,
			category TEXT NOT NULL,

			-- Actor
			actor_id TEXT,
			actor_type TEXT NOT NULL,
			actor_email TEXT,

			-- Target
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			resource_name TEXT,

			-- Workspace context
			drive_id TEXT,
			page_id TEXT,
			session_id TEXT,
			request_id TEXT,

			-- Network
			ip TEXT,
			user_agent TEXT,
			endpoint TEXT,

			-- Payloads
			changes JSON,
			metadata JSON,

			-- Outcome
			success BOOLEAN NOT NULL,
			error_message TEXT,

			-- Compliance lifecycle
			anonymized BOOLEAN NOT NULL DEFAULT FALSE,
			retention_date TIMESTAMP NOT NULL,
			legal_hold BOOLEAN NOT NULL DEFAULT FALSE,

			-- Origin
			service TEXT,
			service_version TEXT,

			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_drive_ts ON audit_events(drive_id, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_actor_ts ON audit_events(actor_id, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_events(resource_type, resource_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_retention ON audit_events(anonymized, legal_hold, retention_date)`,

		`CREATE TABLE IF NOT EXISTS content_versions (
			id UUID NOT NULL,
			entity_id TEXT NOT NULL,
			version_number INTEGER NOT NULL,

			-- Full snapshot, not a diff
			content JSON NOT NULL,
			title TEXT,
			content_type TEXT,

			-- Attribution
			created_by TEXT,
			is_ai_generated BOOLEAN NOT NULL DEFAULT FALSE,

			audit_event_id UUID,
			change_summary TEXT,
			created_at TIMESTAMP NOT NULL,

			PRIMARY KEY (entity_id, version_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_versions_created_by ON content_versions(created_by, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS ai_operations (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			agent TEXT,
			provider TEXT,
			model TEXT,

			prompt TEXT,
			tool_calls JSON,
			result JSON,

			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd DOUBLE NOT NULL DEFAULT 0,

			status TEXT NOT NULL,
			error_message TEXT,

			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_aiops_user_started ON ai_operations(user_id, started_at DESC)`,
	}
}
