// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

// Package fallback provides the sinks for audit batches that exhausted
// their write retries.
//
// Two implementations of audit.Sink:
//
//   - BadgerSink writes batches to an embedded BadgerDB with synchronous
//     writes, so a routed batch survives a process restart. A supervised
//     RedeliveryLoop periodically retries pending batches into the real
//     store and deletes them once persisted.
//   - LogSink emits each event as a structured error log line. Nothing
//     survives a restart; the record lives wherever the log stream goes.
//
// Which one is used is a deployment decision (audit.fallback).
package fallback
