// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

// Package audit implements the fire-and-forget audit event pipeline:
// sanitize, buffer, batch, persist.
//
// Callers hand events to Service.Log and return to their own work; the
// pipeline owns everything after that. Events are sanitized (secret
// redaction, optional IP anonymization and email digesting), buffered
// in memory, and flushed to the store in batches when the buffer
// crosses its size threshold, when the flush interval elapses, or on
// demand. Batches that exhaust their write retries are routed whole to
// a fallback sink rather than being retried forever.
//
// The pipeline never returns an error to the logging caller. A primary
// operation must not fail because its audit trail hiccuped; operators
// watch the retry-exhaustion and fallback-volume metrics instead.
package audit
