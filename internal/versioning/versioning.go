// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

// Package versioning maintains the append-only version history of
// mutable content.
//
// Every content mutation produces a full snapshot with a per-entity
// version number. Numbers are contiguous and strictly increasing from
// 1, even under concurrent writers: allocation relies on the
// (entity_id, version_number) primary key plus a bounded
// retry-on-conflict loop, never a read-then-write. History is never
// renumbered; a restore is itself a new forward-moving version.
package versioning

import (
	"errors"
	"time"
)

var (
	// ErrVersionConflict is returned when concurrent allocations for
	// the same entity could not be resolved within the retry budget.
	// This is the one pipeline error that propagates to mutation
	// callers: an unresolved conflict means the mutation cannot be
	// considered recorded.
	ErrVersionConflict = errors.New("version allocation conflict")

	// ErrVersionNotFound is returned for a missing entity or number.
	ErrVersionNotFound = errors.New("version not found")
)

// Version is one full content snapshot. Immutable once written.
type Version struct {
	ID       string `json:"id"`
	EntityID string `json:"entity_id"`

	// Number is the per-entity sequence number, starting at 1.
	Number int `json:"version_number"`

	// Content is the full snapshot, not a diff.
	Content map[string]any `json:"content"`

	Title       string `json:"title,omitempty"`
	ContentType string `json:"content_type,omitempty"`

	// CreatedBy is empty for system-originated versions.
	CreatedBy     string `json:"created_by,omitempty"`
	IsAIGenerated bool   `json:"is_ai_generated"`

	// AuditEventID links the version to the event describing the
	// mutation that produced it.
	AuditEventID  string    `json:"audit_event_id,omitempty"`
	ChangeSummary string    `json:"change_summary,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Attribution identifies who (or what) produced a mutation.
type Attribution struct {
	CreatedBy     string
	IsAIGenerated bool
}

// MutationInput describes one content mutation to record.
type MutationInput struct {
	EntityID string

	// Content is the post-mutation snapshot.
	Content map[string]any

	// Before is the pre-mutation state, recorded in the audit trail.
	// May be nil for creations.
	Before map[string]any

	Title         string
	ContentType   string
	ChangeSummary string
	Attribution   Attribution

	// DriveID scopes the audit event for activity feeds.
	DriveID string
}
