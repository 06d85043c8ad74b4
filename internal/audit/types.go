// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package audit

import (
	"fmt"
	"time"
)

// ActionKind categorizes what was done.
type ActionKind string

const (
	ActionCreate  ActionKind = "create"
	ActionUpdate  ActionKind = "update"
	ActionDelete  ActionKind = "delete"
	ActionRestore ActionKind = "restore"
	ActionMove    ActionKind = "move"
	ActionShare   ActionKind = "share"
	ActionExport  ActionKind = "export"
	ActionLogin   ActionKind = "login"
	ActionLogout  ActionKind = "logout"
	ActionInvoke  ActionKind = "invoke"
)

// Category groups events into audit-feed sections.
type Category string

const (
	CategoryContent    Category = "content"
	CategoryPermission Category = "permission"
	CategoryMember     Category = "member"
	CategoryAuth       Category = "auth"
	CategoryAI         Category = "ai"
	CategoryCompliance Category = "compliance"
	CategorySystem     Category = "system"
)

// ActorType identifies the kind of principal behind an event.
type ActorType string

const (
	ActorUser          ActorType = "user"
	ActorSystem        ActorType = "system"
	ActorAPI           ActorType = "api"
	ActorBackgroundJob ActorType = "background_job"
)

// Payload is an open-ended structured value stored as JSON. Callers may
// put anything JSON-representable in it; the sanitizer walks it before
// persistence.
type Payload = map[string]any

// Actor is who performed the action.
type Actor struct {
	// UserID is empty for system and background_job actors.
	UserID string    `json:"user_id,omitempty"`
	Type   ActorType `json:"type"`
	Email  string    `json:"email,omitempty"`
}

// Target is the resource the action was applied to.
type Target struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	ResourceName string `json:"resource_name,omitempty"`
}

// Context locates the event inside the workspace.
type Context struct {
	DriveID   string `json:"drive_id,omitempty"`
	PageID    string `json:"page_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Network is the request-level origin of the event.
type Network struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
}

// Event is one immutable audit record. Once persisted, the only field
// that ever changes is the one-way anonymized transition applied by the
// compliance manager; rows under legal hold are never deleted.
type Event struct {
	// ID is assigned by the pipeline if empty.
	ID string `json:"id"`

	// Timestamp is assigned by the pipeline if zero.
	Timestamp time.Time `json:"timestamp"`

	Action   ActionKind `json:"action"`
	Category Category   `json:"category"`

	Actor   Actor   `json:"actor"`
	Target  Target  `json:"target"`
	Context Context `json:"context"`
	Network Network `json:"network"`

	// Changes carries before/after state for mutations.
	Changes Payload `json:"changes,omitempty"`

	// Metadata carries event-specific details.
	Metadata Payload `json:"metadata,omitempty"`

	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Compliance lifecycle. RetentionDate is stamped at log time from
	// the configured retention period.
	Anonymized    bool      `json:"anonymized"`
	RetentionDate time.Time `json:"retention_date"`
	LegalHold     bool      `json:"legal_hold"`

	// Origin service tag.
	Service        string `json:"service,omitempty"`
	ServiceVersion string `json:"service_version,omitempty"`
}

// Validate checks the fields the pipeline cannot default. Invalid
// events are dropped with a diagnostic, never surfaced to the caller.
func (e *Event) Validate() error {
	if e.Action == "" {
		return fmt.Errorf("%w: missing action", ErrValidation)
	}
	if e.Category == "" {
		return fmt.Errorf("%w: missing category", ErrValidation)
	}
	if e.Target.ResourceType == "" || e.Target.ResourceID == "" {
		return fmt.Errorf("%w: missing target resource", ErrValidation)
	}
	switch e.Actor.Type {
	case ActorUser, ActorSystem, ActorAPI, ActorBackgroundJob:
	default:
		return fmt.Errorf("%w: unknown actor type %q", ErrValidation, e.Actor.Type)
	}
	return nil
}

// SystemActor returns the Actor used for pipeline-internal events.
func SystemActor() Actor {
	return Actor{Type: ActorSystem}
}
