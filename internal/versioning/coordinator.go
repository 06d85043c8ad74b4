// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package versioning

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/palimpsest-io/palimpsest/internal/audit"
	"github.com/palimpsest-io/palimpsest/internal/config"
	"github.com/palimpsest-io/palimpsest/internal/database"
	"github.com/palimpsest-io/palimpsest/internal/logging"
	"github.com/palimpsest-io/palimpsest/internal/metrics"
)

// Coordinator records mutations as audit event + version snapshot
// pairs. The audit half goes through the fire-and-forget pipeline; the
// version half is synchronous because the caller needs the allocated
// number and must hear about an unresolved conflict.
type Coordinator struct {
	store      *Store
	auditor    *audit.Service
	maxRetries int
	log        zerolog.Logger
}

// NewCoordinator wires the version store and the audit pipeline.
func NewCoordinator(store *Store, auditor *audit.Service, cfg config.VersioningConfig) *Coordinator {
	maxRetries := cfg.MaxConflictRetries
	if maxRetries < 1 {
		maxRetries = 5
	}
	return &Coordinator{
		store:      store,
		auditor:    auditor,
		maxRetries: maxRetries,
		log:        logging.With().Str("component", "versioning").Logger(),
	}
}

// RecordMutation logs the mutation's audit event and allocates the
// next version for the entity. Allocation conflicts are retried up to
// the configured budget; past that, ErrVersionConflict is returned and
// the caller must treat the mutation as not recorded.
func (c *Coordinator) RecordMutation(ctx context.Context, in MutationInput) (*Version, error) {
	if in.EntityID == "" {
		return nil, fmt.Errorf("record mutation: empty entity id")
	}

	action := audit.ActionUpdate
	if in.Before == nil {
		action = audit.ActionCreate
	}
	eventID := c.logMutationEvent(action, in)

	version := &Version{
		ID:            uuid.NewString(),
		EntityID:      in.EntityID,
		Content:       in.Content,
		Title:         in.Title,
		ContentType:   in.ContentType,
		CreatedBy:     in.Attribution.CreatedBy,
		IsAIGenerated: in.Attribution.IsAIGenerated,
		AuditEventID:  eventID,
		ChangeSummary: in.ChangeSummary,
		CreatedAt:     time.Now().UTC(),
	}

	return c.allocate(ctx, version)
}

// Restore creates a new forward-moving version whose content is the
// target snapshot. History is never renumbered or rewritten.
func (c *Coordinator) Restore(ctx context.Context, entityID string, targetNumber int, actorID string) (*Version, error) {
	target, err := c.store.Get(ctx, entityID, targetNumber)
	if err != nil {
		return nil, err
	}

	current, err := c.store.Latest(ctx, entityID)
	if err != nil {
		return nil, err
	}

	eventID := uuid.NewString()
	c.auditor.Log(audit.Event{
		ID:       eventID,
		Action:   audit.ActionRestore,
		Category: audit.CategoryContent,
		Actor:    audit.Actor{Type: audit.ActorUser, UserID: actorID},
		Target:   audit.Target{ResourceType: "entity", ResourceID: entityID, ResourceName: target.Title},
		Changes: audit.Payload{
			"before": current.Content,
			"after":  target.Content,
		},
		Metadata: audit.Payload{"restored_from_version": targetNumber},
		Success:  true,
	})

	version := &Version{
		ID:            uuid.NewString(),
		EntityID:      entityID,
		Content:       target.Content,
		Title:         target.Title,
		ContentType:   target.ContentType,
		CreatedBy:     actorID,
		AuditEventID:  eventID,
		ChangeSummary: fmt.Sprintf("restored from version %d", targetNumber),
		CreatedAt:     time.Now().UTC(),
	}

	return c.allocate(ctx, version)
}

// History returns an entity's versions, newest first.
func (c *Coordinator) History(ctx context.Context, entityID string, limit, offset int) ([]Version, error) {
	return c.store.History(ctx, entityID, limit, offset)
}

// Get returns one version.
func (c *Coordinator) Get(ctx context.Context, entityID string, number int) (*Version, error) {
	return c.store.Get(ctx, entityID, number)
}

// Latest returns the newest version.
func (c *Coordinator) Latest(ctx context.Context, entityID string) (*Version, error) {
	return c.store.Latest(ctx, entityID)
}

// allocate runs the retry-on-conflict loop around insertNext. Only
// conflict-class errors are retried; anything else fails immediately.
func (c *Coordinator) allocate(ctx context.Context, version *Version) (*Version, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		number, err := c.store.insertNext(ctx, version)
		if err == nil {
			version.Number = number
			metrics.VersionsCreated.Inc()
			return version, nil
		}
		if !database.IsConflict(err) {
			return nil, err
		}

		lastErr = err
		metrics.VersionConflicts.Inc()
		c.log.Debug().
			Str("entity_id", version.EntityID).
			Int("attempt", attempt).
			Msg("Version allocation conflict, retrying")
	}

	return nil, fmt.Errorf("%w for %s after %d attempts: %v",
		ErrVersionConflict, version.EntityID, c.maxRetries, lastErr)
}

// logMutationEvent emits the audit half of a mutation and returns the
// event id the version row links to.
func (c *Coordinator) logMutationEvent(action audit.ActionKind, in MutationInput) string {
	actorType := audit.ActorUser
	if in.Attribution.CreatedBy == "" {
		actorType = audit.ActorSystem
	}

	eventID := uuid.NewString()
	c.auditor.Log(audit.Event{
		ID:       eventID,
		Action:   action,
		Category: audit.CategoryContent,
		Actor:    audit.Actor{Type: actorType, UserID: in.Attribution.CreatedBy},
		Target:   audit.Target{ResourceType: "entity", ResourceID: in.EntityID, ResourceName: in.Title},
		Context:  audit.Context{DriveID: in.DriveID},
		Changes: audit.Payload{
			"before": in.Before,
			"after":  in.Content,
		},
		Metadata: audit.Payload{"ai_generated": in.Attribution.IsAIGenerated},
		Success:  true,
	})
	return eventID
}
