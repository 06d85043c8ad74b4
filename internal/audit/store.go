// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the persistence surface consumed by the pipeline and the
// compliance manager.
type Store interface {
	// InsertBatch persists a drained batch in one bulk operation.
	// Whole-batch semantics: one bad row fails the batch.
	InsertBatch(ctx context.Context, batch []Event) error

	// QueryByScope returns events for a drive, newest first.
	QueryByScope(ctx context.Context, driveID string, limit, offset int) ([]Event, error)

	// QueryByActor returns events for an actor, newest first.
	QueryByActor(ctx context.Context, actorID string, limit, offset int) ([]Event, error)

	// ExportByUser returns every event whose stored actor id matches
	// userID, oldest first. Read-only. Anonymized rows carry the
	// pseudonym as their actor id; the compliance manager queries both
	// identities to assemble a complete export.
	ExportByUser(ctx context.Context, userID string) ([]Event, error)

	// AnonymizeByUser applies the one-way anonymize transition to all
	// non-anonymized rows of a user: pseudonym replaces the user id,
	// placeholder replaces any stored email, ip/user_agent/metadata are
	// cleared. Returns the number of rows transitioned; rows already
	// anonymized are not touched or counted.
	AnonymizeByUser(ctx context.Context, userID, pseudonym, emailPlaceholder string) (int64, error)

	// DeleteExpired deletes up to limit rows that are anonymized, not
	// under legal hold, and past their retention date as of asOf.
	// Returns the number deleted; callers loop until it reports zero.
	DeleteExpired(ctx context.Context, asOf time.Time, limit int) (int64, error)

	// Stats returns store-level counters for operator dashboards.
	Stats(ctx context.Context) (*Stats, error)
}

// Stats summarizes the persisted audit log.
type Stats struct {
	TotalEvents      int64            `json:"total_events"`
	AnonymizedEvents int64            `json:"anonymized_events"`
	EventsByCategory map[string]int64 `json:"events_by_category"`
	OldestEvent      *time.Time       `json:"oldest_event,omitempty"`
	NewestEvent      *time.Time       `json:"newest_event,omitempty"`
}

// MemoryStore is an in-memory Store for tests and ephemeral
// deployments. Same semantics as DuckDBStore, no durability.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// InsertBatch appends a copy of the batch.
func (s *MemoryStore) InsertBatch(ctx context.Context, batch []Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

// QueryByScope returns events for a drive, newest first.
func (s *MemoryStore) QueryByScope(ctx context.Context, driveID string, limit, offset int) ([]Event, error) {
	return s.query(ctx, func(e *Event) bool { return e.Context.DriveID == driveID }, limit, offset, true)
}

// QueryByActor returns events for an actor, newest first.
func (s *MemoryStore) QueryByActor(ctx context.Context, actorID string, limit, offset int) ([]Event, error) {
	return s.query(ctx, func(e *Event) bool { return e.Actor.UserID == actorID }, limit, offset, true)
}

// ExportByUser returns every event stored under the given actor id,
// oldest first.
func (s *MemoryStore) ExportByUser(ctx context.Context, userID string) ([]Event, error) {
	return s.query(ctx, func(e *Event) bool { return e.Actor.UserID == userID }, 0, 0, false)
}

func (s *MemoryStore) query(ctx context.Context, match func(*Event) bool, limit, offset int, newestFirst bool) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []Event
	for i := range s.events {
		if match(&s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if newestFirst {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AnonymizeByUser applies the anonymize transition in memory.
func (s *MemoryStore) AnonymizeByUser(ctx context.Context, userID, pseudonym, emailPlaceholder string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for i := range s.events {
		e := &s.events[i]
		if e.Actor.UserID != userID || e.Anonymized {
			continue
		}
		e.Actor.UserID = pseudonym
		if e.Actor.Email != "" {
			e.Actor.Email = emailPlaceholder
		}
		e.Network.IP = ""
		e.Network.UserAgent = ""
		e.Metadata = nil
		e.Anonymized = true
		count++
	}
	return count, nil
}

// DeleteExpired removes up to limit eligible rows.
func (s *MemoryStore) DeleteExpired(ctx context.Context, asOf time.Time, limit int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	kept := s.events[:0]
	for i := range s.events {
		e := s.events[i]
		eligible := e.Anonymized && !e.LegalHold && e.RetentionDate.Before(asOf)
		if eligible && (limit <= 0 || deleted < int64(limit)) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return deleted, nil
}

// Stats summarizes the in-memory store.
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{EventsByCategory: make(map[string]int64)}
	for i := range s.events {
		e := &s.events[i]
		stats.TotalEvents++
		if e.Anonymized {
			stats.AnonymizedEvents++
		}
		stats.EventsByCategory[string(e.Category)]++
		if stats.OldestEvent == nil || e.Timestamp.Before(*stats.OldestEvent) {
			t := e.Timestamp
			stats.OldestEvent = &t
		}
		if stats.NewestEvent == nil || e.Timestamp.After(*stats.NewestEvent) {
			t := e.Timestamp
			stats.NewestEvent = &t
		}
	}
	return stats, nil
}

// Len returns the number of stored events. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Events returns a snapshot of all stored events. Test helper.
func (s *MemoryStore) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// FindByTarget returns stored events whose target resource id contains
// the given fragment. Test helper.
func (s *MemoryStore) FindByTarget(fragment string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for i := range s.events {
		if strings.Contains(s.events[i].Target.ResourceID, fragment) {
			out = append(out, s.events[i])
		}
	}
	return out
}
