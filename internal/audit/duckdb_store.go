// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/palimpsest-io/palimpsest/internal/logging"
)

// DuckDBStore implements Store on the shared DuckDB connection.
// Writes are serialized behind a mutex; DuckDB allows one write
// transaction at a time and contending batches would only conflict.
type DuckDBStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewDuckDBStore creates a DuckDB-backed audit store. The schema must
// already be bootstrapped (database.Open does this).
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

const insertEventQuery = `
	INSERT INTO audit_events (
		id, ts, action, category,
		actor_id, actor_type, actor_email,
		resource_type, resource_id, resource_name,
		drive_id, page_id, session_id, request_id,
		ip, user_agent, endpoint,
		changes, metadata,
		success, error_message,
		anonymized, retention_date, legal_hold,
		service, service_version
	) VALUES (
		?, ?, ?, ?,
		?, ?, ?,
		?, ?, ?,
		?, ?, ?, ?,
		?, ?, ?,
		?, ?,
		?, ?,
		?, ?, ?,
		?, ?
	)
`

// InsertBatch persists a batch in a single transaction. Whole-batch
// semantics: any row failure rolls back the batch and the writer's
// retry policy takes over.
func (s *DuckDBStore) InsertBatch(ctx context.Context, batch []Event) error {
	if len(batch) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertEventQuery)
	if err != nil {
		return fmt.Errorf("prepare batch insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range batch {
		if _, err := stmt.ExecContext(ctx, eventParams(&batch[i])...); err != nil {
			return fmt.Errorf("insert event %s: %w", batch[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch insert: %w", err)
	}
	return nil
}

// eventParams flattens an event into insert parameters, in column order.
func eventParams(e *Event) []any {
	return []any{
		e.ID,
		e.Timestamp.UTC(),
		string(e.Action),
		string(e.Category),
		nullIfEmpty(e.Actor.UserID),
		string(e.Actor.Type),
		nullIfEmpty(e.Actor.Email),
		e.Target.ResourceType,
		e.Target.ResourceID,
		nullIfEmpty(e.Target.ResourceName),
		nullIfEmpty(e.Context.DriveID),
		nullIfEmpty(e.Context.PageID),
		nullIfEmpty(e.Context.SessionID),
		nullIfEmpty(e.Context.RequestID),
		nullIfEmpty(e.Network.IP),
		nullIfEmpty(e.Network.UserAgent),
		nullIfEmpty(e.Network.Endpoint),
		marshalPayload(e.Changes),
		marshalPayload(e.Metadata),
		e.Success,
		nullIfEmpty(e.ErrorMessage),
		e.Anonymized,
		e.RetentionDate.UTC(),
		e.LegalHold,
		nullIfEmpty(e.Service),
		nullIfEmpty(e.ServiceVersion),
	}
}

// nullIfEmpty maps "" to NULL so optional columns stay NULL-queryable.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// marshalPayload converts a payload map to a JSON string for DuckDB.
func marshalPayload(p Payload) any {
	if len(p) == 0 {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		// A payload that survived the sanitizer but fails to marshal is
		// recorded as its error rather than dropped silently.
		return `{"_marshal_error":true}`
	}
	return string(data)
}

// selectEventColumns is shared by every read path. JSON columns are
// cast to VARCHAR for scanning.
const selectEventColumns = `
	SELECT
		id, ts, action, category,
		actor_id, actor_type, actor_email,
		resource_type, resource_id, resource_name,
		drive_id, page_id, session_id, request_id,
		ip, user_agent, endpoint,
		CAST(changes AS VARCHAR), CAST(metadata AS VARCHAR),
		success, error_message,
		anonymized, retention_date, legal_hold,
		service, service_version
	FROM audit_events
`

// QueryByScope returns events for a drive, newest first.
func (s *DuckDBStore) QueryByScope(ctx context.Context, driveID string, limit, offset int) ([]Event, error) {
	query := selectEventColumns + " WHERE drive_id = ? ORDER BY ts DESC" + limitClause(limit, offset)
	return s.queryEvents(ctx, query, driveID)
}

// QueryByActor returns events for an actor, newest first.
func (s *DuckDBStore) QueryByActor(ctx context.Context, actorID string, limit, offset int) ([]Event, error) {
	query := selectEventColumns + " WHERE actor_id = ? ORDER BY ts DESC" + limitClause(limit, offset)
	return s.queryEvents(ctx, query, actorID)
}

// ExportByUser returns every event stored under the given actor id,
// oldest first.
func (s *DuckDBStore) ExportByUser(ctx context.Context, userID string) ([]Event, error) {
	query := selectEventColumns + " WHERE actor_id = ? ORDER BY ts ASC"
	return s.queryEvents(ctx, query, userID)
}

func limitClause(limit, offset int) string {
	clause := ""
	if limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func (s *DuckDBStore) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var data scannedEventData
		if err := rows.Scan(data.scanDestinations()...); err != nil {
			logging.Warn().Err(err).Msg("Failed to scan audit event row")
			continue
		}
		events = append(events, data.toEvent())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// AnonymizeByUser applies the one-way anonymize transition. The
// anonymized = FALSE guard makes repeated calls no-ops and keeps the
// reported count honest.
func (s *DuckDBStore) AnonymizeByUser(ctx context.Context, userID, pseudonym, emailPlaceholder string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE audit_events
		SET actor_id = ?,
			actor_email = CASE WHEN actor_email IS NULL THEN NULL ELSE ? END,
			ip = NULL,
			user_agent = NULL,
			metadata = NULL,
			anonymized = TRUE
		WHERE actor_id = ? AND anonymized = FALSE
	`

	result, err := s.db.ExecContext(ctx, query, pseudonym, emailPlaceholder, userID)
	if err != nil {
		return 0, fmt.Errorf("anonymize user events: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("anonymize affected rows: %w", err)
	}
	return count, nil
}

// DeleteExpired deletes up to limit eligible rows. The eligibility
// predicate is the whole retention policy: anonymized, no legal hold,
// retention date passed. Non-anonymized rows are never deleted here no
// matter how old.
func (s *DuckDBStore) DeleteExpired(ctx context.Context, asOf time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		DELETE FROM audit_events
		WHERE id IN (
			SELECT id FROM audit_events
			WHERE anonymized = TRUE AND legal_hold = FALSE AND retention_date < ?
			LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, asOf.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired events: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired affected rows: %w", err)
	}
	return count, nil
}

// Stats returns store-level counters.
func (s *DuckDBStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{EventsByCategory: make(map[string]int64)}

	row := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(*) FILTER (WHERE anonymized), MIN(ts), MAX(ts) FROM audit_events")
	var oldest, newest sql.NullTime
	if err := row.Scan(&stats.TotalEvents, &stats.AnonymizedEvents, &oldest, &newest); err != nil {
		return nil, fmt.Errorf("audit stats totals: %w", err)
	}
	if oldest.Valid {
		stats.OldestEvent = &oldest.Time
	}
	if newest.Valid {
		stats.NewestEvent = &newest.Time
	}

	rows, err := s.db.QueryContext(ctx, "SELECT category, COUNT(*) FROM audit_events GROUP BY category")
	if err != nil {
		return nil, fmt.Errorf("audit stats categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var category string
		var count int64
		if err := rows.Scan(&category, &count); err == nil {
			stats.EventsByCategory[category] = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category counts: %w", err)
	}

	return stats, nil
}

// scannedEventData holds raw scanned values from one row.
type scannedEventData struct {
	event          Event
	action         string
	category       string
	actorID        sql.NullString
	actorType      string
	actorEmail     sql.NullString
	resourceName   sql.NullString
	driveID        sql.NullString
	pageID         sql.NullString
	sessionID      sql.NullString
	requestID      sql.NullString
	ip             sql.NullString
	userAgent      sql.NullString
	endpoint       sql.NullString
	changes        sql.NullString
	metadata       sql.NullString
	errorMessage   sql.NullString
	service        sql.NullString
	serviceVersion sql.NullString
}

// scanDestinations returns pointers for every selected column, in
// selectEventColumns order.
func (d *scannedEventData) scanDestinations() []any {
	return []any{
		&d.event.ID,
		&d.event.Timestamp,
		&d.action,
		&d.category,
		&d.actorID,
		&d.actorType,
		&d.actorEmail,
		&d.event.Target.ResourceType,
		&d.event.Target.ResourceID,
		&d.resourceName,
		&d.driveID,
		&d.pageID,
		&d.sessionID,
		&d.requestID,
		&d.ip,
		&d.userAgent,
		&d.endpoint,
		&d.changes,
		&d.metadata,
		&d.event.Success,
		&d.errorMessage,
		&d.event.Anonymized,
		&d.event.RetentionDate,
		&d.event.LegalHold,
		&d.service,
		&d.serviceVersion,
	}
}

// toEvent assembles the scanned values into an Event.
func (d *scannedEventData) toEvent() Event {
	e := d.event
	e.Action = ActionKind(d.action)
	e.Category = Category(d.category)
	e.Actor.UserID = d.actorID.String
	e.Actor.Type = ActorType(d.actorType)
	e.Actor.Email = d.actorEmail.String
	e.Target.ResourceName = d.resourceName.String
	e.Context.DriveID = d.driveID.String
	e.Context.PageID = d.pageID.String
	e.Context.SessionID = d.sessionID.String
	e.Context.RequestID = d.requestID.String
	e.Network.IP = d.ip.String
	e.Network.UserAgent = d.userAgent.String
	e.Network.Endpoint = d.endpoint.String
	e.ErrorMessage = d.errorMessage.String
	e.Service = d.service.String
	e.ServiceVersion = d.serviceVersion.String
	e.Changes = unmarshalPayload(d.changes)
	e.Metadata = unmarshalPayload(d.metadata)
	return e
}

// unmarshalPayload parses a JSON column back into a payload map.
// Unparseable stored JSON degrades to nil rather than failing the read.
func unmarshalPayload(col sql.NullString) Payload {
	if !col.Valid || col.String == "" {
		return nil
	}
	var p Payload
	if err := json.Unmarshal([]byte(col.String), &p); err != nil {
		logging.Debug().Err(err).Msg("Failed to parse stored payload JSON")
		return nil
	}
	return p
}
