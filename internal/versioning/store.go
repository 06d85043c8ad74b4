// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package versioning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/palimpsest-io/palimpsest/internal/logging"
)

// Store persists versions in DuckDB.
//
// Unlike the audit store there is no write mutex here: allocation
// correctness comes from the (entity_id, version_number) primary key,
// and the coordinator's retry loop must also hold against writers in
// other processes, so in-process serialization would only hide the
// path that has to work anyway.
type Store struct {
	db *sql.DB
}

// NewStore creates a version store on the shared connection. The
// schema must already be bootstrapped.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// insertNext writes the version with the next sequence number for its
// entity, computed and inserted in one statement so two concurrent
// allocations collide on the primary key instead of double-reading the
// same MAX. Returns the allocated number.
func (s *Store) insertNext(ctx context.Context, v *Version) (int, error) {
	content, err := json.Marshal(v.Content)
	if err != nil {
		return 0, fmt.Errorf("marshal version content: %w", err)
	}

	query := `
		INSERT INTO content_versions (
			id, entity_id, version_number, content, title, content_type,
			created_by, is_ai_generated, audit_event_id, change_summary, created_at
		)
		SELECT ?, ?, COALESCE(MAX(version_number), 0) + 1, ?, ?, ?, ?, ?, ?, ?, ?
		FROM content_versions WHERE entity_id = ?
		RETURNING version_number
	`

	var number int
	err = s.db.QueryRowContext(ctx, query,
		v.ID, v.EntityID, string(content),
		nullIfEmpty(v.Title), nullIfEmpty(v.ContentType),
		nullIfEmpty(v.CreatedBy), v.IsAIGenerated,
		nullIfEmpty(v.AuditEventID), nullIfEmpty(v.ChangeSummary),
		v.CreatedAt.UTC(), v.EntityID,
	).Scan(&number)
	if err != nil {
		return 0, fmt.Errorf("insert version for %s: %w", v.EntityID, err)
	}
	return number, nil
}

const selectVersionColumns = `
	SELECT
		id, entity_id, version_number,
		CAST(content AS VARCHAR), title, content_type,
		created_by, is_ai_generated, audit_event_id, change_summary, created_at
	FROM content_versions
`

// Get returns one version of an entity.
func (s *Store) Get(ctx context.Context, entityID string, number int) (*Version, error) {
	row := s.db.QueryRowContext(ctx,
		selectVersionColumns+" WHERE entity_id = ? AND version_number = ?", entityID, number)

	v, err := scanVersion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, entityID, number)
	}
	if err != nil {
		return nil, fmt.Errorf("get version %s v%d: %w", entityID, number, err)
	}
	return v, nil
}

// Latest returns the highest-numbered version of an entity, or
// ErrVersionNotFound for an entity with no history.
func (s *Store) Latest(ctx context.Context, entityID string) (*Version, error) {
	row := s.db.QueryRowContext(ctx,
		selectVersionColumns+" WHERE entity_id = ? ORDER BY version_number DESC LIMIT 1", entityID)

	v, err := scanVersion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("latest version of %s: %w", entityID, err)
	}
	return v, nil
}

// History returns an entity's versions, newest first.
func (s *Store) History(ctx context.Context, entityID string, limit, offset int) ([]Version, error) {
	query := selectVersionColumns + " WHERE entity_id = ? ORDER BY version_number DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}

	rows, err := s.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("version history of %s: %w", entityID, err)
	}
	defer func() { _ = rows.Close() }()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			logging.Warn().Err(err).Str("entity_id", entityID).Msg("Failed to scan version row")
			continue
		}
		versions = append(versions, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate version history: %w", err)
	}
	return versions, nil
}

// scanVersion reads one row via the given Scan function.
func scanVersion(scan func(...any) error) (*Version, error) {
	var v Version
	var content string
	var title, contentType, createdBy, auditEventID, changeSummary sql.NullString

	err := scan(
		&v.ID, &v.EntityID, &v.Number,
		&content, &title, &contentType,
		&createdBy, &v.IsAIGenerated, &auditEventID, &changeSummary, &v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	v.Title = title.String
	v.ContentType = contentType.String
	v.CreatedBy = createdBy.String
	v.AuditEventID = auditEventID.String
	v.ChangeSummary = changeSummary.String

	if content != "" {
		if err := json.Unmarshal([]byte(content), &v.Content); err != nil {
			logging.Debug().Err(err).Str("entity_id", v.EntityID).Msg("Failed to parse stored version content")
		}
	}
	return &v, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
