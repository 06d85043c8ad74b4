// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

// Package aiops tracks units of AI-agent work attributable to a user.
//
// An operation starts in_progress and moves to exactly one terminal
// state exactly once. The transition is a conditional UPDATE guarded
// on status = 'in_progress'; a second caller finds zero affected rows
// and gets ErrAlreadyTerminal, so racing finishers cannot both win.
package aiops

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/palimpsest-io/palimpsest/internal/audit"
	"github.com/palimpsest-io/palimpsest/internal/logging"
)

var (
	// ErrAlreadyTerminal is returned when a terminal transition is
	// applied to an operation that already finished.
	ErrAlreadyTerminal = errors.New("operation already in a terminal state")

	// ErrOperationNotFound is returned for an unknown operation id.
	ErrOperationNotFound = errors.New("operation not found")
)

// Status is the operation lifecycle state.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Operation is one tracked unit of AI-agent work.
type Operation struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	Agent    string `json:"agent,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	Prompt    string           `json:"prompt,omitempty"`
	ToolCalls []map[string]any `json:"tool_calls,omitempty"`
	Result    map[string]any   `json:"result,omitempty"`

	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`

	Status       Status `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Usage carries token and cost counters reported at finish time.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Outcome carries everything a completion reports.
type Outcome struct {
	Result    map[string]any
	ToolCalls []map[string]any
	Usage     Usage
}

// Store persists operations in DuckDB and mirrors their lifecycle into
// the audit trail.
type Store struct {
	db      *sql.DB
	auditor *audit.Service
}

// NewStore creates an operation store. auditor may be nil; lifecycle
// events are then not mirrored.
func NewStore(db *sql.DB, auditor *audit.Service) *Store {
	return &Store{db: db, auditor: auditor}
}

// Begin registers a new in_progress operation. ID and StartedAt are
// stamped if empty.
func (s *Store) Begin(ctx context.Context, op *Operation) error {
	if op.UserID == "" {
		return fmt.Errorf("begin operation: empty user id")
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.StartedAt.IsZero() {
		op.StartedAt = time.Now().UTC()
	}
	op.Status = StatusInProgress

	query := `
		INSERT INTO ai_operations (
			id, user_id, agent, provider, model, prompt,
			tool_calls, result,
			prompt_tokens, completion_tokens, cost_usd,
			status, error_message, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		op.ID, op.UserID,
		nullIfEmpty(op.Agent), nullIfEmpty(op.Provider), nullIfEmpty(op.Model),
		nullIfEmpty(op.Prompt),
		marshalJSON(op.ToolCalls), marshalJSON(op.Result),
		op.PromptTokens, op.CompletionTokens, op.CostUSD,
		string(op.Status), nil, op.StartedAt.UTC(), nil,
	)
	if err != nil {
		return fmt.Errorf("begin operation %s: %w", op.ID, err)
	}

	s.mirror(op, audit.ActionInvoke, true, "")
	return nil
}

// Complete moves the operation to completed with its result and usage.
func (s *Store) Complete(ctx context.Context, id string, out Outcome) error {
	query := `
		UPDATE ai_operations
		SET status = ?, result = ?, tool_calls = COALESCE(?, tool_calls),
			prompt_tokens = ?, completion_tokens = ?, cost_usd = ?,
			finished_at = ?
		WHERE id = ? AND status = ?
	`
	return s.transition(ctx, id, StatusCompleted, query,
		string(StatusCompleted), marshalJSON(out.Result), marshalJSON(out.ToolCalls),
		out.Usage.PromptTokens, out.Usage.CompletionTokens, out.Usage.CostUSD,
		time.Now().UTC(), id, string(StatusInProgress),
	)
}

// Fail moves the operation to failed with an error message.
func (s *Store) Fail(ctx context.Context, id, errorMessage string) error {
	query := `
		UPDATE ai_operations
		SET status = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`
	return s.transition(ctx, id, StatusFailed, query,
		string(StatusFailed), errorMessage, time.Now().UTC(), id, string(StatusInProgress))
}

// Cancel moves the operation to cancelled.
func (s *Store) Cancel(ctx context.Context, id string) error {
	query := `
		UPDATE ai_operations
		SET status = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`
	return s.transition(ctx, id, StatusCancelled, query,
		string(StatusCancelled), time.Now().UTC(), id, string(StatusInProgress))
}

// transition applies one guarded terminal UPDATE and classifies a
// zero-row result as not-found or already-terminal.
func (s *Store) transition(ctx context.Context, id string, target Status, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition operation %s to %s: %w", id, target, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition affected rows: %w", err)
	}
	if affected == 0 {
		op, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, op.Status)
	}

	if op, err := s.Get(ctx, id); err == nil {
		s.mirror(op, audit.ActionInvoke, target == StatusCompleted, op.ErrorMessage)
	}
	return nil
}

const selectOperationColumns = `
	SELECT
		id, user_id, agent, provider, model, prompt,
		CAST(tool_calls AS VARCHAR), CAST(result AS VARCHAR),
		prompt_tokens, completion_tokens, cost_usd,
		status, error_message, started_at, finished_at
	FROM ai_operations
`

// Get returns one operation.
func (s *Store) Get(ctx context.Context, id string) (*Operation, error) {
	row := s.db.QueryRowContext(ctx, selectOperationColumns+" WHERE id = ?", id)
	op, err := scanOperation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", id, err)
	}
	return op, nil
}

// ListByUser returns a user's operations, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Operation, error) {
	query := selectOperationColumns + " WHERE user_id = ? ORDER BY started_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list operations for %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			logging.Warn().Err(err).Msg("Failed to scan operation row")
			continue
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// mirror emits the audit-trail side of a lifecycle change.
func (s *Store) mirror(op *Operation, action audit.ActionKind, success bool, errorMessage string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Log(audit.Event{
		Action:   action,
		Category: audit.CategoryAI,
		Actor:    audit.Actor{Type: audit.ActorUser, UserID: op.UserID},
		Target:   audit.Target{ResourceType: "ai_operation", ResourceID: op.ID},
		Metadata: audit.Payload{
			"agent":    op.Agent,
			"provider": op.Provider,
			"model":    op.Model,
			"status":   string(op.Status),
		},
		Success:      success,
		ErrorMessage: errorMessage,
	})
}

func scanOperation(scan func(...any) error) (*Operation, error) {
	var op Operation
	var agent, provider, model, prompt, toolCalls, result, errorMessage sql.NullString
	var finishedAt sql.NullTime
	var status string

	err := scan(
		&op.ID, &op.UserID, &agent, &provider, &model, &prompt,
		&toolCalls, &result,
		&op.PromptTokens, &op.CompletionTokens, &op.CostUSD,
		&status, &errorMessage, &op.StartedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	op.Agent = agent.String
	op.Provider = provider.String
	op.Model = model.String
	op.Prompt = prompt.String
	op.Status = Status(status)
	op.ErrorMessage = errorMessage.String
	if finishedAt.Valid {
		t := finishedAt.Time
		op.FinishedAt = &t
	}
	if toolCalls.Valid && toolCalls.String != "" {
		_ = json.Unmarshal([]byte(toolCalls.String), &op.ToolCalls)
	}
	if result.Valid && result.String != "" {
		_ = json.Unmarshal([]byte(result.String), &op.Result)
	}
	return &op, nil
}

// marshalJSON converts a value to a JSON column parameter, NULL when
// empty.
func marshalJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return nil
		}
	case []map[string]any:
		if len(t) == 0 {
			return nil
		}
	case nil:
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
