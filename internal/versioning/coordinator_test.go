// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package versioning

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/palimpsest-io/palimpsest/internal/audit"
	"github.com/palimpsest-io/palimpsest/internal/config"
	"github.com/palimpsest-io/palimpsest/internal/database"
)

func testCoordinator(t *testing.T) (*Coordinator, *audit.MemoryStore) {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "versioning_test.duckdb"),
		MaxMemory: "512MB",
		Threads:   2,
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	auditStore := audit.NewMemoryStore()
	auditSvc := audit.NewService(auditStore, discardSink{}, config.AuditConfig{
		BatchSize:        1000,
		FlushInterval:    time.Hour,
		MaxRetries:       1,
		RetryBaseDelay:   time.Millisecond,
		RetryFactor:      2.0,
		RetentionDays:    365,
		SanitizeMaxDepth: 32,
	})
	t.Cleanup(func() { _ = auditSvc.Close(context.Background()) })

	coord := NewCoordinator(NewStore(db.Conn()), auditSvc, config.VersioningConfig{MaxConflictRetries: 10})
	return coord, auditStore
}

type discardSink struct{}

func (discardSink) Route(ctx context.Context, batch []audit.Event) error { return nil }

func mutation(entityID string, rev int) MutationInput {
	return MutationInput{
		EntityID:      entityID,
		Content:       map[string]any{"body": fmt.Sprintf("revision %d", rev)},
		Before:        map[string]any{"body": fmt.Sprintf("revision %d", rev-1)},
		Title:         "Doc",
		ContentType:   "page",
		ChangeSummary: fmt.Sprintf("edit %d", rev),
		Attribution:   Attribution{CreatedBy: "u1"},
	}
}

func TestRecordMutationSequence(t *testing.T) {
	coord, _ := testCoordinator(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		v, err := coord.RecordMutation(ctx, mutation("p1", want))
		if err != nil {
			t.Fatalf("RecordMutation %d: %v", want, err)
		}
		if v.Number != want {
			t.Fatalf("version number = %d, want %d", v.Number, want)
		}
		if v.AuditEventID == "" {
			t.Error("version not linked to an audit event")
		}
	}

	// A second entity starts its own sequence at 1.
	v, err := coord.RecordMutation(ctx, mutation("p2", 1))
	if err != nil {
		t.Fatalf("RecordMutation p2: %v", err)
	}
	if v.Number != 1 {
		t.Errorf("p2 first version = %d, want 1", v.Number)
	}
}

func TestConcurrentAllocationContiguous(t *testing.T) {
	coord, _ := testCoordinator(t)
	ctx := context.Background()

	// Seed to version 5, then race 8 writers: the result must be the
	// exact set {6..13}, no duplicates, no gaps.
	for i := 1; i <= 5; i++ {
		if _, err := coord.RecordMutation(ctx, mutation("p1", i)); err != nil {
			t.Fatalf("seed mutation %d: %v", i, err)
		}
	}

	const writers = 8
	numbers := make(chan int, writers)
	errs := make(chan error, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := coord.RecordMutation(ctx, mutation("p1", 100+i))
			if err != nil {
				errs <- err
				return
			}
			numbers <- v.Number
		}(i)
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent RecordMutation: %v", err)
	}

	got := make(map[int]bool)
	for n := range numbers {
		if got[n] {
			t.Fatalf("version %d allocated twice", n)
		}
		got[n] = true
	}
	for want := 6; want <= 5+writers; want++ {
		if !got[want] {
			t.Errorf("version %d missing from allocated set %v", want, got)
		}
	}
}

func TestRestoreCreatesForwardVersion(t *testing.T) {
	coord, auditStore := testCoordinator(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := coord.RecordMutation(ctx, mutation("p1", i)); err != nil {
			t.Fatalf("mutation %d: %v", i, err)
		}
	}

	restored, err := coord.Restore(ctx, "p1", 1, "u2")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	// Restore allocates the next number; nothing is renumbered.
	if restored.Number != 4 {
		t.Errorf("restored version number = %d, want 4", restored.Number)
	}
	if restored.Content["body"] != "revision 1" {
		t.Errorf("restored content = %v, want version 1 snapshot", restored.Content)
	}

	history, err := coord.History(ctx, "p1", 0, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history has %d versions, want 4", len(history))
	}
	for i, v := range history {
		if want := 4 - i; v.Number != want {
			t.Errorf("history[%d].Number = %d, want %d", i, v.Number, want)
		}
	}

	// The restore logged its own audit event with before/after.
	if err := flushAudit(ctx, coord); err != nil {
		t.Fatalf("flush audit: %v", err)
	}
	restores := 0
	for _, e := range auditStore.Events() {
		if e.Action == audit.ActionRestore {
			restores++
			if e.Changes["after"] == nil || e.Changes["before"] == nil {
				t.Error("restore event missing before/after payload")
			}
		}
	}
	if restores != 1 {
		t.Errorf("found %d restore events, want 1", restores)
	}
}

func flushAudit(ctx context.Context, c *Coordinator) error {
	return c.auditor.ForceFlush(ctx)
}

func TestRestoreUnknownVersion(t *testing.T) {
	coord, _ := testCoordinator(t)
	ctx := context.Background()

	if _, err := coord.RecordMutation(ctx, mutation("p1", 1)); err != nil {
		t.Fatalf("mutation: %v", err)
	}

	_, err := coord.Restore(ctx, "p1", 99, "u1")
	if !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("Restore(99) error = %v, want ErrVersionNotFound", err)
	}
}

func TestLatestAndGet(t *testing.T) {
	coord, _ := testCoordinator(t)
	ctx := context.Background()

	if _, err := coord.Latest(ctx, "ghost"); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("Latest(ghost) = %v, want ErrVersionNotFound", err)
	}

	for i := 1; i <= 2; i++ {
		if _, err := coord.RecordMutation(ctx, mutation("p1", i)); err != nil {
			t.Fatalf("mutation %d: %v", i, err)
		}
	}

	latest, err := coord.Latest(ctx, "p1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Number != 2 {
		t.Errorf("latest = %d, want 2", latest.Number)
	}

	v1, err := coord.Get(ctx, "p1", 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v1.Content["body"] != "revision 1" {
		t.Errorf("v1 content = %v", v1.Content)
	}
}
