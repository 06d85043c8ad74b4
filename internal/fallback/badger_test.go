// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package fallback

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/palimpsest-io/palimpsest/internal/audit"
)

func sinkEvent(n int) audit.Event {
	return audit.Event{
		ID:        fmt.Sprintf("event-%03d", n),
		Timestamp: time.Date(2026, 3, 1, 12, 0, n, 0, time.UTC),
		Action:    audit.ActionUpdate,
		Category:  audit.CategoryContent,
		Actor:     audit.Actor{UserID: "user-1", Type: audit.ActorUser},
		Target:    audit.Target{ResourceType: "page", ResourceID: fmt.Sprintf("page-%03d", n)},
		Success:   true,
	}
}

func sinkBatch(size int) []audit.Event {
	batch := make([]audit.Event, 0, size)
	for i := 0; i < size; i++ {
		batch = append(batch, sinkEvent(i))
	}
	return batch
}

func openTestSink(t *testing.T, path string) *BadgerSink {
	t.Helper()
	sink, err := OpenBadgerSink(path)
	if err != nil {
		t.Fatalf("OpenBadgerSink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func TestRouteConfirmLifecycle(t *testing.T) {
	ctx := context.Background()
	sink := openTestSink(t, t.TempDir())

	if err := sink.Route(ctx, sinkBatch(3)); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if err := sink.Route(ctx, sinkBatch(2)); err != nil {
		t.Fatalf("Route: %v", err)
	}

	count, err := sink.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("pending count = %d, want 2", count)
	}

	batches, err := sink.Pending(ctx, 0)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("pending batches = %d, want 2", len(batches))
	}
	for _, b := range batches {
		if b.ID == "" {
			t.Error("pending batch has empty id")
		}
		if len(b.Events) == 0 {
			t.Errorf("batch %s has no events", b.ID)
		}
		if b.Events[0].Action != audit.ActionUpdate {
			t.Errorf("batch %s event action = %q, want update", b.ID, b.Events[0].Action)
		}
	}

	for _, b := range batches {
		if err := sink.Confirm(b.ID); err != nil {
			t.Fatalf("Confirm(%s): %v", b.ID, err)
		}
	}

	count, err = sink.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("pending count after confirm = %d, want 0", count)
	}
}

func TestRouteEmptyBatchIsNoop(t *testing.T) {
	sink := openTestSink(t, t.TempDir())

	if err := sink.Route(context.Background(), nil); err != nil {
		t.Fatalf("Route(nil): %v", err)
	}
	count, err := sink.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("pending count = %d, want 0", count)
	}
}

func TestPendingSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	sink, err := OpenBadgerSink(dir)
	if err != nil {
		t.Fatalf("OpenBadgerSink: %v", err)
	}
	if err := sink.Route(ctx, sinkBatch(4)); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTestSink(t, dir)
	batches, err := reopened.Pending(ctx, 0)
	if err != nil {
		t.Fatalf("Pending after reopen: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("pending batches after reopen = %d, want 1", len(batches))
	}
	if len(batches[0].Events) != 4 {
		t.Fatalf("batch events after reopen = %d, want 4", len(batches[0].Events))
	}
}

func TestPendingHonorsMax(t *testing.T) {
	ctx := context.Background()
	sink := openTestSink(t, t.TempDir())

	for i := 0; i < 5; i++ {
		if err := sink.Route(ctx, sinkBatch(1)); err != nil {
			t.Fatalf("Route: %v", err)
		}
	}

	batches, err := sink.Pending(ctx, 3)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("pending batches = %d, want 3", len(batches))
	}
}

func TestMarkAttemptPersistsBookkeeping(t *testing.T) {
	ctx := context.Background()
	sink := openTestSink(t, t.TempDir())

	if err := sink.Route(ctx, sinkBatch(1)); err != nil {
		t.Fatalf("Route: %v", err)
	}
	batches, err := sink.Pending(ctx, 1)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}

	sink.markAttempt(&batches[0], errors.New("store unavailable"))
	sink.markAttempt(&batches[0], errors.New("store unavailable"))

	batches, err = sink.Pending(ctx, 1)
	if err != nil {
		t.Fatalf("Pending after markAttempt: %v", err)
	}
	record := batches[0]
	if record.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", record.Attempts)
	}
	if record.LastError != "store unavailable" {
		t.Errorf("last error = %q, want %q", record.LastError, "store unavailable")
	}
	if record.LastAttempt.IsZero() {
		t.Error("last attempt not recorded")
	}
}
