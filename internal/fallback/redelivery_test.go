// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/palimpsest-io/palimpsest/internal/audit"
)

// faultStore wraps MemoryStore and fails InsertBatch with a fixed error
// for the first failCount calls.
type faultStore struct {
	*audit.MemoryStore
	failCount int
	failErr   error
	calls     int
}

func (s *faultStore) InsertBatch(ctx context.Context, batch []audit.Event) error {
	s.calls++
	if s.calls <= s.failCount {
		return s.failErr
	}
	return s.MemoryStore.InsertBatch(ctx, batch)
}

func TestRedeliverOnceDrainsPending(t *testing.T) {
	ctx := context.Background()
	sink := openTestSink(t, t.TempDir())
	store := audit.NewMemoryStore()

	if err := sink.Route(ctx, sinkBatch(3)); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if err := sink.Route(ctx, sinkBatch(2)); err != nil {
		t.Fatalf("Route: %v", err)
	}

	loop := NewRedeliveryLoop(sink, store, time.Second)
	loop.redeliverOnce(ctx)

	if got := store.Len(); got != 5 {
		t.Fatalf("store events = %d, want 5", got)
	}
	count, err := sink.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("pending after redelivery = %d, want 0", count)
	}
}

func TestRedeliverOnceStoreDownKeepsBatch(t *testing.T) {
	ctx := context.Background()
	sink := openTestSink(t, t.TempDir())
	store := &faultStore{
		MemoryStore: audit.NewMemoryStore(),
		failCount:   1,
		failErr:     errors.New("database is locked"),
	}

	if err := sink.Route(ctx, sinkBatch(3)); err != nil {
		t.Fatalf("Route: %v", err)
	}

	loop := NewRedeliveryLoop(sink, store, time.Second)
	loop.redeliverOnce(ctx)

	if got := store.Len(); got != 0 {
		t.Fatalf("store events after failed cycle = %d, want 0", got)
	}
	batches, err := sink.Pending(ctx, 0)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("pending after failed cycle = %d, want 1", len(batches))
	}
	if batches[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", batches[0].Attempts)
	}

	// Next cycle the store is back; the batch drains.
	loop.redeliverOnce(ctx)
	if got := store.Len(); got != 3 {
		t.Fatalf("store events after recovery = %d, want 3", got)
	}
	count, err := sink.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("pending after recovery = %d, want 0", count)
	}
}

func TestRedeliverOnceConfirmsDuplicateBatch(t *testing.T) {
	// A batch inserted by an earlier cycle that crashed before Confirm
	// fails with a duplicate key on re-insert. The rows are already in
	// the store, so the record is confirmed rather than retried forever.
	ctx := context.Background()
	sink := openTestSink(t, t.TempDir())
	store := &faultStore{
		MemoryStore: audit.NewMemoryStore(),
		failCount:   1,
		failErr:     errors.New(`Constraint Error: Duplicate key "id: event-000" violates primary key constraint`),
	}

	if err := sink.Route(ctx, sinkBatch(2)); err != nil {
		t.Fatalf("Route: %v", err)
	}

	loop := NewRedeliveryLoop(sink, store, time.Second)
	loop.redeliverOnce(ctx)

	count, err := sink.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("pending after duplicate confirm = %d, want 0", count)
	}
	if got := store.Len(); got != 0 {
		t.Fatalf("store events = %d, want 0 (insert was the duplicate)", got)
	}
}

func TestRedeliverOnceEmptySinkIsNoop(t *testing.T) {
	sink := openTestSink(t, t.TempDir())
	store := audit.NewMemoryStore()

	loop := NewRedeliveryLoop(sink, store, time.Second)
	loop.redeliverOnce(context.Background())

	if got := store.Len(); got != 0 {
		t.Fatalf("store events = %d, want 0", got)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	sink := openTestSink(t, t.TempDir())
	loop := NewRedeliveryLoop(sink, audit.NewMemoryStore(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Serve(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}
