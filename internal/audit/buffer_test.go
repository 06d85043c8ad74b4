// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package audit

import (
	"fmt"
	"sync"
	"testing"
)

func bufEvent(n int) Event {
	return Event{
		ID:       fmt.Sprintf("ev-%d", n),
		Action:   ActionUpdate,
		Category: CategoryContent,
		Actor:    Actor{Type: ActorUser, UserID: "u1"},
		Target:   Target{ResourceType: "page", ResourceID: fmt.Sprintf("p-%d", n)},
	}
}

func TestBufferAppendReportsCrossing(t *testing.T) {
	b := NewBuffer(3)

	for i := 1; i <= 2; i++ {
		size, crossed := b.Append(bufEvent(i))
		if size != i || crossed {
			t.Errorf("append %d: size=%d crossed=%v, want size=%d crossed=false", i, size, crossed, i)
		}
	}

	size, crossed := b.Append(bufEvent(3))
	if size != 3 || !crossed {
		t.Errorf("append 3: size=%d crossed=%v, want size=3 crossed=true", size, crossed)
	}
}

func TestBufferDrainSnapshot(t *testing.T) {
	b := NewBuffer(10)

	for i := 0; i < 4; i++ {
		b.Append(bufEvent(i))
	}

	batch := b.Drain()
	if len(batch) != 4 {
		t.Fatalf("drained %d entries, want 4", len(batch))
	}
	if b.Size() != 0 {
		t.Errorf("size after drain = %d, want 0", b.Size())
	}

	// Appends after the drain belong to the next batch.
	b.Append(bufEvent(100))
	if b.Size() != 1 {
		t.Errorf("size after post-drain append = %d, want 1", b.Size())
	}
	if len(batch) != 4 {
		t.Errorf("earlier snapshot grew to %d entries", len(batch))
	}
}

func TestBufferDrainEmpty(t *testing.T) {
	b := NewBuffer(10)
	if batch := b.Drain(); batch != nil {
		t.Errorf("drain of empty buffer = %v, want nil", batch)
	}
}

func TestBufferConcurrentAppendNoLoss(t *testing.T) {
	const producers = 8
	const perProducer = 250

	b := NewBuffer(1 << 20)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Append(bufEvent(p*perProducer + i))
			}
		}(p)
	}
	wg.Wait()

	batch := b.Drain()
	if len(batch) != producers*perProducer {
		t.Fatalf("drained %d entries, want %d", len(batch), producers*perProducer)
	}

	seen := make(map[string]struct{}, len(batch))
	for _, e := range batch {
		if _, dup := seen[e.ID]; dup {
			t.Fatalf("duplicate entry %s", e.ID)
		}
		seen[e.ID] = struct{}{}
	}
}

func TestBufferConcurrentAppendDuringDrain(t *testing.T) {
	b := NewBuffer(1 << 20)

	for i := 0; i < 500; i++ {
		b.Append(bufEvent(i))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 500; i < 1000; i++ {
			b.Append(bufEvent(i))
		}
	}()

	first := b.Drain()
	wg.Wait()
	second := b.Drain()

	total := len(first) + len(second)
	if total != 1000 {
		t.Fatalf("batches total %d entries, want 1000", total)
	}

	seen := make(map[string]struct{}, total)
	for _, batch := range [][]Event{first, second} {
		for _, e := range batch {
			if _, dup := seen[e.ID]; dup {
				t.Fatalf("entry %s appears in two batches", e.ID)
			}
			seen[e.ID] = struct{}{}
		}
	}
}

func TestBufferFlushGuardExclusive(t *testing.T) {
	b := NewBuffer(10)

	if !b.TryBeginFlush() {
		t.Fatal("first TryBeginFlush refused")
	}
	if b.TryBeginFlush() {
		t.Fatal("second TryBeginFlush succeeded while flush in progress")
	}

	b.EndFlush()
	if !b.TryBeginFlush() {
		t.Fatal("TryBeginFlush refused after EndFlush")
	}
	b.EndFlush()
}

func TestBufferFlushGuardUnderContention(t *testing.T) {
	b := NewBuffer(10)

	const contenders = 16
	acquired := make(chan bool, contenders)

	var start, done sync.WaitGroup
	start.Add(1)
	for i := 0; i < contenders; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			start.Wait()
			acquired <- b.TryBeginFlush()
		}()
	}
	start.Done()
	done.Wait()
	close(acquired)

	wins := 0
	for ok := range acquired {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("%d goroutines acquired the flush guard, want exactly 1", wins)
	}
}
