// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package audit

import (
	"sync"
	"sync/atomic"

	"github.com/palimpsest-io/palimpsest/internal/metrics"
)

// Buffer is the in-memory queue between many logging producers and one
// flush consumer at a time.
//
// Append and Drain share one mutex; a drain swaps the backing slice
// out whole, so appends racing a drain land in the next batch and no
// entry is lost or duplicated. The separate flush guard
// (TryBeginFlush/EndFlush) is what keeps the size trigger and the
// timer trigger from draining twice for one threshold crossing: guard
// ownership, not the mutex, is the flush-exclusivity mechanism.
type Buffer struct {
	mu        sync.Mutex
	entries   []Event
	threshold int

	flushing atomic.Bool
}

// NewBuffer creates a buffer that reports a threshold crossing at
// batchSize entries.
func NewBuffer(batchSize int) *Buffer {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Buffer{
		entries:   make([]Event, 0, batchSize),
		threshold: batchSize,
	}
}

// Append adds an entry and reports the new size and whether it reached
// the flush threshold. O(1) amortized; safe for concurrent producers.
func (b *Buffer) Append(event Event) (size int, crossed bool) {
	b.mu.Lock()
	b.entries = append(b.entries, event)
	size = len(b.entries)
	b.mu.Unlock()

	metrics.BufferSize.Set(float64(size))
	return size, size >= b.threshold
}

// Drain atomically removes and returns all buffered entries. Entries
// appended after the swap belong to the next batch. Returns nil when
// empty.
func (b *Buffer) Drain() []Event {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.entries
	b.entries = make([]Event, 0, b.threshold)
	b.mu.Unlock()

	metrics.BufferSize.Set(0)
	return batch
}

// Size returns the current entry count. Best-effort monitoring read;
// not for correctness decisions.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// TryBeginFlush claims exclusive flush ownership. Returns false if a
// flush is already running; the caller must not drain.
func (b *Buffer) TryBeginFlush() bool {
	return b.flushing.CompareAndSwap(false, true)
}

// EndFlush releases flush ownership. Call only after a successful
// TryBeginFlush.
func (b *Buffer) EndFlush() {
	b.flushing.Store(false)
}
