// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/palimpsest-io/palimpsest/internal/audit"
	"github.com/palimpsest-io/palimpsest/internal/logging"
	"github.com/palimpsest-io/palimpsest/internal/metrics"
)

// pendingPrefix namespaces batch records awaiting redelivery.
const pendingPrefix = "pending:"

// Batch is one routed batch persisted in the sink.
type Batch struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Events    []audit.Event `json:"events"`

	// Redelivery bookkeeping.
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// BadgerSink is the durable fallback: batches are written to BadgerDB
// with synchronous writes before Route returns, so a routed batch
// survives a crash between retry exhaustion and redelivery.
type BadgerSink struct {
	db  *badger.DB
	log zerolog.Logger
}

// OpenBadgerSink opens (or creates) the sink database at path.
func OpenBadgerSink(path string) (*BadgerSink, error) {
	opts := badger.DefaultOptions(path)
	// Durability is the whole point of this sink.
	opts.SyncWrites = true
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open fallback sink: %w", err)
	}

	s := &BadgerSink{
		db:  db,
		log: logging.With().Str("component", "fallback-badger").Logger(),
	}

	if count, err := s.PendingCount(); err == nil && count > 0 {
		s.log.Warn().Int64("pending_batches", count).Msg("Fallback sink has batches awaiting redelivery")
		metrics.FallbackPending.Set(float64(count))
	}

	return s, nil
}

// Route durably persists the batch as a pending record.
func (s *BadgerSink) Route(ctx context.Context, batch []audit.Event) error {
	if len(batch) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Batch{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Events:    batch,
	}

	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("marshal fallback batch: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(pendingPrefix+record.ID), data)
	})
	if err != nil {
		return fmt.Errorf("persist fallback batch: %w", err)
	}

	metrics.RecordFallback("badger", len(batch))
	if count, err := s.PendingCount(); err == nil {
		metrics.FallbackPending.Set(float64(count))
	}

	s.log.Warn().
		Str("batch_id", record.ID).
		Int("events", len(batch)).
		Msg("Batch persisted to durable fallback sink")
	return nil
}

// Pending returns up to max pending batches, oldest key first.
func (s *BadgerSink) Pending(ctx context.Context, max int) ([]Batch, error) {
	var batches []Batch

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pendingPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if max > 0 && len(batches) >= max {
				break
			}

			var record Batch
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				s.log.Error().Err(err).Str("key", string(it.Item().Key())).Msg("Corrupt fallback record, skipping")
				continue
			}
			batches = append(batches, record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read pending fallback batches: %w", err)
	}
	return batches, nil
}

// Confirm deletes a batch that has been redelivered to the store.
func (s *BadgerSink) Confirm(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(pendingPrefix + id))
	})
	if err != nil {
		return fmt.Errorf("confirm fallback batch %s: %w", id, err)
	}

	if count, err := s.PendingCount(); err == nil {
		metrics.FallbackPending.Set(float64(count))
	}
	return nil
}

// markAttempt records a failed redelivery on the stored record.
func (s *BadgerSink) markAttempt(record *Batch, attemptErr error) {
	record.Attempts++
	record.LastAttempt = time.Now().UTC()
	record.LastError = attemptErr.Error()

	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	// Bookkeeping only; losing an attempt count is harmless.
	_ = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(pendingPrefix+record.ID), data)
	})
}

// PendingCount returns the number of batches awaiting redelivery.
func (s *BadgerSink) PendingCount() (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pendingPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// GC reclaims value-log space after confirms. Badger returns
// ErrNoRewrite when there is nothing to collect; that is not a failure.
func (s *BadgerSink) GC() {
	for {
		if err := s.db.RunValueLogGC(0.5); err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Debug().Err(err).Msg("Fallback sink GC stopped")
			}
			return
		}
	}
}

// Close shuts down the sink database.
func (s *BadgerSink) Close() error {
	return s.db.Close()
}
