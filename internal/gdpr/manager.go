// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

// Package gdpr implements the compliance lifecycle of the audit log:
// anonymize on request, export on request, delete after retention.
//
// The lifecycle is one-way: active -> anonymized -> deleted. Anonymize
// is idempotent at the row level; the sweep deletes only rows that are
// anonymized, past retention, and not under legal hold. There is no
// path back.
package gdpr

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"github.com/palimpsest-io/palimpsest/internal/audit"
	"github.com/palimpsest-io/palimpsest/internal/config"
	"github.com/palimpsest-io/palimpsest/internal/logging"
	"github.com/palimpsest-io/palimpsest/internal/metrics"
)

// pseudonymLen is the byte length of the pseudonym digest before hex
// encoding. 128 bits keeps pseudonyms collision-free while staying
// short enough for log lines.
const pseudonymLen = 16

// emailPlaceholderDomain hosts anonymized placeholder addresses.
// .invalid can never resolve.
const emailPlaceholderDomain = "anonymized.invalid"

// Manager runs anonymization, export, and the retention sweep against
// the audit store. It bypasses the buffer: compliance operations work
// on persisted rows, not in-flight ones.
type Manager struct {
	store     audit.Store
	salt      []byte
	chunkSize int
	limiter   *rate.Limiter
	log       zerolog.Logger
}

// NewManager builds a compliance manager from the gdpr config.
func NewManager(store audit.Store, cfg config.GDPRConfig) *Manager {
	chunkSize := cfg.SweepChunkSize
	if chunkSize <= 0 {
		chunkSize = 500
	}

	limit := rate.Inf
	if cfg.SweepChunksPerSecond > 0 {
		limit = rate.Limit(cfg.SweepChunksPerSecond)
	}

	return &Manager{
		store:     store,
		salt:      []byte(cfg.PseudonymSalt),
		chunkSize: chunkSize,
		limiter:   rate.NewLimiter(limit, 1),
		log:       logging.With().Str("component", "gdpr").Logger(),
	}
}

// Pseudonym derives the deterministic anonymous identifier for a user.
// Keyed with the deployment salt, so events stay correlatable within
// one deployment without the mapping being globally computable.
func (m *Manager) Pseudonym(userID string) string {
	h, err := blake2b.New256(m.salt)
	if err != nil {
		// Only possible with a key over 64 bytes; fall back to unkeyed.
		h, _ = blake2b.New256(nil)
	}
	h.Write([]byte(userID))
	sum := h.Sum(nil)
	return "anon-" + hex.EncodeToString(sum[:pseudonymLen])
}

// AnonymizeUser applies the one-way anonymize transition to every
// non-anonymized event of the user. Idempotent: re-running finds
// nothing left and reports zero, and already-anonymized rows are never
// transformed twice.
func (m *Manager) AnonymizeUser(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("anonymize: empty user id")
	}

	pseudonym := m.Pseudonym(userID)
	placeholder := pseudonym + "@" + emailPlaceholderDomain

	count, err := m.store.AnonymizeByUser(ctx, userID, pseudonym, placeholder)
	if err != nil {
		return 0, fmt.Errorf("anonymize user: %w", err)
	}

	metrics.GDPRAnonymizedRows.Add(float64(count))
	m.log.Info().
		Str("pseudonym", pseudonym).
		Int64("rows", count).
		Msg("Anonymized user audit events")
	return count, nil
}

// ExportUserData returns the full event set for a user, anonymized or
// not, for data-portability requests. Anonymized rows carry the
// pseudonym as their actor id, so the export reads both identities and
// merges them oldest first. Read-only.
func (m *Manager) ExportUserData(ctx context.Context, userID string) ([]audit.Event, error) {
	if userID == "" {
		return nil, fmt.Errorf("export: empty user id")
	}

	active, err := m.store.ExportByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("export user data: %w", err)
	}
	anonymized, err := m.store.ExportByUser(ctx, m.Pseudonym(userID))
	if err != nil {
		return nil, fmt.Errorf("export anonymized user data: %w", err)
	}

	events := append(active, anonymized...)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	metrics.GDPRExports.Inc()
	return events, nil
}

// RetentionSweep deletes expired rows in rate-limited chunks until
// none remain. Each chunk is its own transaction, so a cancelled sweep
// resumes cleanly on the next run. Only rows that are anonymized, past
// retention, and not under legal hold are ever touched.
func (m *Manager) RetentionSweep(ctx context.Context) (int64, error) {
	asOf := time.Now().UTC()

	var total int64
	for {
		if err := m.limiter.Wait(ctx); err != nil {
			return total, err
		}

		deleted, err := m.store.DeleteExpired(ctx, asOf, m.chunkSize)
		if err != nil {
			return total, fmt.Errorf("retention sweep chunk: %w", err)
		}
		if deleted == 0 {
			break
		}

		total += deleted
		metrics.GDPRSweptRows.Add(float64(deleted))
	}

	if total > 0 {
		m.log.Info().Int64("rows", total).Msg("Retention sweep deleted expired audit events")
	}
	return total, nil
}
