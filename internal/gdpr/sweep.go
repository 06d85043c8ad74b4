// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package gdpr

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/palimpsest-io/palimpsest/internal/logging"
)

// SweepService runs the retention sweep on an interval under the
// supervision tree.
type SweepService struct {
	manager  *Manager
	interval time.Duration
	log      zerolog.Logger
}

// NewSweepService schedules the recurring sweep.
func NewSweepService(manager *Manager, interval time.Duration) *SweepService {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &SweepService{
		manager:  manager,
		interval: interval,
		log:      logging.With().Str("component", "gdpr-sweep").Logger(),
	}
}

// Serve runs sweeps until ctx is cancelled. Implements suture.Service.
func (s *SweepService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.manager.RetentionSweep(ctx); err != nil {
				// Idempotent by construction; the next tick re-runs it.
				s.log.Error().Err(err).Msg("Retention sweep failed")
			}
		}
	}
}

func (s *SweepService) String() string {
	return "gdpr-sweep"
}
