// Package recovery sweeps the queue stores for leases that were never
// resolved, usually because a worker crashed mid-batch, and returns the rows
// to the pending pool.
package recovery

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/homebase-id/odin-transit/internal/logging"
	"github.com/homebase-id/odin-transit/internal/server/repositories/repomanager"
	"github.com/homebase-id/odin-transit/internal/server/wake"
)

// Service periodically releases stale leases on both queues. A lease older
// than the age threshold is considered abandoned: workers resolve their
// batches in seconds, not minutes.
type Service struct {
	db      *sql.DB
	repos   repomanager.RepositoryManager
	tenants []string
	wake    *wake.Registry
	logger  logging.Logger

	interval     time.Duration
	ageThreshold time.Duration

	now func() time.Time
}

func NewService(db *sql.DB, m repomanager.RepositoryManager, tenants []string,
	w *wake.Registry, interval, ageThreshold time.Duration, l logging.Logger) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	if ageThreshold <= 0 {
		ageThreshold = 10 * time.Minute
	}
	return &Service{
		db:           db,
		repos:        m,
		tenants:      tenants,
		wake:         w,
		logger:       l.With("module", "recovery"),
		interval:     interval,
		ageThreshold: ageThreshold,
		now:          time.Now,
	}
}

// Run sweeps on a fixed cadence until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info(ctx, "recovery sweeper started",
		"interval", s.interval, "age_threshold", s.ageThreshold)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "recovery sweeper stopped")
			return
		case <-ticker.C:
			if err := s.RecoverOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error(ctx, "recovery sweep failed", "error", err.Error())
			}
		}
	}
}

// RecoverOnce releases every stale lease once and wakes the workers when
// anything came back, so recovered rows are retried immediately rather than
// on the next poll.
func (s *Service) RecoverOnce(ctx context.Context) error {
	cutoff := s.now().Add(-s.ageThreshold)

	outboxRecovered, err := s.repos.Outbox(s.db).RecoverStale(ctx, cutoff)
	if err != nil {
		return err
	}
	inboxRecovered, err := s.repos.Inbox(s.db).RecoverStale(ctx, cutoff)
	if err != nil {
		return err
	}

	if outboxRecovered == 0 && inboxRecovered == 0 {
		return nil
	}

	s.logger.Warn(ctx, "stale leases recovered",
		"outbox", outboxRecovered, "inbox", inboxRecovered)

	for _, tenant := range s.tenants {
		if outboxRecovered > 0 {
			s.wake.Notify(wake.OutboxKey(tenant))
		}
		if inboxRecovered > 0 {
			s.wake.Notify(wake.InboxKey(tenant))
		}
	}
	return nil
}
