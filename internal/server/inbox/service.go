// Package inbox admits incoming transfers: announcements are queued
// durably, evaluated by the filter pipeline, and committed into tenant
// storage, parked in quarantine, or rejected.
package inbox

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/homebase-id/odin-transit/internal/common"
	"github.com/homebase-id/odin-transit/internal/logging"
	"github.com/homebase-id/odin-transit/internal/server/filter"
	"github.com/homebase-id/odin-transit/internal/server/models"
	"github.com/homebase-id/odin-transit/internal/server/repositories/repomanager"
	"github.com/homebase-id/odin-transit/internal/server/staging"
	"github.com/homebase-id/odin-transit/internal/server/wake"
)

// Service queues and admits incoming transfers for the tenants it serves.
type Service struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	pipeline *filter.Pipeline
	staging  staging.Store
	writer   FileWriter
	wake     *wake.Registry
	logger   logging.Logger

	batchSize      int
	requirePayload bool
}

// Options carries the admission policy knobs.
type Options struct {
	BatchSize int
	// RequirePayload refuses to admit an item whose payload part was not
	// accepted, even when header and metadata were.
	RequirePayload bool
}

func NewService(db *sql.DB, m repomanager.RepositoryManager, pipeline *filter.Pipeline,
	store staging.Store, writer FileWriter, w *wake.Registry, opts Options, l logging.Logger) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	return &Service{
		db:             db,
		repos:          m,
		pipeline:       pipeline,
		staging:        store,
		writer:         writer,
		wake:           w,
		logger:         l.With("module", "inbox_service"),
		batchSize:      opts.BatchSize,
		requirePayload: opts.RequirePayload,
	}
}

// Announcement is one incoming transfer as received from a peer. The payload
// has already been uploaded to the staging store under TempFileRef; an
// announcement without a payload (a reaction, a read receipt) leaves it
// empty.
type Announcement struct {
	TenantID             string
	BoxID                string
	ItemKey              string
	Sender               string
	GlobalTransitID      uuid.UUID
	PublicKeyFingerprint string
	TempFileRef          string
}

// EnqueueIncoming records the announcement durably and wakes the processor.
// Announcements are idempotent on (tenant, box, item key, sender): a peer
// retrying its notification replaces the previous row.
func (s *Service) EnqueueIncoming(ctx context.Context, a Announcement) error {
	item := &models.InboxItem{
		TenantID:             a.TenantID,
		BoxID:                a.BoxID,
		ItemKey:              a.ItemKey,
		Sender:               a.Sender,
		GlobalTransitID:      a.GlobalTransitID,
		PublicKeyFingerprint: a.PublicKeyFingerprint,
		TempFileRef:          a.TempFileRef,
	}
	if err := s.repos.Inbox(s.db).Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue announcement: %w", err)
	}

	s.logger.Debug(ctx, "inbox item enqueued",
		"tenant", a.TenantID, "box", a.BoxID, "item", a.ItemKey, "sender", a.Sender)
	s.wake.Notify(wake.InboxKey(a.TenantID))
	return nil
}

// CheckAdmissible runs the filter pipeline over an announcement before
// anything is staged or queued, so an untrusted sender is refused before it
// uploads a payload. Returns common.ErrTransferRejected or
// common.ErrTransferHeld for a failing announcement; the durable verdict is
// still rendered by ProcessPending after staging.
func (s *Service) CheckAdmissible(ctx context.Context, a Announcement) error {
	item := &models.InboxItem{
		TenantID:             a.TenantID,
		BoxID:                a.BoxID,
		ItemKey:              a.ItemKey,
		Sender:               a.Sender,
		GlobalTransitID:      a.GlobalTransitID,
		PublicKeyFingerprint: a.PublicKeyFingerprint,
		TempFileRef:          a.TempFileRef,
	}
	if err := s.pipeline.Evaluate(ctx, item); err != nil {
		return err
	}
	switch filter.Decide(item, s.requirePayload) {
	case filter.RejectItem:
		return common.ErrTransferRejected
	case filter.Hold:
		return common.ErrTransferHeld
	}
	return nil
}

// ProcessPending runs one admission cycle for the tenant: every pending box
// is leased and each item is evaluated and resolved. A failure on one item
// cancels that item only; the rest of the batch proceeds. Store faults abort
// the cycle.
func (s *Service) ProcessPending(ctx context.Context, tenant string) error {
	repo := s.repos.Inbox(s.db)

	boxes, err := repo.PendingBoxes(ctx, tenant)
	if err != nil {
		return err
	}
	for _, box := range boxes {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		marker, items, err := repo.Lease(ctx, tenant, box, s.batchSize)
		if err != nil {
			return err
		}

		for _, item := range items {
			if err := s.processItem(ctx, marker, item); err != nil {
				// collaborator fault: release the item and let a later
				// cycle retry it
				s.logger.Warn(ctx, "inbox item processing failed",
					"box", box, "item", item.ItemKey, "sender", item.Sender,
					"error", err.Error())
				if cancelErr := repo.CancelItems(ctx, marker, []int64{item.ID}); cancelErr != nil {
					return cancelErr
				}
			}
		}
	}
	return nil
}

func (s *Service) processItem(ctx context.Context, marker uuid.UUID, item *models.InboxItem) error {
	repo := s.repos.Inbox(s.db)

	if err := s.pipeline.Evaluate(ctx, item); err != nil {
		return err
	}

	decision := filter.Decide(item, s.requirePayload)
	s.logger.Debug(ctx, "inbox item evaluated",
		"box", item.BoxID, "item", item.ItemKey, "sender", item.Sender,
		"header", item.HeaderState.String(),
		"metadata", item.MetadataState.String(),
		"payload", item.PayloadState.String(),
		"decision", decision.String())

	switch decision {
	case filter.Admit:
		return s.admit(ctx, marker, item)

	case filter.Hold:
		return repo.MarkHeld(ctx, marker, item)

	case filter.RejectItem:
		if err := repo.MarkRejected(ctx, marker, item.ID); err != nil {
			return err
		}
		s.discardStaged(ctx, item)
		s.logger.Warn(ctx, "incoming transfer rejected",
			"box", item.BoxID, "item", item.ItemKey, "sender", item.Sender,
			"header", item.HeaderState.String(),
			"metadata", item.MetadataState.String(),
			"payload", item.PayloadState.String())
		return nil
	}
	return fmt.Errorf("unhandled admission decision %d", decision)
}

// admit promotes the staged payload into tenant storage, then removes the
// queue row. The staged copy is deleted only after the row is gone: a crash
// between the two leaves an orphaned staged object, never a lost payload.
func (s *Service) admit(ctx context.Context, marker uuid.UUID, item *models.InboxItem) error {
	if item.TempFileRef != "" {
		payload, err := s.staging.Get(ctx, item.TempFileRef)
		if err != nil {
			return fmt.Errorf("fetch staged payload: %w", err)
		}
		err = s.writer.CommitTransfer(ctx, item, payload)
		payload.Close()
		if err != nil {
			return fmt.Errorf("commit transfer: %w", err)
		}
	} else {
		if err := s.writer.CommitTransfer(ctx, item, nil); err != nil {
			return fmt.Errorf("commit transfer: %w", err)
		}
	}

	if err := s.repos.Inbox(s.db).CommitItems(ctx, marker, []int64{item.ID}); err != nil {
		return err
	}
	s.discardStaged(ctx, item)
	return nil
}

// discardStaged removes the staged payload after the row is resolved. Best
// effort: the object is unreachable either way and a sweeper can collect it.
func (s *Service) discardStaged(ctx context.Context, item *models.InboxItem) {
	if item.TempFileRef == "" {
		return
	}
	if err := s.staging.Delete(ctx, item.TempFileRef); err != nil {
		s.logger.Warn(ctx, "staged payload cleanup failed",
			"ref", item.TempFileRef, "error", err.Error())
	}
}

// HeldItems lists the quarantined items of a box.
func (s *Service) HeldItems(ctx context.Context, tenant, box string) ([]*models.InboxItem, error) {
	return s.repos.Inbox(s.db).HeldItems(ctx, tenant, box)
}

// ReevaluateHeld returns every quarantined item of the box to the pending
// pool and wakes the processor, so the filter pipeline runs again under the
// current policy. Used after an operator re-verifies a peer's key or relaxes
// the admission policy.
func (s *Service) ReevaluateHeld(ctx context.Context, tenant, box string) (int, error) {
	repo := s.repos.Inbox(s.db)

	held, err := repo.HeldItems(ctx, tenant, box)
	if err != nil {
		return 0, err
	}
	for _, item := range held {
		if err := repo.ReleaseHeld(ctx, item.ID); err != nil {
			return 0, fmt.Errorf("release held item %d: %w", item.ID, err)
		}
	}
	if len(held) > 0 {
		s.wake.Notify(wake.InboxKey(tenant))
	}
	return len(held), nil
}

// PresignHeldPayload returns a time-limited download URL for a quarantined
// payload, for operator inspection.
func (s *Service) PresignHeldPayload(ctx context.Context, item *models.InboxItem) (string, error) {
	if item.TempFileRef == "" {
		return "", fmt.Errorf("item %s/%s has no staged payload", item.BoxID, item.ItemKey)
	}
	return s.staging.PresignGet(ctx, item.TempFileRef, presignValidity)
}
