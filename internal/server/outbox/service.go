// Package outbox contains the producer-side service of the outgoing queue:
// it seals delivery instructions and the wrapped recipient credential into a
// state blob and enqueues one row per recipient.
package outbox

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/homebase-id/odin-transit/internal/cryptox"
	"github.com/homebase-id/odin-transit/internal/logging"
	"github.com/homebase-id/odin-transit/internal/server/models"
	"github.com/homebase-id/odin-transit/internal/server/peer"
	"github.com/homebase-id/odin-transit/internal/server/repositories/repomanager"
	"github.com/homebase-id/odin-transit/internal/server/wake"
)

// Default priorities per kind; lower is sooner. Push notifications cut the
// line so a peer learns about a transfer before the bulk items land.
const (
	PriorityNotification = 50
	PriorityFile         = 100
	PriorityReaction     = 200
	PriorityReadReceipt  = 300
)

// Instructions is the plaintext of an outbox state blob. WrappedCredential
// is the recipient access token granted for this transfer, stored only in
// sealed form inside the queue row.
type Instructions struct {
	Kind              models.TransferKind `json:"kind"`
	GlobalTransitID   uuid.UUID           `json:"global_transit_id"`
	Payload           []byte              `json:"payload"`
	WrappedCredential []byte              `json:"wrapped_credential"`
}

// Service enqueues outgoing work.
type Service struct {
	db        *sql.DB
	repos     repomanager.RepositoryManager
	resolver  peer.CredentialResolver
	masterKey []byte
	wake      *wake.Registry
	logger    logging.Logger
}

func NewService(db *sql.DB, m repomanager.RepositoryManager, resolver peer.CredentialResolver,
	masterKey []byte, w *wake.Registry, l logging.Logger) *Service {
	return &Service{
		db:        db,
		repos:     m,
		resolver:  resolver,
		masterKey: masterKey,
		wake:      w,
		logger:    l.With("module", "outbox_service"),
	}
}

// Request describes one propagation: an operation on an item addressed to a
// set of recipients. Payload is already encrypted for transit by the drive
// layer; this service treats it as opaque.
type Request struct {
	TenantID      string
	BoxID         string
	ItemKey       string
	Recipients    []string
	Payload       []byte
	DependencyKey string
}

// EnqueueFileSave queues a new file for delivery to each recipient.
func (s *Service) EnqueueFileSave(ctx context.Context, req Request) error {
	return s.enqueue(ctx, models.KindSaveFile, PriorityFile, req)
}

// EnqueueFileUpdate queues an update of an already delivered file.
func (s *Service) EnqueueFileUpdate(ctx context.Context, req Request) error {
	return s.enqueue(ctx, models.KindUpdateFile, PriorityFile, req)
}

// EnqueueFileDelete queues a delete instruction for a delivered file.
func (s *Service) EnqueueFileDelete(ctx context.Context, req Request) error {
	return s.enqueue(ctx, models.KindDeleteFile, PriorityFile, req)
}

// EnqueueReactionAdd queues a reaction on a peer's file.
func (s *Service) EnqueueReactionAdd(ctx context.Context, req Request) error {
	return s.enqueue(ctx, models.KindAddReaction, PriorityReaction, req)
}

// EnqueueReactionDelete queues removal of a previously sent reaction.
func (s *Service) EnqueueReactionDelete(ctx context.Context, req Request) error {
	return s.enqueue(ctx, models.KindDeleteReaction, PriorityReaction, req)
}

// EnqueueReadReceipt queues a read receipt for a received file.
func (s *Service) EnqueueReadReceipt(ctx context.Context, req Request) error {
	return s.enqueue(ctx, models.KindReadReceipt, PriorityReadReceipt, req)
}

// EnqueuePushNotification queues a wake-up ping for the recipient's device.
func (s *Service) EnqueuePushNotification(ctx context.Context, req Request) error {
	return s.enqueue(ctx, models.KindPushNotification, PriorityNotification, req)
}

func (s *Service) enqueue(ctx context.Context, kind models.TransferKind, priority int, req Request) error {
	if len(req.Recipients) == 0 {
		return fmt.Errorf("no recipients for %s %s/%s", kind, req.BoxID, req.ItemKey)
	}

	repo := s.repos.Outbox(s.db)
	transitID := uuid.New()

	for _, recipient := range req.Recipients {
		cred, err := s.resolver.ResolveCredential(ctx, req.TenantID, recipient)
		if err != nil {
			return fmt.Errorf("resolve credential for %s: %w", recipient, err)
		}
		wrapped, err := cred.Secret.Bytes()
		if err != nil {
			return err
		}

		instr := Instructions{
			Kind:              kind,
			GlobalTransitID:   transitID,
			Payload:           req.Payload,
			WrappedCredential: append([]byte(nil), wrapped...),
		}
		cred.Wipe()

		key, err := cryptox.DeriveBlobKey(s.masterKey, req.TenantID, recipient)
		if err != nil {
			return err
		}
		blob, err := cryptox.SealBlob(instr, key)
		if err != nil {
			return fmt.Errorf("seal state blob: %w", err)
		}

		item := &models.OutboxItem{
			TenantID:      req.TenantID,
			BoxID:         req.BoxID,
			ItemKey:       req.ItemKey,
			Recipient:     recipient,
			Kind:          kind,
			Priority:      priority,
			DependencyKey: req.DependencyKey,
			StateBlob:     blob,
		}
		if err := repo.Enqueue(ctx, item); err != nil {
			return fmt.Errorf("enqueue for %s: %w", recipient, err)
		}

		s.logger.Debug(ctx, "outbox item enqueued",
			"tenant", req.TenantID, "box", req.BoxID, "item", req.ItemKey,
			"recipient", recipient, "kind", kind.String())
	}

	s.wake.Notify(wake.OutboxKey(req.TenantID))
	return nil
}

// OpenInstructions unseals a state blob back into Instructions. Used by the
// delivery worker; lives here so the seal and open sides stay in one place.
func OpenInstructions(masterKey []byte, item *models.OutboxItem) (*Instructions, error) {
	key, err := cryptox.DeriveBlobKey(masterKey, item.TenantID, item.Recipient)
	if err != nil {
		return nil, err
	}
	var instr Instructions
	if err := cryptox.OpenBlob(item.StateBlob, key, &instr); err != nil {
		return nil, fmt.Errorf("open state blob: %w", err)
	}
	return &instr, nil
}
