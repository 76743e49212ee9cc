package inbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/homebase-id/odin-transit/internal/server/models"
)

// Repository is the durable queue store for incoming transfer announcements.
//
// Same single-marker-per-batch contract as the outbox store, with two
// differences: cancel does not increment any attempt counter (inbox retries
// are driven by filter re-evaluation, not attempts), and quarantined items
// are parked with MarkHeld rather than cancelled or committed.
type Repository interface {
	// Enqueue upserts an item keyed by (tenant, box, item key, sender).
	Enqueue(ctx context.Context, item *models.InboxItem) error

	// Lease claims up to maxItems non-held pending rows in the box under a
	// fresh marker, oldest first.
	Lease(ctx context.Context, tenant, box string, maxItems int) (uuid.UUID, []*models.InboxItem, error)

	// CommitItems permanently removes the given rows leased under marker.
	CommitItems(ctx context.Context, marker uuid.UUID, ids []int64) error

	// CancelItems returns the given rows leased under marker to pending.
	CancelItems(ctx context.Context, marker uuid.UUID, ids []int64) error

	// MarkHeld releases the row from its lease, records the part verdicts
	// and parks it outside the lease scan until re-evaluation.
	MarkHeld(ctx context.Context, marker uuid.UUID, item *models.InboxItem) error

	// MarkRejected records the part verdicts and removes the row; rejection
	// is terminal.
	MarkRejected(ctx context.Context, marker uuid.UUID, id int64) error

	// HeldItems lists parked items of a box for operator inspection or
	// policy re-evaluation.
	HeldItems(ctx context.Context, tenant, box string) ([]*models.InboxItem, error)

	// ReleaseHeld returns a parked item to the pending pool with its part
	// states reset, so the filter pipeline runs again.
	ReleaseHeld(ctx context.Context, id int64) error

	// RecoverStale releases rows leased before the cutoff whose marker was
	// never resolved. Returns the number of rows recovered.
	RecoverStale(ctx context.Context, olderThan time.Time) (int, error)

	// PendingBoxes lists boxes of a tenant with at least one pending row.
	PendingBoxes(ctx context.Context, tenant string) ([]string, error)
}
