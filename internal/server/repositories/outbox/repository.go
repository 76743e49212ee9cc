package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/homebase-id/odin-transit/internal/server/models"
)

// Repository is the durable queue store for outgoing transfers.
//
// Lease marks rows under a single fresh marker; the marker must be resolved
// exactly once per row via CommitItems or CancelItems. A batch may split
// across both: the worker commits the successful/terminal subset and cancels
// the retryable subset.
type Repository interface {
	// Enqueue upserts an item keyed by (tenant, box, item key, recipient).
	// Re-enqueueing an existing key replaces its payload, priority, kind and
	// dependency without resetting attempt history.
	Enqueue(ctx context.Context, item *models.OutboxItem) error

	// Lease atomically marks up to maxItems pending, eligible,
	// dependency-satisfied rows in the box as leased under a fresh marker,
	// ordered by priority then age. Concurrent leases never overlap.
	Lease(ctx context.Context, tenant, box string, maxItems int) (uuid.UUID, []*models.OutboxItem, error)

	// CommitItems permanently removes the given rows leased under marker.
	CommitItems(ctx context.Context, marker uuid.UUID, ids []int64) error

	// CancelItems releases the given rows leased under marker, increments
	// their attempt count and schedules their next lease eligibility.
	CancelItems(ctx context.Context, marker uuid.UUID, ids []int64, nextEligibleAt time.Time) error

	// RecoverStale releases every row leased before the cutoff whose marker
	// was never resolved, without touching attempt counts. Returns the number
	// of rows recovered.
	RecoverStale(ctx context.Context, olderThan time.Time) (int, error)

	// PendingBoxes lists the boxes of a tenant that currently have at least
	// one lease-eligible row.
	PendingBoxes(ctx context.Context, tenant string) ([]string, error)

	// Get fetches a single item by its natural key. Returns
	// common.ErrorNotFound when absent.
	Get(ctx context.Context, tenant, box, itemKey, recipient string) (*models.OutboxItem, error)

	// CountPending counts non-leased rows in a box, eligible or not.
	CountPending(ctx context.Context, tenant, box string) (int, error)
}
