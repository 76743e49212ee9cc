// Package outbox provides the PostgreSQL-backed durable queue store for
// outgoing peer transfers.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/homebase-id/odin-transit/internal/common"
	"github.com/homebase-id/odin-transit/internal/dbx"
	"github.com/homebase-id/odin-transit/internal/server/models"
)

// PostgresRepository implements the outbox queue over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Enqueue(ctx context.Context, item *models.OutboxItem) error {
	query := `
		INSERT INTO outbox_items
			(tenant_id, box_id, item_key, recipient, kind, priority, dependency_key, state_blob)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, box_id, item_key, recipient)
		DO UPDATE SET
			kind = EXCLUDED.kind,
			priority = EXCLUDED.priority,
			dependency_key = EXCLUDED.dependency_key,
			state_blob = EXCLUDED.state_blob
			WHERE outbox_items.lease_marker IS NULL;
	`
	res, err := r.db.ExecContext(ctx, query,
		item.TenantID, item.BoxID, item.ItemKey, item.Recipient,
		item.Kind, item.Priority, item.DependencyKey, item.StateBlob)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	// 0 rows means the existing row is currently leased; the in-flight
	// payload wins and the caller's replacement is dropped.
	if n > 1 {
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
	return nil
}

// Lease claims rows with a single UPDATE over a locked subselect so two
// concurrent leases can never return the same row. A row with a dependency
// key stays invisible while any row with that item key exists in the box.
func (r *PostgresRepository) Lease(ctx context.Context, tenant, box string, maxItems int) (uuid.UUID, []*models.OutboxItem, error) {
	marker := uuid.New()

	query := `
		UPDATE outbox_items o SET lease_marker = $1, leased_at = now()
		WHERE o.id IN (
			SELECT c.id FROM outbox_items c
			WHERE c.tenant_id = $2 AND c.box_id = $3
				AND c.lease_marker IS NULL
				AND c.next_eligible_at <= now()
				AND (c.dependency_key = '' OR NOT EXISTS (
					SELECT 1 FROM outbox_items d
					WHERE d.tenant_id = c.tenant_id AND d.box_id = c.box_id
						AND d.item_key = c.dependency_key))
			ORDER BY c.priority, c.added_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING o.id, o.tenant_id, o.box_id, o.item_key, o.recipient, o.kind,
			o.priority, o.dependency_key, o.state_blob, o.attempt_count,
			o.added_at, o.last_attempted_at, o.next_eligible_at, o.leased_at;
	`
	rows, err := r.db.QueryContext(ctx, query, marker, tenant, box, maxItems)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("failed to lease outbox items: %w", err)
	}
	defer rows.Close()

	var result []*models.OutboxItem
	for rows.Next() {
		item, err := scanItem(rows, marker)
		if err != nil {
			return uuid.Nil, nil, err
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return uuid.Nil, nil, err
	}
	// RETURNING does not preserve the subselect order.
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority < result[j].Priority
		}
		return result[i].AddedAt.Before(result[j].AddedAt)
	})
	return marker, result, nil
}

func (r *PostgresRepository) CommitItems(ctx context.Context, marker uuid.UUID, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `DELETE FROM outbox_items WHERE lease_marker = $1 AND id = ANY($2);`
	res, err := r.db.ExecContext(ctx, query, marker, ids)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != int64(len(ids)) {
		return fmt.Errorf("commit %d of %d rows under marker %s: %w",
			n, len(ids), marker, common.ErrMarkerResolved)
	}
	return nil
}

func (r *PostgresRepository) CancelItems(ctx context.Context, marker uuid.UUID, ids []int64, nextEligibleAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE outbox_items
		SET lease_marker = NULL, leased_at = NULL,
			attempt_count = attempt_count + 1,
			last_attempted_at = now(),
			next_eligible_at = $3
		WHERE lease_marker = $1 AND id = ANY($2);
	`
	res, err := r.db.ExecContext(ctx, query, marker, ids, nextEligibleAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != int64(len(ids)) {
		return fmt.Errorf("cancel %d of %d rows under marker %s: %w",
			n, len(ids), marker, common.ErrMarkerResolved)
	}
	return nil
}

func (r *PostgresRepository) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		UPDATE outbox_items
		SET lease_marker = NULL, leased_at = NULL
		WHERE lease_marker IS NOT NULL AND leased_at < $1;
	`
	res, err := r.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return int(n), nil
}

func (r *PostgresRepository) PendingBoxes(ctx context.Context, tenant string) ([]string, error) {
	query := `
		SELECT DISTINCT box_id FROM outbox_items
		WHERE tenant_id = $1 AND lease_marker IS NULL AND next_eligible_at <= now()
		ORDER BY box_id;
	`
	rows, err := r.db.QueryContext(ctx, query, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending boxes: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var box string
		if err := rows.Scan(&box); err != nil {
			return nil, err
		}
		result = append(result, box)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) Get(ctx context.Context, tenant, box, itemKey, recipient string) (*models.OutboxItem, error) {
	query := `
		SELECT id, tenant_id, box_id, item_key, recipient, kind, priority,
			dependency_key, state_blob, attempt_count, added_at,
			last_attempted_at, next_eligible_at, lease_marker, leased_at
		FROM outbox_items
		WHERE tenant_id = $1 AND box_id = $2 AND item_key = $3 AND recipient = $4;
	`
	row := r.db.QueryRowContext(ctx, query, tenant, box, itemKey, recipient)

	var item models.OutboxItem
	err := row.Scan(
		&item.ID, &item.TenantID, &item.BoxID, &item.ItemKey, &item.Recipient,
		&item.Kind, &item.Priority, &item.DependencyKey, &item.StateBlob,
		&item.AttemptCount, &item.AddedAt, &item.LastAttemptedAt,
		&item.NextEligibleAt, &item.LeaseMarker, &item.LeasedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &item, nil
}

func (r *PostgresRepository) CountPending(ctx context.Context, tenant, box string) (int, error) {
	query := `
		SELECT COUNT(*) FROM outbox_items
		WHERE tenant_id = $1 AND box_id = $2 AND lease_marker IS NULL;
	`
	var n int
	if err := r.db.QueryRowContext(ctx, query, tenant, box).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func scanItem(rows *sql.Rows, marker uuid.UUID) (*models.OutboxItem, error) {
	var item models.OutboxItem
	if err := rows.Scan(
		&item.ID, &item.TenantID, &item.BoxID, &item.ItemKey, &item.Recipient,
		&item.Kind, &item.Priority, &item.DependencyKey, &item.StateBlob,
		&item.AttemptCount, &item.AddedAt, &item.LastAttemptedAt,
		&item.NextEligibleAt, &item.LeasedAt,
	); err != nil {
		return nil, err
	}
	m := marker
	item.LeaseMarker = &m
	return &item, nil
}
