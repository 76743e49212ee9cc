// Package inbox provides the PostgreSQL-backed durable queue store for
// incoming peer transfers awaiting admission.
package inbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/homebase-id/odin-transit/internal/common"
	"github.com/homebase-id/odin-transit/internal/dbx"
	"github.com/homebase-id/odin-transit/internal/server/models"
)

// PostgresRepository implements the inbox queue over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Enqueue(ctx context.Context, item *models.InboxItem) error {
	query := `
		INSERT INTO inbox_items
			(tenant_id, box_id, item_key, sender, global_transit_id,
			 public_key_fingerprint, temp_file_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, box_id, item_key, sender)
		DO UPDATE SET
			global_transit_id = EXCLUDED.global_transit_id,
			public_key_fingerprint = EXCLUDED.public_key_fingerprint,
			temp_file_ref = EXCLUDED.temp_file_ref
			WHERE inbox_items.lease_marker IS NULL AND NOT inbox_items.held;
	`
	res, err := r.db.ExecContext(ctx, query,
		item.TenantID, item.BoxID, item.ItemKey, item.Sender,
		item.GlobalTransitID, item.PublicKeyFingerprint, item.TempFileRef)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n > 1 {
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
	return nil
}

func (r *PostgresRepository) Lease(ctx context.Context, tenant, box string, maxItems int) (uuid.UUID, []*models.InboxItem, error) {
	marker := uuid.New()

	query := `
		UPDATE inbox_items i SET lease_marker = $1, leased_at = now()
		WHERE i.id IN (
			SELECT c.id FROM inbox_items c
			WHERE c.tenant_id = $2 AND c.box_id = $3
				AND c.lease_marker IS NULL AND NOT c.held
			ORDER BY c.added_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING i.id, i.tenant_id, i.box_id, i.item_key, i.sender,
			i.global_transit_id, i.public_key_fingerprint, i.temp_file_ref,
			i.header_state, i.metadata_state, i.payload_state, i.held,
			i.added_at, i.leased_at;
	`
	rows, err := r.db.QueryContext(ctx, query, marker, tenant, box, maxItems)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("failed to lease inbox items: %w", err)
	}
	defer rows.Close()

	var result []*models.InboxItem
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
	return marker, result, nil
}

func (r *PostgresRepository) CommitItems(ctx context.Context, marker uuid.UUID, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `DELETE FROM inbox_items WHERE lease_marker = $1 AND id = ANY($2);`
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

func (r *PostgresRepository) CancelItems(ctx context.Context, marker uuid.UUID, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE inbox_items
		SET lease_marker = NULL, leased_at = NULL
		WHERE lease_marker = $1 AND id = ANY($2);
	`
	res, err := r.db.ExecContext(ctx, query, marker, ids)
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

func (r *PostgresRepository) MarkHeld(ctx context.Context, marker uuid.UUID, item *models.InboxItem) error {
	query := `
		UPDATE inbox_items
		SET lease_marker = NULL, leased_at = NULL, held = TRUE,
			header_state = $3, metadata_state = $4, payload_state = $5
		WHERE lease_marker = $1 AND id = $2;
	`
	res, err := r.db.ExecContext(ctx, query, marker, item.ID,
		item.HeaderState, item.MetadataState, item.PayloadState)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("hold row %d under marker %s: %w", item.ID, marker, common.ErrMarkerResolved)
	}
	return nil
}

func (r *PostgresRepository) MarkRejected(ctx context.Context, marker uuid.UUID, id int64) error {
	query := `DELETE FROM inbox_items WHERE lease_marker = $1 AND id = $2;`
	res, err := r.db.ExecContext(ctx, query, marker, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("reject row %d under marker %s: %w", id, marker, common.ErrMarkerResolved)
	}
	return nil
}

func (r *PostgresRepository) HeldItems(ctx context.Context, tenant, box string) ([]*models.InboxItem, error) {
	query := `
		SELECT id, tenant_id, box_id, item_key, sender, global_transit_id,
			public_key_fingerprint, temp_file_ref, header_state,
			metadata_state, payload_state, held, added_at, leased_at
		FROM inbox_items
		WHERE tenant_id = $1 AND box_id = $2 AND held
		ORDER BY added_at;
	`
	rows, err := r.db.QueryContext(ctx, query, tenant, box)
	if err != nil {
		return nil, fmt.Errorf("failed to select held items: %w", err)
	}
	defer rows.Close()

	var result []*models.InboxItem
	for rows.Next() {
		item, err := scanItem(rows, uuid.Nil)
		if err != nil {
			return nil, err
		}
		item.LeaseMarker = nil
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) ReleaseHeld(ctx context.Context, id int64) error {
	query := `
		UPDATE inbox_items
		SET held = FALSE, header_state = 0, metadata_state = 0, payload_state = 0
		WHERE id = $1 AND held;
	`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		UPDATE inbox_items
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
		SELECT DISTINCT box_id FROM inbox_items
		WHERE tenant_id = $1 AND lease_marker IS NULL AND NOT held
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

func scanItem(rows *sql.Rows, marker uuid.UUID) (*models.InboxItem, error) {
	var item models.InboxItem
	if err := rows.Scan(
		&item.ID, &item.TenantID, &item.BoxID, &item.ItemKey, &item.Sender,
		&item.GlobalTransitID, &item.PublicKeyFingerprint, &item.TempFileRef,
		&item.HeaderState, &item.MetadataState, &item.PayloadState, &item.Held,
		&item.AddedAt, &item.LeasedAt,
	); err != nil {
		return nil, err
	}
	if marker != uuid.Nil {
		m := marker
		item.LeaseMarker = &m
	}
	return &item, nil
}
