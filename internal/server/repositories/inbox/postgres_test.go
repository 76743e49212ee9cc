package inbox

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/homebase-id/odin-transit/internal/common"
	"github.com/homebase-id/odin-transit/internal/server/models"
)

type passthroughConverter struct{}

func (passthroughConverter) ConvertValue(v any) (driver.Value, error) {
	return driver.Value(v), nil
}

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.ValueConverterOption(passthroughConverter{}),
	)
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func leaseColumns() []string {
	return []string{
		"id", "tenant_id", "box_id", "item_key", "sender",
		"global_transit_id", "public_key_fingerprint", "temp_file_ref",
		"header_state", "metadata_state", "payload_state", "held",
		"added_at", "leased_at",
	}
}

func TestEnqueue_InsertsAnnouncement(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	gtid := uuid.New()
	mock.ExpectExec(`INSERT INTO inbox_items .* ON CONFLICT \(tenant_id, box_id, item_key, sender\) .* WHERE inbox_items\.lease_marker IS NULL AND NOT inbox_items\.held;`).
		WithArgs("alice.example.org", "drive-1", "file-9", "bob.example.org",
			gtid, "fp:abc", "staging/file-9").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Enqueue(context.Background(), &models.InboxItem{
		TenantID:             "alice.example.org",
		BoxID:                "drive-1",
		ItemKey:              "file-9",
		Sender:               "bob.example.org",
		GlobalTransitID:      gtid,
		PublicKeyFingerprint: "fp:abc",
		TempFileRef:          "staging/file-9",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLease_SkipsHeldRows(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	added := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(leaseColumns()).
		AddRow(int64(4), "alice.example.org", "drive-1", "file-9", "bob.example.org",
			uuid.New().String(), "fp:abc", "staging/file-9",
			models.PartNotAcquired, models.PartNotAcquired, models.PartNotAcquired,
			false, added, added)

	mock.ExpectQuery(`UPDATE inbox_items i SET lease_marker = \$1, leased_at = now\(\).*AND NOT c\.held.*FOR UPDATE SKIP LOCKED.*RETURNING`).
		WillReturnRows(rows)

	marker, items, err := repo.Lease(context.Background(), "alice.example.org", "drive-1", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].LeaseMarker == nil || *items[0].LeaseMarker != marker {
		t.Fatal("item missing lease marker")
	}
}

func TestMarkHeld_RecordsVerdictsAndParks(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	marker := uuid.New()
	mock.ExpectExec(`UPDATE inbox_items\s+SET lease_marker = NULL, leased_at = NULL, held = TRUE,\s+header_state = \$3, metadata_state = \$4, payload_state = \$5\s+WHERE lease_marker = \$1 AND id = \$2;`).
		WithArgs(marker, int64(4),
			models.PartAccepted, models.PartAccepted, models.PartQuarantined).
		WillReturnResult(sqlmock.NewResult(0, 1))

	item := &models.InboxItem{
		ID:            4,
		HeaderState:   models.PartAccepted,
		MetadataState: models.PartAccepted,
		PayloadState:  models.PartQuarantined,
	}
	if err := repo.MarkHeld(context.Background(), marker, item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMarkRejected_DeletesRow(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM inbox_items WHERE lease_marker = \$1 AND id = \$2;`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkRejected(context.Background(), uuid.New(), 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMarkRejected_ResolvedMarker(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM inbox_items`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkRejected(context.Background(), uuid.New(), 4)
	if !errors.Is(err, common.ErrMarkerResolved) {
		t.Fatalf("want ErrMarkerResolved, got %v", err)
	}
}

func TestCancelItems_NoAttemptCounter(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE inbox_items\s+SET lease_marker = NULL, leased_at = NULL\s+WHERE lease_marker = \$1 AND id = ANY\(\$2\);`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := repo.CancelItems(context.Background(), uuid.New(), []int64{1, 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReleaseHeld_ResetsPartStates(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE inbox_items\s+SET held = FALSE, header_state = 0, metadata_state = 0, payload_state = 0\s+WHERE id = \$1 AND held;`).
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.ReleaseHeld(context.Background(), 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReleaseHeld_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE inbox_items`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.ReleaseHeld(context.Background(), 99)
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want ErrorNotFound, got %v", err)
	}
}

func TestRecoverStale_ReturnsCount(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE inbox_items\s+SET lease_marker = NULL, leased_at = NULL\s+WHERE lease_marker IS NOT NULL AND leased_at < \$1;`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.RecoverStale(context.Background(), time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered row, got %d", n)
	}
}
