package inbox

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homebase-id/odin-transit/internal/common"
	"github.com/homebase-id/odin-transit/internal/dbx"
	"github.com/homebase-id/odin-transit/internal/logging"
	"github.com/homebase-id/odin-transit/internal/server/filter"
	"github.com/homebase-id/odin-transit/internal/server/models"
	inboxrepo "github.com/homebase-id/odin-transit/internal/server/repositories/inbox"
	outboxrepo "github.com/homebase-id/odin-transit/internal/server/repositories/outbox"
	"github.com/homebase-id/odin-transit/internal/server/wake"
)

// memInboxRepo is an in-memory stand-in for the Postgres inbox store with
// the same lease and hold semantics.
type memInboxRepo struct {
	mu     sync.Mutex
	nextID int64
	items  []*models.InboxItem
}

func (r *memInboxRepo) Enqueue(ctx context.Context, item *models.InboxItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.TenantID == item.TenantID && it.BoxID == item.BoxID &&
			it.ItemKey == item.ItemKey && it.Sender == item.Sender {
			if it.LeaseMarker != nil {
				return nil
			}
			it.GlobalTransitID = item.GlobalTransitID
			it.PublicKeyFingerprint = item.PublicKeyFingerprint
			it.TempFileRef = item.TempFileRef
			return nil
		}
	}
	r.nextID++
	cp := *item
	cp.ID = r.nextID
	cp.AddedAt = time.Now()
	r.items = append(r.items, &cp)
	return nil
}

func (r *memInboxRepo) Lease(ctx context.Context, tenant, box string, maxItems int) (uuid.UUID, []*models.InboxItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	marker := uuid.New()
	var out []*models.InboxItem
	for _, it := range r.items {
		if len(out) == maxItems {
			break
		}
		if it.TenantID != tenant || it.BoxID != box || it.Held || it.LeaseMarker != nil {
			continue
		}
		m := marker
		t := time.Now()
		it.LeaseMarker = &m
		it.LeasedAt = &t
		cp := *it
		out = append(out, &cp)
	}
	return marker, out, nil
}

func (r *memInboxRepo) CommitItems(ctx context.Context, marker uuid.UUID, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	keep := r.items[:0]
	removed := 0
	for _, it := range r.items {
		if it.LeaseMarker != nil && *it.LeaseMarker == marker && hasID(ids, it.ID) {
			removed++
			continue
		}
		keep = append(keep, it)
	}
	r.items = keep
	if removed != len(ids) {
		return common.ErrMarkerResolved
	}
	return nil
}

func (r *memInboxRepo) CancelItems(ctx context.Context, marker uuid.UUID, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	touched := 0
	for _, it := range r.items {
		if it.LeaseMarker != nil && *it.LeaseMarker == marker && hasID(ids, it.ID) {
			it.LeaseMarker = nil
			it.LeasedAt = nil
			touched++
		}
	}
	if touched != len(ids) {
		return common.ErrMarkerResolved
	}
	return nil
}

func (r *memInboxRepo) MarkHeld(ctx context.Context, marker uuid.UUID, item *models.InboxItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.ID == item.ID && it.LeaseMarker != nil && *it.LeaseMarker == marker {
			it.HeaderState = item.HeaderState
			it.MetadataState = item.MetadataState
			it.PayloadState = item.PayloadState
			it.Held = true
			it.LeaseMarker = nil
			it.LeasedAt = nil
			return nil
		}
	}
	return common.ErrMarkerResolved
}

func (r *memInboxRepo) MarkRejected(ctx context.Context, marker uuid.UUID, id int64) error {
	return r.CommitItems(ctx, marker, []int64{id})
}

func (r *memInboxRepo) HeldItems(ctx context.Context, tenant, box string) ([]*models.InboxItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.InboxItem
	for _, it := range r.items {
		if it.TenantID == tenant && it.BoxID == box && it.Held {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memInboxRepo) ReleaseHeld(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.ID == id {
			if !it.Held {
				return common.ErrorNotFound
			}
			it.Held = false
			it.HeaderState = models.PartNotAcquired
			it.MetadataState = models.PartNotAcquired
			it.PayloadState = models.PartNotAcquired
			return nil
		}
	}
	return common.ErrorNotFound
}

func (r *memInboxRepo) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range r.items {
		if it.LeaseMarker != nil && it.LeasedAt != nil && it.LeasedAt.Before(olderThan) {
			it.LeaseMarker = nil
			it.LeasedAt = nil
			n++
		}
	}
	return n, nil
}

func (r *memInboxRepo) PendingBoxes(ctx context.Context, tenant string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	var boxes []string
	for _, it := range r.items {
		if it.TenantID == tenant && !it.Held && it.LeaseMarker == nil && !seen[it.BoxID] {
			seen[it.BoxID] = true
			boxes = append(boxes, it.BoxID)
		}
	}
	return boxes, nil
}

func (r *memInboxRepo) get(tenant, box, itemKey, sender string) *models.InboxItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.TenantID == tenant && it.BoxID == box && it.ItemKey == itemKey && it.Sender == sender {
			cp := *it
			return &cp
		}
	}
	return nil
}

func hasID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

type fakeRepos struct {
	inbox *memInboxRepo
}

func (f *fakeRepos) Outbox(db dbx.DBTX) outboxrepo.Repository            { return nil }
func (f *fakeRepos) Inbox(db dbx.DBTX) inboxrepo.Repository             { return f.inbox }
func (f *fakeRepos) RunMigrations(ctx context.Context, db *sql.DB) error { return nil }

// memStaging is an in-memory payload store.
type memStaging struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
}

func newMemStaging() *memStaging { return &memStaging{objects: map[string][]byte{}} }

func (m *memStaging) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	return nil
}

func (m *memStaging) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStaging) Stat(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return 0, common.ErrorNotFound
	}
	return int64(len(b)), nil
}

func (m *memStaging) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStaging) PresignGet(ctx context.Context, key string, validity time.Duration) (string, error) {
	return "https://staging.test/" + key, nil
}

// scriptedFilter returns a fixed verdict for one part and passes otherwise.
type scriptedFilter struct {
	part    models.TransferPart
	verdict filter.Verdict
	err     error
}

func (f *scriptedFilter) Name() string { return "scripted" }

func (f *scriptedFilter) Evaluate(ctx context.Context, part models.TransferPart, item *models.InboxItem) (filter.Verdict, error) {
	if part != f.part {
		return filter.Pass, nil
	}
	return f.verdict, f.err
}

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type serviceFixture struct {
	repo    *memInboxRepo
	staging *memStaging
	writer  *DirWriter
	wake    *wake.Registry
	svc     *Service
}

func newServiceFixture(t *testing.T, opts Options, filters ...filter.Filter) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		repo:    &memInboxRepo{},
		staging: newMemStaging(),
		writer:  &DirWriter{Root: t.TempDir()},
		wake:    wake.NewRegistry(),
	}
	f.svc = NewService(nil, &fakeRepos{inbox: f.repo}, filter.NewPipeline(filters...),
		f.staging, f.writer, f.wake, opts, testLogger())
	return f
}

func (f *serviceFixture) announce(t *testing.T, itemKey, tempRef string, payload []byte) {
	t.Helper()
	if tempRef != "" {
		require.NoError(t, f.staging.Put(context.Background(), tempRef, bytes.NewReader(payload), int64(len(payload))))
	}
	require.NoError(t, f.svc.EnqueueIncoming(context.Background(), Announcement{
		TenantID:             "alice.example",
		BoxID:                "chat",
		ItemKey:              itemKey,
		Sender:               "bob.example",
		GlobalTransitID:      uuid.New(),
		PublicKeyFingerprint: "fp-bob",
		TempFileRef:          tempRef,
	}))
}

func TestEnqueueIncomingWakesProcessor(t *testing.T) {
	f := newServiceFixture(t, Options{})
	f.announce(t, "file-1", "", nil)

	require.NotNil(t, f.repo.get("alice.example", "chat", "file-1", "bob.example"))
	select {
	case <-f.wake.Chan(wake.InboxKey("alice.example")):
	default:
		t.Fatal("expected a wake signal after enqueue")
	}
}

func TestProcessPendingAdmitsAcceptedItem(t *testing.T) {
	f := newServiceFixture(t, Options{})
	payload := []byte("encrypted payload")
	f.announce(t, "file-1", "alice/tmp-1", payload)

	require.NoError(t, f.svc.ProcessPending(context.Background(), "alice.example"))

	// row gone, payload promoted, staged copy deleted
	assert.Nil(t, f.repo.get("alice.example", "chat", "file-1", "bob.example"))

	got, err := os.ReadFile(filepath.Join(f.writer.Root, "alice.example", "chat", "file-1.payload"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	_, err = os.Stat(filepath.Join(f.writer.Root, "alice.example", "chat", "file-1.json"))
	assert.NoError(t, err)

	_, err = f.staging.Stat(context.Background(), "alice/tmp-1")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestProcessPendingAdmitsPayloadlessItem(t *testing.T) {
	f := newServiceFixture(t, Options{})
	f.announce(t, "reaction-1", "", nil)

	require.NoError(t, f.svc.ProcessPending(context.Background(), "alice.example"))

	assert.Nil(t, f.repo.get("alice.example", "chat", "reaction-1", "bob.example"))
	_, err := os.Stat(filepath.Join(f.writer.Root, "alice.example", "chat", "reaction-1.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.writer.Root, "alice.example", "chat", "reaction-1.payload"))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessPendingRejectsAndDiscardsPayload(t *testing.T) {
	f := newServiceFixture(t, Options{},
		&scriptedFilter{part: models.PartHeader, verdict: filter.Reject})
	f.announce(t, "file-1", "alice/tmp-1", []byte("x"))

	require.NoError(t, f.svc.ProcessPending(context.Background(), "alice.example"))

	assert.Nil(t, f.repo.get("alice.example", "chat", "file-1", "bob.example"))
	_, err := f.staging.Stat(context.Background(), "alice/tmp-1")
	assert.ErrorIs(t, err, common.ErrorNotFound)
	_, err = os.Stat(filepath.Join(f.writer.Root, "alice.example", "chat", "file-1.payload"))
	assert.True(t, os.IsNotExist(err), "rejected payload must not reach storage")
}

func TestProcessPendingHoldsQuarantinedItem(t *testing.T) {
	f := newServiceFixture(t, Options{},
		&scriptedFilter{part: models.PartMetadata, verdict: filter.Quarantine})
	f.announce(t, "file-1", "alice/tmp-1", []byte("x"))

	require.NoError(t, f.svc.ProcessPending(context.Background(), "alice.example"))

	item := f.repo.get("alice.example", "chat", "file-1", "bob.example")
	require.NotNil(t, item)
	assert.True(t, item.Held)
	assert.Equal(t, models.PartQuarantined, item.MetadataState)
	assert.Equal(t, models.PartAccepted, item.HeaderState)

	// quarantined payload stays staged for later re-evaluation
	size, err := f.staging.Stat(context.Background(), "alice/tmp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	// held items are excluded from later cycles
	require.NoError(t, f.svc.ProcessPending(context.Background(), "alice.example"))
	item = f.repo.get("alice.example", "chat", "file-1", "bob.example")
	require.NotNil(t, item)
	assert.True(t, item.Held)
}

func TestProcessPendingCancelsOnCollaboratorFault(t *testing.T) {
	f := newServiceFixture(t, Options{})
	f.announce(t, "file-1", "alice/tmp-1", []byte("x"))
	f.staging.getErr = errors.New("bucket unavailable")

	require.NoError(t, f.svc.ProcessPending(context.Background(), "alice.example"))

	// the item went back to pending; a later cycle retries it
	item := f.repo.get("alice.example", "chat", "file-1", "bob.example")
	require.NotNil(t, item)
	assert.Nil(t, item.LeaseMarker)
	assert.False(t, item.Held)

	f.staging.getErr = nil
	require.NoError(t, f.svc.ProcessPending(context.Background(), "alice.example"))
	assert.Nil(t, f.repo.get("alice.example", "chat", "file-1", "bob.example"))
}

func TestProcessPendingItemFaultDoesNotBlockBatch(t *testing.T) {
	f := newServiceFixture(t, Options{},
		&scriptedFilter{part: models.PartPayload, verdict: filter.Pass, err: errors.New("verifier down")})
	f.announce(t, "file-1", "alice/tmp-1", []byte("x"))
	f.announce(t, "file-2", "alice/tmp-2", []byte("y"))

	require.NoError(t, f.svc.ProcessPending(context.Background(), "alice.example"))

	// both failed on the filter fault, both returned to pending
	for _, key := range []string{"file-1", "file-2"} {
		item := f.repo.get("alice.example", "chat", key, "bob.example")
		require.NotNil(t, item, key)
		assert.Nil(t, item.LeaseMarker, key)
	}
}

func TestRequirePayloadHoldsPayloadlessAdmission(t *testing.T) {
	f := newServiceFixture(t, Options{RequirePayload: true})
	f.announce(t, "file-1", "", nil)

	require.NoError(t, f.svc.ProcessPending(context.Background(), "alice.example"))

	item := f.repo.get("alice.example", "chat", "file-1", "bob.example")
	require.NotNil(t, item)
	assert.True(t, item.Held, "policy requires an accepted payload before admission")
	assert.Equal(t, models.PartNotAcquired, item.PayloadState)
}

func TestReevaluateHeldReleasesAndWakes(t *testing.T) {
	f := newServiceFixture(t, Options{},
		&scriptedFilter{part: models.PartMetadata, verdict: filter.Quarantine})
	f.announce(t, "file-1", "alice/tmp-1", []byte("x"))
	require.NoError(t, f.svc.ProcessPending(context.Background(), "alice.example"))

	// drain any pending wake signal before re-evaluation
	select {
	case <-f.wake.Chan(wake.InboxKey("alice.example")):
	default:
	}

	n, err := f.svc.ReevaluateHeld(context.Background(), "alice.example", "chat")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item := f.repo.get("alice.example", "chat", "file-1", "bob.example")
	require.NotNil(t, item)
	assert.False(t, item.Held)
	assert.Equal(t, models.PartNotAcquired, item.MetadataState)

	select {
	case <-f.wake.Chan(wake.InboxKey("alice.example")):
	default:
		t.Fatal("expected a wake signal after release")
	}
}

func TestCheckAdmissible(t *testing.T) {
	ctx := context.Background()
	announcement := Announcement{
		TenantID: "alice.example",
		BoxID:    "chat",
		ItemKey:  "file-1",
		Sender:   "bob.example",
	}

	f := newServiceFixture(t, Options{})
	assert.NoError(t, f.svc.CheckAdmissible(ctx, announcement))

	f = newServiceFixture(t, Options{},
		&scriptedFilter{part: models.PartHeader, verdict: filter.Reject})
	assert.ErrorIs(t, f.svc.CheckAdmissible(ctx, announcement), common.ErrTransferRejected)

	f = newServiceFixture(t, Options{},
		&scriptedFilter{part: models.PartMetadata, verdict: filter.Quarantine})
	assert.ErrorIs(t, f.svc.CheckAdmissible(ctx, announcement), common.ErrTransferHeld)

	// nothing was queued by any of the checks
	assert.Nil(t, f.repo.get("alice.example", "chat", "file-1", "bob.example"))
}

func TestHeldItemsAndPresign(t *testing.T) {
	f := newServiceFixture(t, Options{},
		&scriptedFilter{part: models.PartMetadata, verdict: filter.Quarantine})
	f.announce(t, "file-1", "alice/tmp-1", []byte("x"))
	require.NoError(t, f.svc.ProcessPending(context.Background(), "alice.example"))

	held, err := f.svc.HeldItems(context.Background(), "alice.example", "chat")
	require.NoError(t, err)
	require.Len(t, held, 1)

	url, err := f.svc.PresignHeldPayload(context.Background(), held[0])
	require.NoError(t, err)
	assert.Equal(t, "https://staging.test/alice/tmp-1", url)
}
