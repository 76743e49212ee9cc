// Package worker runs the per-tenant background loops that drain the
// transit queues: the outbox delivery worker and the inbox processor.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/homebase-id/odin-transit/internal/common"
	"github.com/homebase-id/odin-transit/internal/logging"
	"github.com/homebase-id/odin-transit/internal/secretx"
	"github.com/homebase-id/odin-transit/internal/server/backoff"
	"github.com/homebase-id/odin-transit/internal/server/models"
	"github.com/homebase-id/odin-transit/internal/server/outbox"
	"github.com/homebase-id/odin-transit/internal/server/peer"
	outboxrepo "github.com/homebase-id/odin-transit/internal/server/repositories/outbox"
	"github.com/homebase-id/odin-transit/internal/server/wake"
)

// OutboxWorker is the delivery loop for one tenant. Each cycle it leases a
// batch per pending box, attempts delivery, classifies each outcome and
// resolves the lease per item: commit for delivered or permanently failed
// items, cancel with backoff for the retryable rest.
type OutboxWorker struct {
	tenant    string
	repo      outboxrepo.Repository
	resolver  peer.CredentialResolver
	sender    peer.Sender
	masterKey []byte
	sink      ReportSink
	wake      *wake.Registry
	logger    logging.Logger

	batchSize      int
	attemptCeiling int
	pollInterval   time.Duration
	schedules      map[peer.Subtype]*backoff.Schedule

	// now is a test seam.
	now func() time.Time
}

// OutboxWorkerConfig carries the tunables of one delivery loop.
type OutboxWorkerConfig struct {
	BatchSize      int
	AttemptCeiling int
	PollInterval   time.Duration
	Schedules      map[peer.Subtype]*backoff.Schedule
}

func NewOutboxWorker(tenant string, repo outboxrepo.Repository, resolver peer.CredentialResolver,
	sender peer.Sender, masterKey []byte, sink ReportSink, w *wake.Registry,
	cfg OutboxWorkerConfig, l logging.Logger) *OutboxWorker {

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.AttemptCeiling <= 0 {
		cfg.AttemptCeiling = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Schedules == nil {
		cfg.Schedules = DefaultSchedules()
	}

	return &OutboxWorker{
		tenant:         tenant,
		repo:           repo,
		resolver:       resolver,
		sender:         sender,
		masterKey:      masterKey,
		sink:           sink,
		wake:           w,
		logger:         l.With("module", "outbox_worker", "tenant", tenant),
		batchSize:      cfg.BatchSize,
		attemptCeiling: cfg.AttemptCeiling,
		pollInterval:   cfg.PollInterval,
		schedules:      cfg.Schedules,
		now:            time.Now,
	}
}

// DefaultSchedules returns the per-subtype backoff tables: an aggressive
// curve for unresponsive peers and a slower one for rate limiting.
func DefaultSchedules() map[peer.Subtype]*backoff.Schedule {
	return map[peer.Subtype]*backoff.Schedule{
		peer.SubtypeServerNotResponding: backoff.NewSchedule(5*time.Second, 10*time.Minute),
		peer.SubtypeRateLimited:         backoff.NewSchedule(30*time.Second, 30*time.Minute),
	}
}

// Run drives the loop until ctx is cancelled. The worker sleeps only
// between cycles, waiting on the poll interval or a wake signal; it never
// sleeps mid-delivery.
func (w *OutboxWorker) Run(ctx context.Context) {
	wakeCh := w.wake.Chan(wake.OutboxKey(w.tenant))
	w.logger.Info(ctx, "outbox worker started")

	for {
		if err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			// store faults stop the cycle; retried on the next tick
			w.logger.Error(ctx, "delivery cycle aborted", "error", err.Error())
		}

		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "outbox worker stopped")
			return
		case <-time.After(w.pollInterval):
		case <-wakeCh:
		}
	}
}

// ProcessOnce runs a single delivery cycle over every pending box.
func (w *OutboxWorker) ProcessOnce(ctx context.Context) error {
	boxes, err := w.repo.PendingBoxes(ctx, w.tenant)
	if err != nil {
		return err
	}
	for _, box := range boxes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.processBox(ctx, box); err != nil {
			return err
		}
	}
	return nil
}

func (w *OutboxWorker) processBox(ctx context.Context, box string) error {
	marker, items, err := w.repo.Lease(ctx, w.tenant, box, w.batchSize)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	var commitIDs []int64
	type retry struct {
		id   int64
		next time.Time
	}
	var retries []retry

	for _, item := range items {
		outcome := w.deliver(ctx, item)
		switch outcome.Disposition {
		case peer.Success:
			commitIDs = append(commitIDs, item.ID)
			w.logger.Debug(ctx, "item delivered",
				"box", box, "item", item.ItemKey, "recipient", item.Recipient,
				"attempts", item.AttemptCount)

		case peer.Recoverable:
			sched, ok := w.schedules[outcome.Subtype]
			if !ok {
				sched = w.schedules[peer.SubtypeServerNotResponding]
			}
			next := sched.Next(w.now(), item.AttemptCount)
			retries = append(retries, retry{id: item.ID, next: next})
			w.logger.Debug(ctx, "item delivery failed, will retry",
				"box", box, "item", item.ItemKey, "recipient", item.Recipient,
				"status", outcome.Status, "subtype", outcome.Subtype.String(),
				"attempts", item.AttemptCount, "next_eligible_at", next)

		case peer.Unrecoverable:
			commitIDs = append(commitIDs, item.ID)
			w.sink.Report(ctx, models.FailureReport{
				TenantID:     item.TenantID,
				BoxID:        item.BoxID,
				ItemKey:      item.ItemKey,
				Recipient:    item.Recipient,
				Kind:         item.Kind,
				LastStatus:   outcome.Status,
				AttemptCount: item.AttemptCount,
				Reason:       outcome.Reason,
			})
		}
	}

	if len(commitIDs) > 0 {
		if err := w.repo.CommitItems(ctx, marker, commitIDs); err != nil {
			return err
		}
	}
	// retry subset: one cancel per item, each with its own eligibility time
	for _, r := range retries {
		if err := w.repo.CancelItems(ctx, marker, []int64{r.id}, r.next); err != nil {
			return err
		}
	}
	return nil
}

// deliver runs one attempt for one leased item and classifies the result.
// The attempt ceiling is enforced before dispatch so an exhausted item never
// costs another network call.
func (w *OutboxWorker) deliver(ctx context.Context, item *models.OutboxItem) peer.Outcome {
	if item.AttemptCount >= w.attemptCeiling {
		return peer.Outcome{
			Disposition: peer.Unrecoverable,
			Reason:      common.ErrAttemptsExhausted.Error(),
		}
	}

	if _, err := w.resolver.ResolveCredential(ctx, item.TenantID, item.Recipient); err != nil {
		if errors.Is(err, common.ErrNotConnected) {
			return peer.Outcome{Disposition: peer.Unrecoverable, Reason: err.Error()}
		}
		// registry fault: retry later rather than dropping the item
		return peer.Classify(0, err)
	}

	instr, err := outbox.OpenInstructions(w.masterKey, item)
	if err != nil {
		return peer.Outcome{Disposition: peer.Unrecoverable, Reason: err.Error()}
	}

	cred := &peer.Credential{Secret: secretx.NewSensitive(instr.WrappedCredential)}
	status, sendErr := w.sender.Send(ctx, item.Recipient, cred, instr.Kind, instr.Payload)
	cred.Wipe()

	return peer.Classify(status, sendErr)
}
