package worker

import (
	"context"
	"errors"
	"time"

	"github.com/homebase-id/odin-transit/internal/logging"
	"github.com/homebase-id/odin-transit/internal/server/inbox"
	"github.com/homebase-id/odin-transit/internal/server/wake"
)

// InboxWorker drives one tenant's admission cycles. The heavy lifting lives
// in the inbox service; the worker only owns the cadence.
type InboxWorker struct {
	tenant       string
	svc          *inbox.Service
	wake         *wake.Registry
	pollInterval time.Duration
	logger       logging.Logger
}

func NewInboxWorker(tenant string, svc *inbox.Service, w *wake.Registry,
	pollInterval time.Duration, l logging.Logger) *InboxWorker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &InboxWorker{
		tenant:       tenant,
		svc:          svc,
		wake:         w,
		pollInterval: pollInterval,
		logger:       l.With("module", "inbox_worker", "tenant", tenant),
	}
}

func (w *InboxWorker) Run(ctx context.Context) {
	wakeCh := w.wake.Chan(wake.InboxKey(w.tenant))
	w.logger.Info(ctx, "inbox worker started")

	for {
		if err := w.svc.ProcessPending(ctx, w.tenant); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error(ctx, "admission cycle aborted", "error", err.Error())
		}

		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "inbox worker stopped")
			return
		case <-time.After(w.pollInterval):
		case <-wakeCh:
		}
	}
}
