package worker

import (
	"context"

	"github.com/homebase-id/odin-transit/internal/logging"
	"github.com/homebase-id/odin-transit/internal/server/models"
)

// ReportSink receives permanently failed outbox items, exactly once each.
// This is a one-way notification for observability and for the originating
// feature to tell the end user a peer could not be reached.
type ReportSink interface {
	Report(ctx context.Context, r models.FailureReport)
}

// LogReportSink is the default sink: every permanent failure becomes one
// structured log line.
type LogReportSink struct {
	Logger logging.Logger
}

func (s *LogReportSink) Report(ctx context.Context, r models.FailureReport) {
	s.Logger.Error(ctx, "transfer permanently failed",
		"tenant", r.TenantID,
		"box", r.BoxID,
		"item", r.ItemKey,
		"recipient", r.Recipient,
		"kind", r.Kind.String(),
		"last_status", r.LastStatus,
		"attempts", r.AttemptCount,
		"reason", r.Reason,
	)
}
