package peer

import (
	"context"

	"github.com/homebase-id/odin-transit/internal/common"
	"github.com/homebase-id/odin-transit/internal/server/models"
)

// LimitedSender caps the number of in-flight deliveries across a tenant's
// worker. A saturated limiter fails the attempt with ErrTooManyConcurrent
// instead of blocking, so the item backs off like any rate-limited delivery
// and the worker keeps draining the rest of the batch.
type LimitedSender struct {
	next  Sender
	slots chan struct{}
}

func NewLimitedSender(next Sender, maxInFlight int) *LimitedSender {
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	return &LimitedSender{
		next:  next,
		slots: make(chan struct{}, maxInFlight),
	}
}

func (s *LimitedSender) Send(ctx context.Context, recipient string, cred *Credential, kind models.TransferKind, payload []byte) (int, error) {
	select {
	case s.slots <- struct{}{}:
	default:
		return 0, common.ErrTooManyConcurrent
	}
	defer func() { <-s.slots }()

	return s.next.Send(ctx, recipient, cred, kind, payload)
}
