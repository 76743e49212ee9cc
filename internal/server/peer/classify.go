package peer

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/homebase-id/odin-transit/internal/common"
)

// Disposition is the delivery worker's verdict on one attempt.
type Disposition int32

const (
	// Success removes the item from the queue.
	Success Disposition = iota
	// Recoverable schedules a retry with backoff.
	Recoverable
	// Unrecoverable removes the item and emits a failure report.
	Unrecoverable
)

func (d Disposition) String() string {
	switch d {
	case Success:
		return "success"
	case Recoverable:
		return "recoverable"
	case Unrecoverable:
		return "unrecoverable"
	}
	return "unknown"
}

// Subtype refines a recoverable outcome; each subtype has its own backoff
// schedule.
type Subtype int32

const (
	SubtypeNone Subtype = iota
	SubtypeServerNotResponding
	SubtypeRateLimited
)

func (s Subtype) String() string {
	switch s {
	case SubtypeServerNotResponding:
		return "server_not_responding"
	case SubtypeRateLimited:
		return "rate_limited"
	}
	return "none"
}

// Outcome is the classified result of one delivery attempt.
type Outcome struct {
	Disposition Disposition
	Subtype     Subtype
	Status      int
	Reason      string
}

// Classify maps a status code and transport error onto the retry taxonomy:
//
//   - 2xx → success
//   - transport errors, 408, 429, 5xx, local concurrency pressure → recoverable
//   - invalid kind, every other status (4xx refusal, unexpected codes) → unrecoverable
func Classify(status int, err error) Outcome {
	if err != nil {
		if errors.Is(err, common.ErrTooManyConcurrent) {
			return Outcome{Disposition: Recoverable, Subtype: SubtypeRateLimited, Reason: err.Error()}
		}
		if errors.Is(err, common.ErrInvalidTransferKind) {
			return Outcome{Disposition: Unrecoverable, Reason: err.Error()}
		}
		return Outcome{Disposition: Recoverable, Subtype: SubtypeServerNotResponding, Reason: err.Error()}
	}

	switch {
	case status >= 200 && status < 300:
		return Outcome{Disposition: Success, Status: status}
	case status == http.StatusForbidden:
		return Outcome{Disposition: Unrecoverable, Status: status, Reason: common.ErrDeliveryForbidden.Error()}
	case status == http.StatusRequestTimeout:
		return Outcome{Disposition: Recoverable, Subtype: SubtypeServerNotResponding, Status: status, Reason: "request timeout"}
	case status == http.StatusTooManyRequests:
		return Outcome{Disposition: Recoverable, Subtype: SubtypeRateLimited, Status: status, Reason: "rate limited"}
	case status >= 500:
		return Outcome{Disposition: Recoverable, Subtype: SubtypeServerNotResponding, Status: status, Reason: "remote unavailable"}
	default:
		return Outcome{Disposition: Unrecoverable, Status: status, Reason: fmt.Sprintf("refused with status %d", status)}
	}
}
