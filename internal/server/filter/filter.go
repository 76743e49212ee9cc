// Package filter implements the inbox admission pipeline. Every structural
// part of an incoming transfer (header, metadata, payload) passes through an
// ordered chain of filters; the first non-pass verdict per part is recorded
// on the item, and the combined part states decide whether the item is
// admitted to storage, held in quarantine, or rejected.
package filter

import (
	"context"
	"fmt"

	"github.com/homebase-id/odin-transit/internal/server/models"
)

// Verdict is one filter's opinion about one transfer part.
type Verdict int32

const (
	// Pass defers to the next filter in the chain.
	Pass Verdict = iota
	Accept
	Reject
	Quarantine
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Quarantine:
		return "quarantine"
	}
	return "unknown"
}

// Filter evaluates one part of an incoming transfer. Returning an error
// aborts the pipeline; errors are infrastructure faults, not verdicts.
type Filter interface {
	Name() string
	Evaluate(ctx context.Context, part models.TransferPart, item *models.InboxItem) (Verdict, error)
}

// Pipeline runs an ordered filter chain over every part of an item.
type Pipeline struct {
	filters []Filter
}

func NewPipeline(filters ...Filter) *Pipeline {
	return &Pipeline{filters: filters}
}

// Evaluate records the first non-pass verdict per part onto the item. A part
// every filter passes on is accepted, except the payload part of a transfer
// that staged no payload, which stays not-acquired.
func (p *Pipeline) Evaluate(ctx context.Context, item *models.InboxItem) error {
	for _, part := range models.Parts() {
		state := models.PartAccepted
		if part == models.PartPayload && item.TempFileRef == "" {
			state = models.PartNotAcquired
		}
		for _, f := range p.filters {
			v, err := f.Evaluate(ctx, part, item)
			if err != nil {
				return fmt.Errorf("filter %s on %s: %w", f.Name(), part, err)
			}
			if v == Pass {
				continue
			}
			state = verdictState(v)
			break
		}
		item.SetPartState(part, state)
	}
	return nil
}

func verdictState(v Verdict) models.PartState {
	switch v {
	case Accept:
		return models.PartAccepted
	case Reject:
		return models.PartRejected
	case Quarantine:
		return models.PartQuarantined
	}
	return models.PartNotAcquired
}

// Decision is the admission outcome for a fully evaluated item.
type Decision int32

const (
	// Admit commits the item to storage.
	Admit Decision = iota
	// Hold parks the item in quarantine without discarding it.
	Hold
	// RejectItem discards the item; the sender is told delivery failed.
	RejectItem
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case Hold:
		return "hold"
	case RejectItem:
		return "reject"
	}
	return "unknown"
}

// Decide applies the admission rule to the recorded part states:
// any rejected part is terminal; any quarantined part holds the item;
// header and metadata acceptance admit it, with payload acceptance also
// required when requirePayload policy is set.
func Decide(item *models.InboxItem, requirePayload bool) Decision {
	states := []models.PartState{item.HeaderState, item.MetadataState, item.PayloadState}

	for _, s := range states {
		if s == models.PartRejected {
			return RejectItem
		}
	}
	for _, s := range states {
		if s == models.PartQuarantined {
			return Hold
		}
	}

	admitted := item.HeaderState == models.PartAccepted && item.MetadataState == models.PartAccepted
	if requirePayload {
		admitted = admitted && item.PayloadState == models.PartAccepted
	}
	if admitted {
		return Admit
	}
	return Hold
}
