package models

import (
	"time"

	"github.com/google/uuid"
)

// OutboxItem is one unit of outgoing work: a local write that must be
// propagated to one peer. An operation addressed to several recipients is
// stored as several rows, one per recipient.
//
// StateBlob is opaque at this layer: an AES-GCM sealed envelope holding the
// serialized delivery instructions plus the wrapped recipient credential.
type OutboxItem struct {
	ID        int64
	TenantID  string
	BoxID     string
	ItemKey   string
	Recipient string

	Kind     TransferKind
	Priority int
	// DependencyKey, when non-empty, names another item in the same box that
	// must resolve (commit or permanent failure) before this row may be leased.
	DependencyKey string

	StateBlob []byte

	AttemptCount    int
	AddedAt         time.Time
	LastAttemptedAt *time.Time
	NextEligibleAt  time.Time

	// LeaseMarker is set only while the row is leased; LeasedAt records when.
	LeaseMarker *uuid.UUID
	LeasedAt    *time.Time
}

// FailureReport describes a permanently failed outbox item. It is emitted
// once to the report sink and never retried.
type FailureReport struct {
	TenantID     string
	BoxID        string
	ItemKey      string
	Recipient    string
	Kind         TransferKind
	LastStatus   int
	AttemptCount int
	Reason       string
}
