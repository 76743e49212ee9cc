package models

import (
	"time"

	"github.com/google/uuid"
)

// TransferPart names a structural part of an incoming transfer. Each part is
// evaluated independently by the admission filter pipeline.
type TransferPart int32

const (
	PartHeader TransferPart = iota
	PartMetadata
	PartPayload
)

func (p TransferPart) String() string {
	switch p {
	case PartHeader:
		return "header"
	case PartMetadata:
		return "metadata"
	case PartPayload:
		return "payload"
	}
	return "unknown"
}

// Parts lists every structural part in evaluation order.
func Parts() []TransferPart {
	return []TransferPart{PartHeader, PartMetadata, PartPayload}
}

// PartState is the recorded admission verdict for one transfer part.
type PartState int32

const (
	PartNotAcquired PartState = iota
	PartAccepted
	PartRejected
	PartQuarantined
)

func (s PartState) String() string {
	switch s {
	case PartNotAcquired:
		return "not_acquired"
	case PartAccepted:
		return "accepted"
	case PartRejected:
		return "rejected"
	case PartQuarantined:
		return "quarantined"
	}
	return "unknown"
}

// InboxItem is one incoming transfer announcement awaiting admission. The
// payload itself sits in the staging store under TempFileRef until the item
// is committed; a quarantined item keeps both the row and the staged payload.
type InboxItem struct {
	ID       int64
	TenantID string
	BoxID    string
	ItemKey  string

	Sender               string
	GlobalTransitID      uuid.UUID
	PublicKeyFingerprint string
	TempFileRef          string

	HeaderState   PartState
	MetadataState PartState
	PayloadState  PartState

	// Held marks a quarantined item: excluded from lease scans until an
	// operator or policy re-evaluation releases it.
	Held bool

	AddedAt     time.Time
	LeaseMarker *uuid.UUID
	LeasedAt    *time.Time
}

// PartStateOf returns the recorded state for the given part.
func (i *InboxItem) PartStateOf(p TransferPart) PartState {
	switch p {
	case PartHeader:
		return i.HeaderState
	case PartMetadata:
		return i.MetadataState
	case PartPayload:
		return i.PayloadState
	}
	return PartNotAcquired
}

// SetPartState records the state for the given part.
func (i *InboxItem) SetPartState(p TransferPart, s PartState) {
	switch p {
	case PartHeader:
		i.HeaderState = s
	case PartMetadata:
		i.MetadataState = s
	case PartPayload:
		i.PayloadState = s
	}
}
