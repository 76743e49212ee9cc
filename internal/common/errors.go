// Package common defines shared constants and sentinel errors used across
// the transit core. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound     = errors.New("not found")
	ErrMarkerResolved = errors.New("lease marker already resolved")

	// Delivery classification errors.
	ErrNotConnected        = errors.New("recipient not connected")
	ErrAttemptsExhausted   = errors.New("delivery attempts exhausted")
	ErrTooManyConcurrent   = errors.New("too many concurrent delivery attempts")
	ErrDeliveryForbidden   = errors.New("delivery forbidden by recipient")
	ErrInvalidTransferKind = errors.New("invalid transfer kind")

	// Inbox admission errors.
	ErrTransferRejected = errors.New("incoming transfer rejected")
	ErrTransferHeld     = errors.New("incoming transfer quarantined")

	// Secret handling errors.
	ErrSecretWiped = errors.New("secret already wiped")
)
