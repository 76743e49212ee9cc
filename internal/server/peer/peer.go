// Package peer defines the collaborators the delivery worker consumes: the
// authenticated network call to a remote identity and per-recipient
// credential resolution. The transit core depends only on the interfaces;
// HTTPSender is the production implementation.
package peer

import (
	"context"

	"github.com/homebase-id/odin-transit/internal/secretx"
	"github.com/homebase-id/odin-transit/internal/server/models"
)

// Credential is an unwrapped per-recipient access secret. It is valid for a
// single delivery attempt and must be wiped as soon as the attempt resolves.
type Credential struct {
	Secret *secretx.Sensitive
}

// Wipe zeroes the credential material.
func (c *Credential) Wipe() {
	if c != nil && c.Secret != nil {
		c.Secret.Wipe()
	}
}

// CredentialResolver looks up the access credential a tenant holds for a
// recipient in its circle network. Returns common.ErrNotConnected when the
// tenant has no connection to the recipient; that failure is terminal.
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, tenant, recipient string) (*Credential, error)
}

// Sender performs the authenticated network call for one outbox item and
// returns the remote status code. A transport failure (timeout, refused
// connection) is returned as an error with status 0.
type Sender interface {
	Send(ctx context.Context, recipient string, cred *Credential, kind models.TransferKind, payload []byte) (int, error)
}
