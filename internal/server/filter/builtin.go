package filter

import (
	"context"
	"errors"

	"github.com/homebase-id/odin-transit/internal/common"
	"github.com/homebase-id/odin-transit/internal/server/models"
	"github.com/homebase-id/odin-transit/internal/server/peer"
)

// TrustFilter rejects transfers from identities the tenant is not connected
// to. It only inspects the header part.
type TrustFilter struct {
	Resolver peer.CredentialResolver
}

func (f *TrustFilter) Name() string { return "sender_trust" }

func (f *TrustFilter) Evaluate(ctx context.Context, part models.TransferPart, item *models.InboxItem) (Verdict, error) {
	if part != models.PartHeader {
		return Pass, nil
	}
	cred, err := f.Resolver.ResolveCredential(ctx, item.TenantID, item.Sender)
	if errors.Is(err, common.ErrNotConnected) {
		return Reject, nil
	}
	if err != nil {
		return Pass, err
	}
	cred.Wipe()
	return Pass, nil
}

// FingerprintVerifier checks that a sender's announced public key
// fingerprint matches the one on record.
type FingerprintVerifier func(ctx context.Context, sender, fingerprint string) (bool, error)

// FingerprintFilter rejects transfers without a fingerprint and quarantines
// transfers whose fingerprint does not match the sender's known key, which
// usually means the peer rotated keys and needs re-verification. It only
// inspects the metadata part.
type FingerprintFilter struct {
	Verify FingerprintVerifier
}

func (f *FingerprintFilter) Name() string { return "key_fingerprint" }

func (f *FingerprintFilter) Evaluate(ctx context.Context, part models.TransferPart, item *models.InboxItem) (Verdict, error) {
	if part != models.PartMetadata {
		return Pass, nil
	}
	if item.PublicKeyFingerprint == "" {
		return Reject, nil
	}
	ok, err := f.Verify(ctx, item.Sender, item.PublicKeyFingerprint)
	if err != nil {
		return Pass, err
	}
	if !ok {
		return Quarantine, nil
	}
	return Pass, nil
}

// StagingChecker is the slice of the staging store the payload filter needs.
type StagingChecker interface {
	Stat(ctx context.Context, key string) (int64, error)
}

// PayloadFilter quarantines transfers whose staged payload went missing and
// rejects payloads over the size ceiling. It only inspects the payload part;
// a transfer that announced no payload passes through untouched.
type PayloadFilter struct {
	Staging StagingChecker
	MaxSize int64
}

func (f *PayloadFilter) Name() string { return "payload_staging" }

func (f *PayloadFilter) Evaluate(ctx context.Context, part models.TransferPart, item *models.InboxItem) (Verdict, error) {
	if part != models.PartPayload || item.TempFileRef == "" {
		return Pass, nil
	}
	size, err := f.Staging.Stat(ctx, item.TempFileRef)
	if errors.Is(err, common.ErrorNotFound) {
		return Quarantine, nil
	}
	if err != nil {
		return Pass, err
	}
	if f.MaxSize > 0 && size > f.MaxSize {
		return Reject, nil
	}
	return Pass, nil
}
