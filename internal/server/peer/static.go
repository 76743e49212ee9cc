package peer

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/homebase-id/odin-transit/internal/common"
	"github.com/homebase-id/odin-transit/internal/secretx"
)

// StaticResolver resolves credentials from a fixed table, loaded from
// configuration. Keyed by tenant, then recipient; secrets are hex encoded at
// rest and unwrapped into fresh sensitive buffers per resolution, so wiping
// one delivery's credential never corrupts the table.
type StaticResolver struct {
	connections map[string]map[string]string
}

func NewStaticResolver(connections map[string]map[string]string) *StaticResolver {
	return &StaticResolver{connections: connections}
}

func (r *StaticResolver) ResolveCredential(ctx context.Context, tenant, recipient string) (*Credential, error) {
	peers, ok := r.connections[tenant]
	if !ok {
		return nil, common.ErrNotConnected
	}
	secret, ok := peers[recipient]
	if !ok {
		return nil, common.ErrNotConnected
	}
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("malformed credential for %s: %w", recipient, err)
	}
	return &Credential{Secret: secretx.NewSensitive(raw)}, nil
}

// StaticFingerprints verifies announced key fingerprints against a fixed
// sender table. An unknown sender fails verification, which quarantines the
// transfer rather than rejecting it: the operator can record the key and
// re-evaluate.
func StaticFingerprints(known map[string]string) func(ctx context.Context, sender, fingerprint string) (bool, error) {
	return func(ctx context.Context, sender, fingerprint string) (bool, error) {
		want, ok := known[sender]
		if !ok {
			return false, nil
		}
		return want == fingerprint, nil
	}
}
