package peer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/homebase-id/odin-transit/internal/common"
	"github.com/homebase-id/odin-transit/internal/server/models"
)

// kindPaths maps a transfer kind onto the remote transit endpoint.
var kindPaths = map[models.TransferKind]string{
	models.KindSaveFile:         "/api/transit/v1/files",
	models.KindUpdateFile:       "/api/transit/v1/files",
	models.KindDeleteFile:       "/api/transit/v1/files/delete",
	models.KindAddReaction:      "/api/transit/v1/reactions",
	models.KindDeleteReaction:   "/api/transit/v1/reactions/delete",
	models.KindReadReceipt:      "/api/transit/v1/read-receipts",
	models.KindPushNotification: "/api/transit/v1/notifications",
}

// HTTPSender delivers sealed payloads to a recipient's transit endpoint with
// a short-lived bearer token (HS256, signed with the unwrapped credential).
type HTTPSender struct {
	client *http.Client
	tenant string
	// scheme is "https" in production; tests override it.
	scheme        string
	tokenValidity time.Duration
}

// NewHTTPSender builds a sender for one tenant with the given request timeout.
func NewHTTPSender(tenant string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSender{
		client:        &http.Client{Timeout: timeout},
		tenant:        tenant,
		scheme:        "https",
		tokenValidity: time.Minute,
	}
}

type transitClaims struct {
	jwt.RegisteredClaims
	Sender string `json:"sender"`
}

// bearerToken mints the per-request token from the unwrapped credential.
func (s *HTTPSender) bearerToken(cred *Credential) (string, error) {
	secret, err := cred.Secret.Bytes()
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, transitClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenValidity)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Sender: s.tenant,
	})
	return token.SignedString(secret)
}

func (s *HTTPSender) Send(ctx context.Context, recipient string, cred *Credential, kind models.TransferKind, payload []byte) (int, error) {
	path, ok := kindPaths[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %s", common.ErrInvalidTransferKind, kind)
	}

	bearer, err := s.bearerToken(cred)
	if err != nil {
		return 0, fmt.Errorf("mint bearer token: %w", err)
	}

	url := fmt.Sprintf("%s://%s%s", s.scheme, recipient, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Odin-Sender", s.tenant)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, nil
}
