// Package staging stores incoming transfer payloads between announcement and
// admission. Payloads are uploaded by the receiving endpoint, inspected by
// the filter pipeline, and either promoted into tenant storage on commit or
// deleted on rejection. Quarantined payloads stay staged.
package staging

import (
	"context"
	"io"
	"time"
)

// Store is the staging blob store.
type Store interface {
	// Put uploads a payload under key, replacing any previous object.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Get opens the staged payload. Returns common.ErrorNotFound when the
	// key is absent. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns the payload size in bytes, or common.ErrorNotFound.
	Stat(ctx context.Context, key string) (int64, error)

	// Delete removes a staged payload. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// PresignGet returns a time-limited URL for direct download of the
	// staged payload, for operator inspection of quarantined transfers.
	PresignGet(ctx context.Context, key string, validity time.Duration) (string, error)
}
