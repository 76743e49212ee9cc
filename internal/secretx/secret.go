// Package secretx provides a wipe-on-use wrapper for sensitive byte material
// such as unwrapped peer credentials and derived keys. Queue rows carry
// encrypted credentials; once a credential is unwrapped for a delivery
// attempt it lives in a Sensitive buffer and is zeroed immediately after the
// network call resolves.
package secretx

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/homebase-id/odin-transit/internal/common"
)

// Sensitive holds secret bytes that must not outlive their single use.
// It is safe for concurrent Wipe/Bytes calls.
type Sensitive struct {
	mu    sync.Mutex
	data  []byte
	wiped bool
}

// NewSensitive takes ownership of b. The caller must not retain b.
func NewSensitive(b []byte) *Sensitive {
	return &Sensitive{data: b}
}

// Bytes returns the underlying secret, or an error if it was already wiped.
// The returned slice aliases the internal buffer; callers must not copy it
// beyond the scope of the operation that needed it.
func (s *Sensitive) Bytes() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return nil, common.ErrSecretWiped
	}
	return s.data, nil
}

// Wipe overwrites the secret with zeros. Safe to call more than once.
func (s *Sensitive) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
	s.wiped = true
}

// Wiped reports whether the buffer has been zeroed.
func (s *Sensitive) Wiped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wiped
}

// String implements fmt.Stringer so a Sensitive can never leak into logs.
func (s *Sensitive) String() string {
	return "[sensitive]"
}

// MakeRandHexString generates a random hexadecimal string of the given size.
// The size parameter specifies the number of random bytes generated before
// hex encoding, so the final string length is twice the size.
func MakeRandHexString(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
