// Package cryptox seals and opens the opaque state blobs stored inside queue
// rows. A blob carries serialized delivery instructions plus the wrapped
// recipient credential; it is encrypted with AES-GCM under a key derived from
// the node master key so a database dump never exposes peer credentials.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const nonceSize = 12

// DeriveBlobKey derives a 32-byte AES-256 key from the node master key,
// bound to a tenant and recipient pair so blobs are not interchangeable
// across rows.
func DeriveBlobKey(masterKey []byte, tenant, recipient string) ([]byte, error) {
	r := hkdf.New(sha256.New, masterKey, []byte(tenant), []byte("transit-state-blob:"+recipient))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// SealBlob serializes v to JSON and encrypts it with AES-GCM. The random
// 12-byte nonce is prepended to the ciphertext so the result is a single
// opaque column value.
//
// The key must be a valid AES key length (16, 24, or 32 bytes).
func SealBlob(v any, key []byte) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return aesgcm.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenBlob decrypts a blob produced by SealBlob and unmarshals the JSON
// plaintext into v.
func OpenBlob(blob []byte, key []byte, v any) error {
	if len(blob) < nonceSize {
		return errors.New("blob too short")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}

	plaintext, err := aesgcm.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return err
	}

	return json.Unmarshal(plaintext, v)
}
