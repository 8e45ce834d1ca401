// Package cryptoutil implements the field-level AEAD encryption and X25519
// key agreement that give the relay zero knowledge of alias and history
// payloads.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// KeySize is the symmetric group key size: AES-256.
	KeySize = 32
	// NonceSize is the GCM nonce size: 96 bits.
	NonceSize = 12
)

// ErrIntegrity is returned when a field fails to authenticate. Callers must
// treat this as fatal for the row: quarantine it, never retry the same
// ciphertext, never silently drop it.
var ErrIntegrity = errors.New("cryptoutil: integrity check failed")

// SealField encrypts plaintext under key, using group as associated data so
// ciphertext sealed for one group can never be replayed as belonging to
// another. Returns a fresh random nonce and the ciphertext (which includes
// the GCM authentication tag).
func SealField(key []byte, group string, plaintext []byte) (ciphertext, nonce []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("cryptoutil: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, []byte(group))
	return ciphertext, nonce, nil
}

// OpenField decrypts and authenticates a field sealed by SealField. A
// mismatched key, nonce, ciphertext, or associated-data group all surface
// as ErrIntegrity.
func OpenField(key []byte, group string, ciphertext, nonce []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cryptoutil: key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(nonce) != NonceSize {
		return nil, ErrIntegrity
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(group))
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// NewGroupKey generates a fresh random 256-bit symmetric group key.
func NewGroupKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Zero overwrites b with zeroes in place. Used to wipe key material and
// decrypted plaintext buffers once callers are done with them.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
