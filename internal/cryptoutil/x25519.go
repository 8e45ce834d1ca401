package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Identity is a machine's X25519 keypair. The private half is wiped on
// Close and must never be logged, persisted unencrypted at rest without
// mode 0600, or transmitted.
type Identity struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateIdentity creates a new X25519 identity keypair.
func GenerateIdentity() (*Identity, error) {
	id := &Identity{}
	if _, err := io.ReadFull(rand.Reader, id.Private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(id.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(id.Public[:], pub)
	return id, nil
}

// GenerateIdentityFromPrivate reconstructs the public half of an identity
// from a private key already loaded from disk.
func GenerateIdentityFromPrivate(private [32]byte) (*Identity, error) {
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	id := &Identity{Private: private}
	copy(id.Public[:], pub)
	return id, nil
}

// Close wipes the private key from memory. Safe to call multiple times.
func (id *Identity) Close() {
	Zero(id.Private[:])
}

// WrappedKey is a group key wrapped for a single recipient's public key.
// The relay forwards these blobs opaquely; it never sees GroupKey,
// EphemeralPublic's shared secret, or the derived wrap key.
type WrappedKey struct {
	EphemeralPublic [32]byte `json:"ephemeral_public"`
	Nonce           []byte   `json:"nonce"`
	Ciphertext      []byte   `json:"ciphertext"`
}

// WrapGroupKey wraps groupKey for recipientPublic using an ephemeral X25519
// keypair: ECDH the ephemeral private key against the recipient's public
// key, derive a wrap key with HKDF-SHA256, then AES-256-GCM seal the group
// key under it. The wrap nonce is bound as associated data so a wrapped
// blob cannot be replayed against a different recipient's derivation.
func WrapGroupKey(groupKey []byte, recipientPublic [32]byte) (*WrappedKey, error) {
	if len(groupKey) != KeySize {
		return nil, fmt.Errorf("cryptoutil: group key must be %d bytes", KeySize)
	}

	var ephemeralPriv [32]byte
	if _, err := io.ReadFull(rand.Reader, ephemeralPriv[:]); err != nil {
		return nil, err
	}
	defer Zero(ephemeralPriv[:])

	ephemeralPubBytes, err := curve25519.X25519(ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var ephemeralPub [32]byte
	copy(ephemeralPub[:], ephemeralPubBytes)

	shared, err := curve25519.X25519(ephemeralPriv[:], recipientPublic[:])
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: ECDH failed: %w", err)
	}
	defer Zero(shared)

	wrapKey, err := deriveWrapKey(shared, ephemeralPub[:], recipientPublic[:])
	if err != nil {
		return nil, err
	}
	defer Zero(wrapKey)

	ciphertext, nonce, err := SealField(wrapKey, "shell-sync-group-key-wrap", groupKey)
	if err != nil {
		return nil, err
	}

	return &WrappedKey{EphemeralPublic: ephemeralPub, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// UnwrapGroupKey reverses WrapGroupKey using the recipient's private key.
func UnwrapGroupKey(wrapped *WrappedKey, recipientPrivate [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(recipientPrivate[:], wrapped.EphemeralPublic[:])
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: ECDH failed: %w", err)
	}
	defer Zero(shared)

	recipientPublic, err := curve25519.X25519(recipientPrivate[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	wrapKey, err := deriveWrapKey(shared, wrapped.EphemeralPublic[:], recipientPublic)
	if err != nil {
		return nil, err
	}
	defer Zero(wrapKey)

	groupKey, err := OpenField(wrapKey, "shell-sync-group-key-wrap", wrapped.Ciphertext, wrapped.Nonce)
	if err != nil {
		return nil, ErrIntegrity
	}
	return groupKey, nil
}

func deriveWrapKey(shared, ephemeralPublic, recipientPublic []byte) ([]byte, error) {
	salt := append(append([]byte{}, ephemeralPublic...), recipientPublic...)
	kdf := hkdf.New(sha256.New, shared, salt, []byte("shell-sync-key-wrap-v1"))
	wrapKey := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, wrapKey); err != nil {
		return nil, err
	}
	return wrapKey, nil
}
