// Package keymanager owns a machine's X25519 identity and the symmetric
// group keys it currently holds, including the wrap/unwrap handshake used
// to hand a group key to a joining machine and the rotation hook that
// retires an old key.
package keymanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shell-sync/shell-sync/internal/cryptoutil"
	"github.com/shell-sync/shell-sync/internal/model"
)

// Manager holds this machine's identity keypair and the group keys it has
// joined. Group keys are kept in memory and mirrored to keys/groups/<group>.key
// on disk with mode 0600; the identity private key lives at keys/private.key.
type Manager struct {
	mu sync.RWMutex

	dir      string
	identity *cryptoutil.Identity
	groups   map[string]model.GroupKey
}

// Load reads (or creates, on first run) the identity keypair under dir and
// loads any group keys already present under dir/groups.
func Load(dir string) (*Manager, error) {
	m := &Manager{dir: dir, groups: make(map[string]model.GroupKey)}

	id, err := loadOrCreateIdentity(dir)
	if err != nil {
		return nil, err
	}
	m.identity = id

	if err := m.loadGroupKeys(); err != nil {
		return nil, err
	}
	return m, nil
}

// Close wipes the identity private key from memory.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity != nil {
		m.identity.Close()
	}
}

// PublicKey returns the machine's public key. The private key never leaves
// the manager.
func (m *Manager) PublicKey() [32]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity.Public
}

func loadOrCreateIdentity(dir string) (*cryptoutil.Identity, error) {
	privPath := filepath.Join(dir, "private.key")
	pubPath := filepath.Join(dir, "public.key")

	privBytes, err := os.ReadFile(privPath)
	if err == nil {
		if len(privBytes) != 32 {
			return nil, errors.New("keymanager: corrupt private.key")
		}
		id := &cryptoutil.Identity{}
		copy(id.Private[:], privBytes)
		cryptoutil.Zero(privBytes)

		pub, err := cryptoutil.GenerateIdentityFromPrivate(id.Private)
		if err != nil {
			return nil, err
		}
		id.Public = pub.Public
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	id, err := cryptoutil.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(privPath, id.Private[:], 0o600); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(pubPath, id.Public[:], 0o644); err != nil {
		return nil, err
	}
	return id, nil
}

func (m *Manager) loadGroupKeys() error {
	groupDir := filepath.Join(m.dir, "groups")
	entries, err := os.ReadDir(groupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".key" {
			continue
		}
		group := entry.Name()[:len(entry.Name())-len(".key")]
		data, err := os.ReadFile(filepath.Join(groupDir, entry.Name()))
		if err != nil {
			return err
		}
		var gk model.GroupKey
		if err := json.Unmarshal(data, &gk); err != nil {
			return fmt.Errorf("keymanager: corrupt group key file for %q: %w", group, err)
		}
		m.groups[group] = gk
	}
	return nil
}

func (m *Manager) persistGroupKeyLocked(gk model.GroupKey) error {
	groupDir := filepath.Join(m.dir, "groups")
	if err := os.MkdirAll(groupDir, 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(gk)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(groupDir, gk.Group+".key"), data, 0o600)
}

// CreateGroup generates a fresh symmetric key for a brand-new group (this
// machine is the first member).
func (m *Manager) CreateGroup(group string) error {
	key, err := cryptoutil.NewGroupKey()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	gk := model.GroupKey{Group: group, CurrentKey: key, Epoch: 1}
	m.groups[group] = gk
	return m.persistGroupKeyLocked(gk)
}

// GroupKey returns the current symmetric key for a group.
func (m *Manager) GroupKey(group string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gk, ok := m.groups[group]
	if !ok {
		return nil, fmt.Errorf("keymanager: no key held for group %q", group)
	}
	return gk.CurrentKey, nil
}

// AnyGroupKey tries the current key and every retained previous key, for
// decrypting rows sealed before a rotation this machine has since rolled
// past.
func (m *Manager) AnyGroupKey(group string) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gk, ok := m.groups[group]
	if !ok {
		return nil
	}
	keys := make([][]byte, 0, 1+len(gk.PreviousKeys))
	keys = append(keys, gk.CurrentKey)
	keys = append(keys, gk.PreviousKeys...)
	return keys
}

// WrapForJoiner wraps this machine's copy of a group's key for a joiner's
// public key, to be sent back as a key_response frame.
func (m *Manager) WrapForJoiner(group string, joinerPublic [32]byte) (*cryptoutil.WrappedKey, error) {
	m.mu.RLock()
	gk, ok := m.groups[group]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("keymanager: no key held for group %q", group)
	}
	return cryptoutil.WrapGroupKey(gk.CurrentKey, joinerPublic)
}

// AcceptWrapped unwraps a group key received in a key_response frame,
// verifies it with a self-test encrypt/decrypt round trip, and persists it
// before returning success. Per the design, the joiner must not adopt a
// key that fails this round trip.
func (m *Manager) AcceptWrapped(group string, wrapped *cryptoutil.WrappedKey) error {
	m.mu.RLock()
	priv := m.identity.Private
	m.mu.RUnlock()

	key, err := cryptoutil.UnwrapGroupKey(wrapped, priv)
	if err != nil {
		return fmt.Errorf("keymanager: unwrap failed: %w", err)
	}

	ct, nonce, err := cryptoutil.SealField(key, group, []byte("self-test"))
	if err != nil {
		return err
	}
	plain, err := cryptoutil.OpenField(key, group, ct, nonce)
	if err != nil || string(plain) != "self-test" {
		return errors.New("keymanager: self-test round trip failed, refusing to persist key")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	gk := model.GroupKey{Group: group, CurrentKey: key, Epoch: 1}
	m.groups[group] = gk
	return m.persistGroupKeyLocked(gk)
}

// Rotate generates a new group key, retains the old one for backward
// readability, and returns the new key so the caller can wrap it for
// every known member's public key and broadcast a key_update bundle.
func (m *Manager) Rotate(group string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gk, ok := m.groups[group]
	if !ok {
		return nil, fmt.Errorf("keymanager: no key held for group %q", group)
	}

	newKey, err := cryptoutil.NewGroupKey()
	if err != nil {
		return nil, err
	}

	gk.PreviousKeys = append([][]byte{gk.CurrentKey}, gk.PreviousKeys...)
	gk.CurrentKey = newKey
	gk.Epoch++
	m.groups[group] = gk

	if err := m.persistGroupKeyLocked(gk); err != nil {
		return nil, err
	}
	return newKey, nil
}

// AdoptRotated installs a group key received via a key_update bundle
// (this machine was not the rotator).
func (m *Manager) AdoptRotated(group string, wrapped *cryptoutil.WrappedKey) error {
	m.mu.RLock()
	priv := m.identity.Private
	existing, hasExisting := m.groups[group]
	m.mu.RUnlock()

	newKey, err := cryptoutil.UnwrapGroupKey(wrapped, priv)
	if err != nil {
		return fmt.Errorf("keymanager: unwrap rotated key failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	gk := model.GroupKey{Group: group, CurrentKey: newKey, Epoch: 1}
	if hasExisting {
		gk.PreviousKeys = append([][]byte{existing.CurrentKey}, existing.PreviousKeys...)
		gk.Epoch = existing.Epoch + 1
	}
	m.groups[group] = gk
	return m.persistGroupKeyLocked(gk)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
