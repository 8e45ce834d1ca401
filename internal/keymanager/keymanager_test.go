package keymanager

import (
	"path/filepath"
	"testing"
)

func TestManager_IdentityPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()

	m1, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	pub1 := m1.PublicKey()
	m1.Close()

	m2, err := Load(dir)
	if err != nil {
		t.Fatalf("Load (reload): %v", err)
	}
	if m2.PublicKey() != pub1 {
		t.Fatalf("expected identity to persist across loads")
	}

	info, err := filepath.Glob(filepath.Join(dir, "private.key"))
	if err != nil || len(info) != 1 {
		t.Fatalf("expected private.key on disk")
	}
}

func TestManager_JoinHandshake(t *testing.T) {
	ownerDir, joinerDir := t.TempDir(), t.TempDir()

	owner, err := Load(ownerDir)
	if err != nil {
		t.Fatalf("Load owner: %v", err)
	}
	joiner, err := Load(joinerDir)
	if err != nil {
		t.Fatalf("Load joiner: %v", err)
	}

	if err := owner.CreateGroup("default"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	wrapped, err := owner.WrapForJoiner("default", joiner.PublicKey())
	if err != nil {
		t.Fatalf("WrapForJoiner: %v", err)
	}

	if err := joiner.AcceptWrapped("default", wrapped); err != nil {
		t.Fatalf("AcceptWrapped: %v", err)
	}

	ownerKey, err := owner.GroupKey("default")
	if err != nil {
		t.Fatalf("owner.GroupKey: %v", err)
	}
	joinerKey, err := joiner.GroupKey("default")
	if err != nil {
		t.Fatalf("joiner.GroupKey: %v", err)
	}
	if string(ownerKey) != string(joinerKey) {
		t.Fatalf("expected joiner to hold the same group key as the owner")
	}
}

func TestManager_RotationRetainsPreviousKey(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := m.CreateGroup("default"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	oldKey, err := m.GroupKey("default")
	if err != nil {
		t.Fatalf("GroupKey: %v", err)
	}
	oldKeyCopy := append([]byte(nil), oldKey...)

	newKey, err := m.Rotate("default")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if string(newKey) == string(oldKeyCopy) {
		t.Fatalf("expected rotation to produce a distinct key")
	}

	retained := m.AnyGroupKey("default")
	if len(retained) != 2 {
		t.Fatalf("expected current + 1 previous key retained, got %d", len(retained))
	}
	if string(retained[1]) != string(oldKeyCopy) {
		t.Fatalf("expected previous key to still be retained for old ciphertext")
	}
}
