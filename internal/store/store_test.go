package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shell-sync/shell-sync/internal/model"
)

func TestStore_UpsertAlias_AcceptsMonotonicVersions(t *testing.T) {
	s := New()

	res, _, err := s.UpsertAlias(model.Alias{Group: "default", Name: "gs", CommandCT: []byte("ct1"), Version: 1, UpdatedByMachine: "a", UpdatedAt: 100})
	if err != nil {
		t.Fatalf("UpsertAlias: %v", err)
	}
	if res != ResultAccepted {
		t.Fatalf("expected accepted, got %v", res)
	}

	res, _, err = s.UpsertAlias(model.Alias{Group: "default", Name: "gs", CommandCT: []byte("ct2"), Version: 2, UpdatedByMachine: "a", UpdatedAt: 200})
	if err != nil {
		t.Fatalf("UpsertAlias: %v", err)
	}
	if res != ResultAccepted {
		t.Fatalf("expected accepted, got %v", res)
	}

	a, ok := s.GetAlias("default", "gs")
	if !ok || a.Version != 2 {
		t.Fatalf("expected version 2, got %+v ok=%v", a, ok)
	}
}

func TestStore_UpsertAlias_StaleRejected(t *testing.T) {
	s := New()
	s.UpsertAlias(model.Alias{Group: "default", Name: "gs", Version: 3, UpdatedByMachine: "a", UpdatedAt: 300})

	res, existing, err := s.UpsertAlias(model.Alias{Group: "default", Name: "gs", Version: 2, UpdatedByMachine: "b", UpdatedAt: 200})
	if err != nil {
		t.Fatalf("UpsertAlias: %v", err)
	}
	if res != ResultStale {
		t.Fatalf("expected stale, got %v", res)
	}
	if existing.Version != 3 {
		t.Fatalf("expected existing version 3, got %d", existing.Version)
	}
}

func TestStore_UpsertAlias_EqualVersionDifferentMachineConflicts(t *testing.T) {
	s := New()
	s.UpsertAlias(model.Alias{Group: "default", Name: "gs", CommandCT: []byte("a-ct"), Version: 2, UpdatedByMachine: "a", UpdatedAt: 200})

	res, existing, err := s.UpsertAlias(model.Alias{Group: "default", Name: "gs", CommandCT: []byte("b-ct"), Version: 2, UpdatedByMachine: "b", UpdatedAt: 210})
	if err != nil {
		t.Fatalf("UpsertAlias: %v", err)
	}
	if res != ResultConflict {
		t.Fatalf("expected conflict, got %v", res)
	}
	if existing.UpdatedByMachine != "a" {
		t.Fatalf("expected untouched existing row")
	}
}

func TestStore_UpsertAlias_IdempotentReplay(t *testing.T) {
	s := New()
	write := model.Alias{Group: "default", Name: "gs", CommandCT: []byte("ct"), Version: 2, UpdatedByMachine: "a", UpdatedAt: 200}
	s.UpsertAlias(write)

	res, _, err := s.UpsertAlias(write)
	if err != nil {
		t.Fatalf("UpsertAlias: %v", err)
	}
	if res != ResultAccepted {
		t.Fatalf("expected accepted (idempotent replay), got %v", res)
	}
}

func TestStore_AppendHistory_IdempotentByID(t *testing.T) {
	s := New()
	entry := model.HistoryEntry{ID: "h1", Group: "default", MachineID: "a", Timestamp: 100}

	if added := s.AppendHistory(entry); !added {
		t.Fatalf("expected first append to add")
	}
	if added := s.AppendHistory(entry); added {
		t.Fatalf("expected duplicate append to be a no-op")
	}
	if len(s.ListHistory("default", 0)) != 1 {
		t.Fatalf("expected exactly one history entry")
	}
}

func TestStore_ConflictLifecycle(t *testing.T) {
	s := New()
	local := model.Alias{Group: "default", Name: "gs", CommandCT: []byte("local"), Version: 2, UpdatedByMachine: "a", UpdatedAt: 200}
	remote := model.Alias{Group: "default", Name: "gs", CommandCT: []byte("remote"), Version: 2, UpdatedByMachine: "b", UpdatedAt: 210}

	c := s.RecordConflict("default", "gs", local, remote, 300)
	if c.Resolution != model.ResolutionPending {
		t.Fatalf("expected pending resolution")
	}

	list := s.ListConflicts("default")
	if len(list) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(list))
	}

	// A further write from the remote side updates the sticky snapshot in
	// place instead of creating a second conflict row.
	remote2 := model.Alias{Group: "default", Name: "gs", CommandCT: []byte("remote2"), Version: 2, UpdatedByMachine: "b", UpdatedAt: 400}
	s.RecordConflict("default", "gs", local, remote2, 500)
	if got := s.ListConflicts("default"); len(got) != 1 {
		t.Fatalf("expected sticky conflict to stay a single row, got %d", len(got))
	}

	resolved, err := s.ResolveConflict(c.ID, model.ResolutionKeepRemote)
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if resolved.Resolution != model.ResolutionKeepRemote {
		t.Fatalf("expected keep_remote resolution")
	}

	if _, err := s.ResolveConflict(c.ID, model.ResolutionKeepLocal); err == nil {
		t.Fatalf("expected error resolving an already-resolved conflict")
	}
}

func TestStore_PendingQueue(t *testing.T) {
	s := New()
	item := s.EnqueuePending(model.PendingAlias, []byte("payload"), 100)

	pending := s.ListPending(model.PendingAlias)
	if len(pending) != 1 || pending[0].ID != item.ID {
		t.Fatalf("expected 1 pending item")
	}

	s.AckPending(model.PendingAlias, item.ID)
	if len(s.ListPending(model.PendingAlias)) != 0 {
		t.Fatalf("expected pending queue empty after ack")
	}

	// Acking an already-acked id is a no-op, not an error.
	s.AckPending(model.PendingAlias, item.ID)
}

func TestStore_AliasesSince_ReturnsOnlyNewerVersionsInOrder(t *testing.T) {
	s := New()
	s.UpsertAlias(model.Alias{Group: "default", Name: "gs", Version: 1, UpdatedByMachine: "a", UpdatedAt: 100})
	s.UpsertAlias(model.Alias{Group: "default", Name: "ll", Version: 3, UpdatedByMachine: "a", UpdatedAt: 300})
	s.UpsertAlias(model.Alias{Group: "work", Name: "deploy", Version: 5, UpdatedByMachine: "a", UpdatedAt: 500})

	got := s.AliasesSince("default", 1)
	if len(got) != 1 || got[0].Name != "ll" {
		t.Fatalf("expected only ll past version 1, got %+v", got)
	}
	if len(s.AliasesSince("default", 3)) != 0 {
		t.Fatalf("expected nothing newer than the latest version")
	}
}

func TestStore_HistorySince_OrdersByTimestampThenMachineThenID(t *testing.T) {
	s := New()
	s.AppendHistory(model.HistoryEntry{ID: "z", Group: "default", MachineID: "b", Timestamp: 100})
	s.AppendHistory(model.HistoryEntry{ID: "a", Group: "default", MachineID: "a", Timestamp: 100})
	s.AppendHistory(model.HistoryEntry{ID: "y", Group: "default", MachineID: "a", Timestamp: 200})

	got := s.HistorySince("default", 100)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "z" || got[2].ID != "y" {
		t.Fatalf("unexpected order: %v", []string{got[0].ID, got[1].ID, got[2].ID})
	}
}

func TestStore_MachineLifecycle(t *testing.T) {
	s := New()
	m := model.Machine{MachineID: "m1", Hostname: "box", Groups: []string{"default"}, AuthToken: "tok"}

	if err := s.RegisterMachine(m); err != nil {
		t.Fatalf("RegisterMachine: %v", err)
	}
	if err := s.RegisterMachine(m); err == nil {
		t.Fatalf("expected error re-registering the same machine_id")
	}

	s.TouchMachine("m1", 1000)
	got, ok := s.GetMachine("m1")
	if !ok || got.LastSeen != 1000 {
		t.Fatalf("expected last_seen updated, got %+v", got)
	}

	if err := s.SetMachinePublicKey("m1", []byte("pub")); err != nil {
		t.Fatalf("SetMachinePublicKey: %v", err)
	}
	got, _ = s.GetMachine("m1")
	if string(got.PublicKey) != "pub" {
		t.Fatalf("expected public key to be set")
	}

	if err := s.RevokeMachine("m1"); err != nil {
		t.Fatalf("RevokeMachine: %v", err)
	}
	got, _ = s.GetMachine("m1")
	if !got.Revoked {
		t.Fatalf("expected machine to be revoked")
	}

	if len(s.ListMachines("default")) != 1 {
		t.Fatalf("expected revoked machine to still be listed, since revocation is a flag, not a delete")
	}
	if len(s.ListMachines("other")) != 0 {
		t.Fatalf("expected group filter to exclude non-members")
	}
}

func TestStore_PersistenceRoundTrip_IncludesMachines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.db")

	s1 := NewWithOptions(Options{Path: path})
	if err := s1.RegisterMachine(model.Machine{MachineID: "m1", Groups: []string{"default"}}); err != nil {
		t.Fatalf("RegisterMachine: %v", err)
	}
	if err := s1.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	s2 := NewWithOptions(Options{Path: path})
	if _, ok := s2.GetMachine("m1"); !ok {
		t.Fatalf("expected machine to survive reload")
	}
}

func TestStore_PersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.db")

	s1 := NewWithOptions(Options{Path: path})
	s1.UpsertAlias(model.Alias{Group: "default", Name: "gs", CommandCT: []byte("ct"), Version: 1, UpdatedByMachine: "a", UpdatedAt: 100})
	s1.AppendHistory(model.HistoryEntry{ID: "h1", Group: "default", MachineID: "a", Timestamp: 100})

	if err := s1.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected snapshot file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %o", info.Mode().Perm())
	}

	s2 := NewWithOptions(Options{Path: path})
	a, ok := s2.GetAlias("default", "gs")
	if !ok || a.Version != 1 {
		t.Fatalf("expected reloaded alias, got %+v ok=%v", a, ok)
	}
	if _, ok := s2.GetHistory("h1"); !ok {
		t.Fatalf("expected reloaded history entry")
	}
}
