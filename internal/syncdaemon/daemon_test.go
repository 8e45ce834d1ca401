package syncdaemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shell-sync/shell-sync/internal/config"
	"github.com/shell-sync/shell-sync/internal/keymanager"
	"github.com/shell-sync/shell-sync/internal/model"
	"github.com/shell-sync/shell-sync/internal/socketingest"
	"github.com/shell-sync/shell-sync/internal/store"
)

func TestToWebSocketURL(t *testing.T) {
	cases := map[string]string{
		"http://relay.local:8080": "ws://relay.local:8080/ws",
		"https://relay.local":     "wss://relay.local/ws",
		"https://relay.local/":    "wss://relay.local/ws",
	}
	for in, want := range cases {
		if got := toWebSocketURL(in); got != want {
			t.Errorf("toWebSocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSleepBackoff_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepBackoff(ctx, 0) {
		t.Fatalf("expected sleepBackoff to return false on a canceled context")
	}
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	dir := t.TempDir()

	keys, err := keymanager.Load(filepath.Join(dir, "keys"))
	if err != nil {
		t.Fatalf("keymanager.Load: %v", err)
	}
	if err := keys.CreateGroup("default"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	st := store.New()
	cfg := config.ClientConfig{MachineID: "m1", Groups: []string{"default"}, ServerURL: "http://localhost:0"}

	d, err := New(cfg, "test-token", st, keys, filepath.Join(dir, "aliases.sh"), dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestWriteAlias_QueuesAndAppliesLocally(t *testing.T) {
	d := newTestDaemon(t)

	alias, err := d.WriteAlias("default", "gs", "git status")
	if err != nil {
		t.Fatalf("WriteAlias: %v", err)
	}
	if alias.Version != 1 {
		t.Fatalf("expected version 1, got %d", alias.Version)
	}

	pending := d.Store.ListPending(model.PendingAlias)
	if len(pending) != 1 {
		t.Fatalf("expected 1 queued alias write, got %d", len(pending))
	}

	got, ok := d.Store.GetAlias("default", "gs")
	if !ok || got.Version != 1 {
		t.Fatalf("expected local alias applied, got %+v ok=%v", got, ok)
	}
}

func TestDeleteAlias_TombstonesAndBumpsVersion(t *testing.T) {
	d := newTestDaemon(t)
	if _, err := d.WriteAlias("default", "ll", "ls -la"); err != nil {
		t.Fatalf("WriteAlias: %v", err)
	}

	alias, err := d.DeleteAlias("default", "ll")
	if err != nil {
		t.Fatalf("DeleteAlias: %v", err)
	}
	if !alias.Tombstone || alias.Version != 2 {
		t.Fatalf("expected tombstoned version 2, got %+v", alias)
	}
}

func TestHighWaterMarks_PersistAcrossLoad(t *testing.T) {
	dir := t.TempDir()
	hw, err := loadHighWaterMarks(dir)
	if err != nil {
		t.Fatalf("loadHighWaterMarks: %v", err)
	}
	hw.advance("default", 5)
	hw.advance("default", 3) // lower, should not regress
	if err := hw.save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := loadHighWaterMarks(dir)
	if err != nil {
		t.Fatalf("loadHighWaterMarks (reload): %v", err)
	}
	if got := reloaded.get("default"); got != 5 {
		t.Fatalf("expected high-water mark 5, got %d", got)
	}
}

func TestIngestCommand_EncryptsAndQueuesHistory(t *testing.T) {
	d := newTestDaemon(t)
	d.ingestCommand(socketingest.Envelope{
		Kind:      "exec",
		Command:   "git status",
		SessionID: "s1",
		Timestamp: time.Now().UnixMilli(),
	})

	items := d.Store.ListPending(model.PendingHistory)
	if len(items) != 1 {
		t.Fatalf("expected 1 queued history item, got %d", len(items))
	}
}
