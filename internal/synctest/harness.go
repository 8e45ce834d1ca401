// Package synctest wires two or more in-process syncdaemon.Daemon instances
// against a single in-process relay (an httptest.Server wrapping
// server.NewRouter), the way the teacher's own server tests dial a real
// listener rather than a ResponseRecorder for anything WebSocket-shaped.
// It exercises the cross-machine properties that a single package's unit
// tests cannot: convergence after a live sync, ciphertext confidentiality
// across a non-member, and conflict symmetry after a partition.
package synctest

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shell-sync/shell-sync/internal/auth"
	"github.com/shell-sync/shell-sync/internal/config"
	"github.com/shell-sync/shell-sync/internal/hub"
	"github.com/shell-sync/shell-sync/internal/keymanager"
	"github.com/shell-sync/shell-sync/internal/server"
	"github.com/shell-sync/shell-sync/internal/store"
	"github.com/shell-sync/shell-sync/internal/syncdaemon"
)

// relay is one in-process instance of the shell-sync server, listening on a
// real loopback port so gorilla's dialer can complete the WebSocket upgrade.
type relay struct {
	srv   *httptest.Server
	Store *store.Store
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.New()
	tokenCfg := auth.TokenConfig{Secret: "synctest-secret", Issuer: "synctest"}
	r := server.NewRouter(server.Deps{
		Store:       st,
		TokenConfig: tokenCfg,
		Hub:         hub.New(),
		StartedAt:   time.Now(),
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &relay{srv: srv, Store: st}
}

// machine is one client installation: its own temp-dir key manager, its own
// in-memory store, and the Daemon wired to both, pointed at rel.
type machine struct {
	t         *testing.T
	Daemon    *syncdaemon.Daemon
	Store     *store.Store
	Keys      *keymanager.Manager
	MachineID string
	AliasPath string

	cancel context.CancelFunc
	done   chan struct{}
}

// join registers hostname against rel for the given groups, constructs a
// Daemon, starts Run in the background, and waits until the machine holds a
// key for every one of its groups. Callers should defer m.stop().
func join(t *testing.T, rel *relay, hostname string, groups []string) *machine {
	t.Helper()
	dir := t.TempDir()

	machineID, token, err := syncdaemon.Enroll(rel.srv.URL, hostname, "linux", groups)
	if err != nil {
		t.Fatalf("Enroll(%s): %v", hostname, err)
	}

	keys, err := keymanager.Load(filepath.Join(dir, "keys"))
	if err != nil {
		t.Fatalf("keymanager.Load(%s): %v", hostname, err)
	}

	st := store.New()
	aliasPath := filepath.Join(dir, "aliases.sh")
	cfg := config.ClientConfig{ServerURL: rel.srv.URL, MachineID: machineID, Groups: groups}

	d, err := syncdaemon.New(cfg, token, st, keys, aliasPath, dir)
	if err != nil {
		t.Fatalf("syncdaemon.New(%s): %v", hostname, err)
	}

	m := &machine{t: t, Daemon: d, Store: st, Keys: keys, MachineID: machineID, AliasPath: aliasPath}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		_ = d.Run(ctx)
	}()
	for _, g := range groups {
		g := g
		eventually(t, 15*time.Second, func() bool { return len(keys.AnyGroupKey(g)) > 0 },
			hostname+" should hold a key for group "+g)
	}
	return m
}

func (m *machine) stop() {
	m.cancel()
	select {
	case <-m.done:
	case <-time.After(2 * time.Second):
		m.t.Logf("machine %s: Run did not exit within 2s of cancel", m.MachineID)
	}
	m.Keys.Close()
}

// eventually polls cond every 20ms until it returns true or timeout elapses,
// failing the test with msg on timeout. Async convergence over a live
// WebSocket has no natural blocking point to await, so every scenario in
// this package waits this way rather than sleeping a fixed duration.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("timed out after %s waiting for: %s", timeout, msg)
	}
}
