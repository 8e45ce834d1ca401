// Package syncdaemon is the client-side counterpart to the relay's
// internal/hub and internal/handler: it maintains the single outbound
// WebSocket connection, drains the store's pending queues, applies inbound
// frames, and keeps the decrypted alias file in sync. Grounded in the
// teacher's handler/websocket.go connection lifecycle (ping/pong,
// read/write deadlines, bounded read limit) mirrored for the outbound
// client role.
package syncdaemon

import (
	"context"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shell-sync/shell-sync/internal/config"
	"github.com/shell-sync/shell-sync/internal/conflict"
	"github.com/shell-sync/shell-sync/internal/keymanager"
	"github.com/shell-sync/shell-sync/internal/socketingest"
	"github.com/shell-sync/shell-sync/internal/store"
)

const (
	backoffBase       = time.Second
	backoffCap        = 60 * time.Second
	keyExchangeWait   = 10 * time.Second
	aliasFlushPeriod  = 200 * time.Millisecond
	historyBatchSize  = 50
	historyBatchDelay = 5 * time.Second
)

// Daemon owns the process-root state the design calls out as a single
// object constructed at start and passed by reference to every task:
// store, key manager, conflict engine, and connection config. Teardown
// order is the reverse of construction: callers cancel the context passed
// to Run, then close Store and Keys themselves.
type Daemon struct {
	Config        config.ClientConfig
	AuthToken     string
	Store         *store.Store
	Keys          *keymanager.Manager
	Conflicts     *conflict.Engine
	AliasFilePath string
	StateDir      string

	// Ingest is optional; when set, envelopes it produces are encrypted and
	// queued for outbound history delivery.
	Ingest *socketingest.Listener

	httpClient *http.Client
	hw         *highWaterMarks

	activeMu sync.Mutex
	active   *session
}

// setActive records sess as the live connection, for out-of-band operator
// commands (RotateGroupKey) that need to send a frame on a running Run
// loop's connection rather than opening their own.
func (d *Daemon) setActive(sess *session) {
	d.activeMu.Lock()
	d.active = sess
	d.activeMu.Unlock()
}

func (d *Daemon) clearActive(sess *session) {
	d.activeMu.Lock()
	if d.active == sess {
		d.active = nil
	}
	d.activeMu.Unlock()
}

func (d *Daemon) getActive() *session {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()
	return d.active
}

// WaitConnected blocks until Run has an active session or ctx is canceled.
// Used by one-off commands (rotate-key) that run Run in the background just
// long enough to send a single operator-triggered frame.
func (d *Daemon) WaitConnected(ctx context.Context) error {
	const pollInterval = 50 * time.Millisecond
	for {
		if d.getActive() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// New constructs a Daemon. stateDir holds the sync high-water-mark file;
// it is typically the same data root as the store and key manager.
func New(cfg config.ClientConfig, authToken string, st *store.Store, keys *keymanager.Manager, aliasFilePath, stateDir string) (*Daemon, error) {
	hw, err := loadHighWaterMarks(stateDir)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		Config:        cfg,
		AuthToken:     authToken,
		Store:         st,
		Keys:          keys,
		AliasFilePath: aliasFilePath,
		StateDir:      stateDir,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		hw:            hw,
	}
	d.Conflicts = conflict.New(st, func(group string) ([]byte, error) {
		key, err := keys.GroupKey(group)
		if err != nil {
			return nil, err
		}
		return key, nil
	})
	return d, nil
}

// Run dials the relay and services one session at a time, reconnecting
// with exponential backoff (base 1s, cap 60s, jitter +-20%) until ctx is
// canceled. It returns nil only when ctx is canceled; any other exit is a
// programmer error in the caller's context handling.
func (d *Daemon) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		ws, err := d.dial(ctx)
		if err != nil {
			log.Printf("syncdaemon: dial %s: %v", d.Config.ServerURL, err)
			if !sleepBackoff(ctx, attempt) {
				return nil
			}
			attempt++
			continue
		}

		attempt = 0
		if err := d.runSession(ctx, ws); err != nil && ctx.Err() == nil {
			log.Printf("syncdaemon: session ended: %v", err)
		}
		_ = d.hw.save()

		if ctx.Err() != nil {
			return nil
		}
		if !sleepBackoff(ctx, attempt) {
			return nil
		}
		attempt++
	}
}

func (d *Daemon) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := toWebSocketURL(d.Config.ServerURL)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.AuthToken)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil {
		defer resp.Body.Close()
	}
	return ws, err
}

func toWebSocketURL(serverURL string) string {
	u := serverURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimSuffix(u, "/") + "/ws"
}

// sleepBackoff waits base*2^attempt, capped, with +-20% jitter, or returns
// false immediately if ctx is canceled first.
func sleepBackoff(ctx context.Context, attempt int) bool {
	delay := backoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= backoffCap {
			delay = backoffCap
			break
		}
	}
	jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(delay))
	delay += jitter
	if delay < 0 {
		delay = 0
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}
