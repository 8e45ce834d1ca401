// Command shell-sync-agent is the client sync daemon: it enrolls itself
// with a relay on first run, then keeps a single WebSocket connection open,
// draining the local shell-hook socket and the outbound queues while
// keeping a decrypted alias file in sync. Wiring order mirrors
// cmd/shell-syncd/main.go: load config, build the durable pieces, hand them
// to the long-running component, run until a signal arrives.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/shell-sync/shell-sync/internal/config"
	"github.com/shell-sync/shell-sync/internal/discovery"
	"github.com/shell-sync/shell-sync/internal/keymanager"
	"github.com/shell-sync/shell-sync/internal/model"
	"github.com/shell-sync/shell-sync/internal/socketingest"
	"github.com/shell-sync/shell-sync/internal/store"
	"github.com/shell-sync/shell-sync/internal/syncdaemon"
)

const ingestBufferSize = 4096

func main() {
	dataDir := dataDir()
	cfgPath := filepath.Join(dataDir, "config.toml")

	cfg, err := config.LoadClientConfig(cfgPath)
	if err != nil {
		log.Fatalf("shell-sync-agent: %v", err)
	}

	token, err := config.LoadAuthToken(dataDir)
	if err != nil {
		log.Fatalf("shell-sync-agent: %v", err)
	}

	if token == "" {
		serverURL := os.Getenv("SHELL_SYNC_SERVER_URL")
		if serverURL == "" {
			log.Print("shell-sync-agent: no SHELL_SYNC_SERVER_URL set, browsing for a relay on the LAN")
			rec, err := discovery.Browse(5 * time.Second)
			if err != nil {
				log.Fatalf("shell-sync-agent: not enrolled and no relay found: %v", err)
			}
			serverURL = rec.ServerURL
			log.Printf("shell-sync-agent: found relay %s at %s", rec.RelayID, serverURL)
		}
		cfg.ServerURL = serverURL

		hostname, _ := os.Hostname()
		groups := cfg.Groups
		if len(groups) == 0 {
			groups = []string{"default"}
		}

		machineID, authToken, err := syncdaemon.Enroll(serverURL, hostname, runtime.GOOS, groups)
		if err != nil {
			log.Fatalf("shell-sync-agent: enroll: %v", err)
		}
		cfg.MachineID = machineID
		cfg.Groups = groups
		token = authToken

		if err := config.SaveClientConfig(cfgPath, cfg); err != nil {
			log.Fatalf("shell-sync-agent: %v", err)
		}
		if err := config.SaveAuthToken(dataDir, token); err != nil {
			log.Fatalf("shell-sync-agent: %v", err)
		}
		log.Printf("shell-sync-agent: enrolled as %s (machine %s)", hostname, machineID)
	}

	keys, err := keymanager.Load(filepath.Join(dataDir, "keys"))
	if err != nil {
		log.Fatalf("shell-sync-agent: %v", err)
	}
	defer keys.Close()

	st := store.NewWithOptions(store.Options{Path: filepath.Join(dataDir, "client.db")})

	socketPath := filepath.Join(dataDir, "ingest.sock")
	ingest, err := socketingest.Listen(socketPath, ingestBufferSize)
	if err != nil {
		log.Fatalf("shell-sync-agent: %v", err)
	}
	defer ingest.Close()

	daemon, err := syncdaemon.New(cfg, token, st, keys, aliasFilePath(dataDir), dataDir)
	if err != nil {
		log.Fatalf("shell-sync-agent: %v", err)
	}
	daemon.Ingest = ingest

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(os.Args) > 1 && os.Args[1] == "rotate-key" {
		runRotateKey(ctx, daemon, os.Args[2:])
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "resolve-conflict" {
		runResolveConflict(ctx, daemon, os.Args[2:])
		return
	}

	log.Printf("shell-sync-agent: connecting to %s (groups %v)", cfg.ServerURL, cfg.Groups)
	if err := daemon.Run(ctx); err != nil {
		log.Fatalf("shell-sync-agent: %v", err)
	}
}

// runRotateKey is the operator-triggered rotation entrypoint (spec: "key
// rotation is triggered by an explicit operator action on any member"). It
// brings up the same connection Run would, waits for it to become active,
// performs one rotation, then tears down.
func runRotateKey(ctx context.Context, daemon *syncdaemon.Daemon, args []string) {
	if len(args) != 1 {
		log.Fatalf("shell-sync-agent: usage: shell-sync-agent rotate-key <group>")
	}
	group := args[0]

	runCtx, stopRun := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- daemon.Run(runCtx) }()

	waitCtx, cancelWait := context.WithTimeout(ctx, 30*time.Second)
	err := daemon.WaitConnected(waitCtx)
	cancelWait()
	if err != nil {
		stopRun()
		<-runDone
		log.Fatalf("shell-sync-agent: rotate-key: never connected: %v", err)
	}

	rotateErr := daemon.RotateGroupKey(group)
	stopRun()
	<-runDone
	if rotateErr != nil {
		log.Fatalf("shell-sync-agent: rotate-key: %v", rotateErr)
	}
	log.Printf("shell-sync-agent: rotated key for group %q", group)
}

// runResolveConflict is the operator-triggered conflict resolution
// entrypoint (spec §4.3: the user is shown both sides and picks a winner).
// It brings up the same connection Run would, waits for it to become
// active, resolves the conflict and enqueues the winner for delivery, then
// tears down, mirroring runRotateKey.
func runResolveConflict(ctx context.Context, daemon *syncdaemon.Daemon, args []string) {
	if len(args) != 2 {
		log.Fatalf("shell-sync-agent: usage: shell-sync-agent resolve-conflict <conflict-id> <keep_local|keep_remote>")
	}
	conflictID := args[0]

	var resolution model.Resolution
	switch args[1] {
	case "keep_local":
		resolution = model.ResolutionKeepLocal
	case "keep_remote":
		resolution = model.ResolutionKeepRemote
	default:
		log.Fatalf("shell-sync-agent: resolve-conflict: resolution must be keep_local or keep_remote")
	}

	runCtx, stopRun := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- daemon.Run(runCtx) }()

	waitCtx, cancelWait := context.WithTimeout(ctx, 30*time.Second)
	err := daemon.WaitConnected(waitCtx)
	cancelWait()
	if err != nil {
		stopRun()
		<-runDone
		log.Fatalf("shell-sync-agent: resolve-conflict: never connected: %v", err)
	}

	winner, resolveErr := daemon.ResolveConflict(conflictID, resolution)
	stopRun()
	<-runDone
	if resolveErr != nil {
		log.Fatalf("shell-sync-agent: resolve-conflict: %v", resolveErr)
	}
	log.Printf("shell-sync-agent: resolved conflict %q, %s/%s now at version %d", conflictID, winner.Group, winner.Name, winner.Version)
}

func dataDir() string {
	if dir := os.Getenv("SHELL_SYNC_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shell-sync"
	}
	return filepath.Join(home, ".shell-sync")
}

func aliasFilePath(dataDir string) string {
	if path := os.Getenv("SHELL_SYNC_ALIAS_FILE"); path != "" {
		return path
	}
	return filepath.Join(dataDir, "aliases.sh")
}
