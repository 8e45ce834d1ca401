// Command shell-syncd is the relay server: it authenticates machines,
// maintains group membership, and durably forwards opaque ciphertext
// between them. Grounded in the teacher's cmd/server/main.go wiring order
// (load config, build store, build token config, build router, run).
package main

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shell-sync/shell-sync/internal/auth"
	"github.com/shell-sync/shell-sync/internal/config"
	"github.com/shell-sync/shell-sync/internal/discovery"
	"github.com/shell-sync/shell-sync/internal/hub"
	"github.com/shell-sync/shell-sync/internal/middleware"
	"github.com/shell-sync/shell-sync/internal/server"
	"github.com/shell-sync/shell-sync/internal/store"
)

func main() {
	cfg, err := config.LoadRelayConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)
	st := store.NewWithOptions(store.Options{Path: filepath.Join(cfg.DataDir, "server.db")})

	tokenCfg := auth.TokenConfig{
		Secret: cfg.JWTSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "shell-sync-relay",
	}

	router := server.NewRouter(server.Deps{
		Store:         st,
		TokenConfig:   tokenCfg,
		Hub:           hub.New(),
		FrameGuard:    middleware.NewFrameGuard(50, 1<<20), // 50 frames/s, 1 MiB/s per machine
		StartedAt:     time.Now(),
		MaxFrameBytes: 256 * 1024,
	})

	if cfg.AdvertiseURL != "" {
		adv, err := discovery.StartAdvertiser(discovery.Record{ServerURL: cfg.AdvertiseURL, RelayID: uuid.NewString()}, 0)
		if err != nil {
			log.Printf("shell-syncd: discovery advertiser disabled: %v", err)
		} else {
			defer adv.Close()
		}
	}

	log.Printf("shell-syncd listening on %s (data dir %s)", fmt.Sprintf(":%d", cfg.Port), cfg.DataDir)
	log.Fatal(server.Run(cfg, router))
}
