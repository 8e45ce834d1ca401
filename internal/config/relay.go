// Package config loads the relay's environment-based configuration and the
// client's config.toml. The relay side mirrors the teacher's
// internal/config/config.go: an Env seam for testability, required values
// fail fast, everything else has a sane default.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// RelayConfig is the relay server's process configuration, sourced from
// environment variables per the design's external-interfaces table.
type RelayConfig struct {
	Port        int
	DataDir     string
	LogLevel    string
	JWTSecret   string
	GinMode     string
	TokenExpiry time.Duration

	// AdvertiseURL, if set, is broadcast over multicast discovery so
	// clients on the same LAN can find this relay without being told its
	// address. Empty disables advertising.
	AdvertiseURL string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadRelayConfig() (RelayConfig, error) {
	return LoadRelayConfigFromEnv(osEnv{})
}

func LoadRelayConfigFromEnv(env Env) (RelayConfig, error) {
	cfg := RelayConfig{
		Port:     8085,
		DataDir:  "./data",
		LogLevel: "info",
		GinMode:  "release",
	}

	if raw := env.Getenv("SHELL_SYNC_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return RelayConfig{}, fmt.Errorf("invalid SHELL_SYNC_PORT")
		}
		cfg.Port = port
	}

	if raw := env.Getenv("SHELL_SYNC_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}

	if raw := env.Getenv("SHELL_SYNC_LOG"); raw != "" {
		cfg.LogLevel = raw
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.AdvertiseURL = env.Getenv("SHELL_SYNC_ADVERTISE_URL")

	secret, err := loadOrCreateJWTSecret(cfg.DataDir)
	if err != nil {
		return RelayConfig{}, fmt.Errorf("jwt secret: %w", err)
	}
	cfg.JWTSecret = secret

	cfg.TokenExpiry = 0 // machine tokens do not expire; revocation is the lifecycle (spec.md Machine invariant)

	return cfg, nil
}

// loadOrCreateJWTSecret reads the relay's signing secret from
// <dataDir>/relay.secret, generating and persisting a random one on first
// run. Unlike the teacher's MASTER_SECRET (an operator-supplied env var),
// the relay has no equivalent human-facing secret to require, so it mints
// its own the way the key manager mints a machine identity keypair.
func loadOrCreateJWTSecret(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "relay.secret")

	if data, err := os.ReadFile(path); err == nil {
		return string(data), nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	secret := hex.EncodeToString(raw)

	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return "", err
	}
	return secret, nil
}
