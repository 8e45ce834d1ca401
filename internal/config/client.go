package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// ClientConfig is the sync daemon's persisted configuration, config.toml
// under the client's data root.
type ClientConfig struct {
	ServerURL        string   `toml:"server_url"`
	MachineID        string   `toml:"machine_id"`
	Groups           []string `toml:"groups"`
	AutoSync         bool     `toml:"auto_sync"`
	SyncIntervalSecs int      `toml:"sync_interval_secs"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		AutoSync:         true,
		SyncIntervalSecs: 30,
	}
}

// LoadClientConfig reads config.toml at path, or returns defaults if the
// file does not exist (a fresh install enrolls before it has one).
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return ClientConfig{}, err
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// SaveClientConfig writes cfg to path, creating parent directories as
// needed. Called after enrollment to persist the minted machine_id and
// server_url, and after any `groups` change.
func SaveClientConfig(path string, cfg ClientConfig) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// auth_token is not one of config.toml's recognized options; it is bearer
// credential material, so it is kept alongside the key files under mode
// 0600 rather than in the more casually-edited config document.

// LoadAuthToken reads the machine's bearer token from dir/auth_token. A
// missing file returns an empty string, not an error: a fresh install has
// not enrolled yet.
func LoadAuthToken(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "auth_token"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// SaveAuthToken persists the bearer token minted at enrollment.
func SaveAuthToken(dir, token string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "auth_token"), []byte(token), 0o600)
}
