package config

import (
	"path/filepath"
	"testing"
)

func TestLoadClientConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadClientConfig(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if !cfg.AutoSync || cfg.SyncIntervalSecs != 30 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestSaveAndLoadClientConfig_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg := ClientConfig{ServerURL: "https://relay.example", MachineID: "m1", Groups: []string{"default", "work"}, AutoSync: false, SyncIntervalSecs: 10}

	if err := SaveClientConfig(path, cfg); err != nil {
		t.Fatalf("SaveClientConfig: %v", err)
	}

	got, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if got.ServerURL != cfg.ServerURL || got.MachineID != cfg.MachineID || len(got.Groups) != 2 {
		t.Fatalf("expected round trip, got %+v", got)
	}
}

func TestAuthToken_MissingFileReturnsEmpty(t *testing.T) {
	token, err := LoadAuthToken(t.TempDir())
	if err != nil {
		t.Fatalf("LoadAuthToken: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token, got %q", token)
	}
}

func TestAuthToken_SaveAndLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	if err := SaveAuthToken(dir, "secret-token"); err != nil {
		t.Fatalf("SaveAuthToken: %v", err)
	}
	token, err := LoadAuthToken(dir)
	if err != nil {
		t.Fatalf("LoadAuthToken: %v", err)
	}
	if token != "secret-token" {
		t.Fatalf("expected round trip, got %q", token)
	}
}
