package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("YAS_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.RelayURL != DefaultRelayURL {
		t.Fatalf("expected default relay url %q, got %q", DefaultRelayURL, firstCfg.RelayURL)
	}
	if firstCfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected default chunk size %d, got %d", DefaultChunkSize, firstCfg.ChunkSize)
	}
	if firstCfg.MaxFileSize != DefaultMaxFileSize {
		t.Fatalf("expected default max file size %d, got %d", DefaultMaxFileSize, firstCfg.MaxFileSize)
	}
	if firstCfg.ReconnectAttempts != 3 || firstCfg.ReconnectDelayMs != 2000 {
		t.Fatalf("unexpected retry defaults: %d attempts, %d ms", firstCfg.ReconnectAttempts, firstCfg.ReconnectDelayMs)
	}
	if firstCfg.DownloadDir != filepath.Join(tempDir, "downloads") {
		t.Fatalf("unexpected download dir: %q", firstCfg.DownloadDir)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceName != firstCfg.DeviceName {
		t.Fatalf("expected stable device name, got %q then %q", firstCfg.DeviceName, secondCfg.DeviceName)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("YAS_DATA_DIR", tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &Config{
		RelayURL:   "wss://example.test/ws",
		DeviceName: "My Phone",
	}
	cfgPath := filepath.Join(tempDir, "config.json")
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.RelayURL != "wss://example.test/ws" {
		t.Fatalf("expected user relay url to be retained, got %q", cfg.RelayURL)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected chunk size to be normalized, got %d", cfg.ChunkSize)
	}
	if cfg.HealthIntervalSec != 5 || cfg.PingTimeoutSec != 3 {
		t.Fatalf("expected health defaults, got %d/%d", cfg.HealthIntervalSec, cfg.PingTimeoutSec)
	}
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("YAS_DATA_DIR", tempDir)
	t.Setenv("YAS_RELAY_URL", "wss://override.test/ws")
	t.Setenv("YAS_CHUNK_SIZE", "32768")
	t.Setenv("YAS_RECONNECT_ATTEMPTS", "5")

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.RelayURL != "wss://override.test/ws" {
		t.Fatalf("expected env relay url, got %q", cfg.RelayURL)
	}
	if cfg.ChunkSize != 32768 {
		t.Fatalf("expected env chunk size, got %d", cfg.ChunkSize)
	}
	if cfg.ReconnectAttempts != 5 {
		t.Fatalf("expected env reconnect attempts, got %d", cfg.ReconnectAttempts)
	}

	// Overrides must not leak into the persisted file.
	persisted, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load persisted config failed: %v", err)
	}
	if persisted.RelayURL != DefaultRelayURL {
		t.Fatalf("env override was persisted: %q", persisted.RelayURL)
	}
}
