// Package config loads the persistent client settings: a JSON file in the
// OS-aware app data directory, with environment overrides applied on top.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "yas-remote"
	// DefaultRelayURL is the relay WebSocket endpoint.
	DefaultRelayURL = "wss://yas-relay.fly.dev/ws"
	// DefaultChunkSize is the upload chunk size in bytes.
	DefaultChunkSize = 64 * 1024
	// DefaultMaxFileSize is the upload size limit in bytes.
	DefaultMaxFileSize = 100 * 1024 * 1024
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Config contains persistent client settings. Zero values are replaced
// with defaults on load.
type Config struct {
	RelayURL    string `json:"relay_url"`
	DeviceName  string `json:"device_name"`
	DownloadDir string `json:"download_dir"`

	ChunkSize   int   `json:"chunk_size"`
	MaxFileSize int64 `json:"max_file_size"`

	ReconnectAttempts  int `json:"reconnect_attempts"`
	ReconnectDelayMs   int `json:"reconnect_delay_ms"`
	HealthIntervalSec  int `json:"health_interval_sec"`
	PingTimeoutSec     int `json:"ping_timeout_sec"`
	MonitorIntervalSec int `json:"monitor_interval_sec"`
}

// ReconnectDelay returns the configured reconnect delay.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// HealthInterval returns the configured liveness probe cadence.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSec) * time.Second
}

// PingTimeout returns the configured probe answer deadline.
func (c *Config) PingTimeout() time.Duration {
	return time.Duration(c.PingTimeoutSec) * time.Second
}

// MonitorInterval returns the configured metrics polling cadence.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSec) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If YAS_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("YAS_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the
// effective configuration with environment overrides applied. A .env file
// in the working directory is read first if present.
func LoadOrCreate() (*Config, string, error) {
	_ = godotenv.Load()

	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *Config {
	deviceName := "YAS Remote Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	return &Config{
		RelayURL:           DefaultRelayURL,
		DeviceName:         deviceName,
		DownloadDir:        filepath.Join(dataDir, "downloads"),
		ChunkSize:          DefaultChunkSize,
		MaxFileSize:        DefaultMaxFileSize,
		ReconnectAttempts:  3,
		ReconnectDelayMs:   2000,
		HealthIntervalSec:  5,
		PingTimeoutSec:     3,
		MonitorIntervalSec: 3,
	}
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false

	if cfg.RelayURL == "" {
		cfg.RelayURL = DefaultRelayURL
		updated = true
	}
	if cfg.DeviceName == "" {
		deviceName := "YAS Remote Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		updated = true
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
		updated = true
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 3
		updated = true
	}
	if cfg.ReconnectDelayMs <= 0 {
		cfg.ReconnectDelayMs = 2000
		updated = true
	}
	if cfg.HealthIntervalSec <= 0 {
		cfg.HealthIntervalSec = 5
		updated = true
	}
	if cfg.PingTimeoutSec <= 0 {
		cfg.PingTimeoutSec = 3
		updated = true
	}
	if cfg.MonitorIntervalSec <= 0 {
		cfg.MonitorIntervalSec = 3
		updated = true
	}

	return updated
}

// applyEnvOverrides applies YAS_* environment variables on top of the file
// values. Overrides are never written back to disk.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("YAS_RELAY_URL"); v != "" {
		cfg.RelayURL = v
	}
	if v := os.Getenv("YAS_DEVICE_NAME"); v != "" {
		cfg.DeviceName = v
	}
	if v := os.Getenv("YAS_DOWNLOAD_DIR"); v != "" {
		cfg.DownloadDir = v
	}
	if v, ok := envInt("YAS_CHUNK_SIZE"); ok {
		cfg.ChunkSize = v
	}
	if v, ok := envInt("YAS_MAX_FILE_SIZE"); ok {
		cfg.MaxFileSize = int64(v)
	}
	if v, ok := envInt("YAS_RECONNECT_ATTEMPTS"); ok {
		cfg.ReconnectAttempts = v
	}
	if v, ok := envInt("YAS_RECONNECT_DELAY_MS"); ok {
		cfg.ReconnectDelayMs = v
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
