// Package config loads the relay's configuration: a JSON file for tunables,
// environment variables for secrets and deploy-time overrides. Env always
// wins over file values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Config is the root configuration for the relay.
type Config struct {
	Relay     RelayConfig     `json:"relay"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Sandbox   SandboxConfig   `json:"sandbox,omitempty"`
	Git       GitConfig       `json:"git,omitempty"`
	Models    []ModelConfig   `json:"models,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	// Encryption is env-only; key material never lives in the file.
	Encryption EncryptionConfig `json:"-"`

	mu sync.RWMutex
}

// RelayConfig configures the listener and connection policy.
type RelayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// RateLimitRPM > 0 enables the per-connection RPC limiter; <= 0 disables.
	RateLimitRPM int `json:"rate_limit_rpm,omitempty"`
	// WSEndpoint is the path clients dial for the session WebSocket.
	WSEndpoint string `json:"ws_endpoint,omitempty"`
	// IdleTickSec is the idle watcher scan interval.
	IdleTickSec int `json:"idle_tick_sec,omitempty"`
	// ActivateTimeoutSec bounds how long activate waits for a usable session.
	ActivateTimeoutSec int `json:"activate_timeout_sec,omitempty"`
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from the file (secret) — env RELAY_POSTGRES_DSN only.
type DatabaseConfig struct {
	// Driver is "sqlite" (default, standalone) or "postgres" (managed).
	Driver      string `json:"driver,omitempty"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
}

// SandboxConfig configures provider-shared host paths and backends.
type SandboxConfig struct {
	StateDir       string `json:"state_dir,omitempty"`
	SecretsBaseDir string `json:"secrets_base_dir,omitempty"`
	// MicroVMSocket enables the microVM backend when set.
	MicroVMSocket string `json:"microvm_socket,omitempty"`
	// DockerDisabled skips registering the Docker backend.
	DockerDisabled bool `json:"docker_disabled,omitempty"`
}

// GitConfig is the identity stamped on sandbox commits.
type GitConfig struct {
	AuthorName  string `json:"author_name,omitempty"`
	AuthorEmail string `json:"author_email,omitempty"`
}

// ModelConfig is one entry of the served model registry.
type ModelConfig struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
}

// TelemetryConfig configures the OTLP trace pipeline.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// EncryptionConfig carries the secret-sealing key. Env only.
type EncryptionConfig struct {
	Key        string
	KeyVersion int
}

// Default returns a Config with standalone defaults.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Host:               "0.0.0.0",
			Port:               8790,
			WSEndpoint:         "/ws",
			RateLimitRPM:       120,
			IdleTickSec:        30,
			ActivateTimeoutSec: 60,
		},
		Database: DatabaseConfig{
			Driver:     "sqlite",
			SQLitePath: defaultSQLitePath(),
		},
		Sandbox: SandboxConfig{
			StateDir:       defaultStateDir(),
			SecretsBaseDir: os.TempDir(),
		},
		Telemetry: TelemetryConfig{
			ServiceName: "pirelay",
			Protocol:    "grpc",
		},
		Encryption: EncryptionConfig{KeyVersion: 1},
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pirelay"
	}
	return filepath.Join(home, ".pirelay")
}

func defaultSQLitePath() string {
	return filepath.Join(defaultStateDir(), "relay.db")
}

// Load reads config from a JSON file (missing file is fine), then overlays
// env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("RELAY_HOST", &c.Relay.Host)
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Relay.Port = port
		}
	}
	envInt("RELAY_RATE_LIMIT_RPM", &c.Relay.RateLimitRPM)

	envStr("RELAY_DB_DRIVER", &c.Database.Driver)
	envStr("RELAY_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("RELAY_POSTGRES_DSN", &c.Database.PostgresDSN)
	if c.Database.PostgresDSN != "" && os.Getenv("RELAY_DB_DRIVER") == "" {
		c.Database.Driver = "postgres"
	}

	envStr("RELAY_STATE_DIR", &c.Sandbox.StateDir)
	envStr("RELAY_SECRETS_DIR", &c.Sandbox.SecretsBaseDir)
	envStr("RELAY_MICROVM_SOCKET", &c.Sandbox.MicroVMSocket)

	envStr("RELAY_GIT_AUTHOR_NAME", &c.Git.AuthorName)
	envStr("RELAY_GIT_AUTHOR_EMAIL", &c.Git.AuthorEmail)

	envStr("RELAY_ENCRYPTION_KEY", &c.Encryption.Key)
	envInt("RELAY_ENCRYPTION_KEY_VERSION", &c.Encryption.KeyVersion)

	envStr("RELAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("RELAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("RELAY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("RELAY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RELAY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// DSN returns the driver name and connection string for the store layer.
func (c *Config) DSN() (driver, dsn string) {
	if c.Database.Driver == "postgres" {
		return "postgres", c.Database.PostgresDSN
	}
	return "sqlite", c.Database.SQLitePath
}

// AllowedOrigins returns a snapshot of the origin whitelist. Hot reload
// swaps it under the write lock.
func (c *Config) AllowedOrigins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.Relay.AllowedOrigins...)
}

// SetAllowedOrigins replaces the origin whitelist (hot reload path).
func (c *Config) SetAllowedOrigins(origins []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Relay.AllowedOrigins = append([]string(nil), origins...)
}
