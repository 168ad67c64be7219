// Package config loads daemon configuration from an optional YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Worker    WorkerConfig    `yaml:"worker"`
	Session   SessionConfig   `yaml:"session"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LogConfig       `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host" envconfig:"AGENTDECK_HOST"`
	Port string `yaml:"port" envconfig:"AGENTDECK_PORT"`
}

// WorkerConfig holds session-worker process configuration.
type WorkerConfig struct {
	// BinPath is the worker executable. Empty means "agentdeck-worker"
	// resolved via PATH, falling back to a sibling of the daemon binary.
	BinPath string `yaml:"bin_path" envconfig:"AGENTDECK_WORKER_BIN"`
}

// SessionConfig bounds session runtime.
type SessionConfig struct {
	TimeoutCeiling time.Duration `yaml:"timeout_ceiling" envconfig:"AGENTDECK_SESSION_TIMEOUT"`
	SweepInterval  time.Duration `yaml:"sweep_interval" envconfig:"AGENTDECK_SWEEP_INTERVAL"`
}

// StorageConfig holds the SQLite datastore location.
type StorageConfig struct {
	Path string `yaml:"path" envconfig:"AGENTDECK_DB"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `yaml:"level" envconfig:"AGENTDECK_LOG_LEVEL"`
	Development bool   `yaml:"development" envconfig:"AGENTDECK_LOG_DEV"`
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `yaml:"requests_per_second" envconfig:"AGENTDECK_RATE_LIMIT_RPS"`
	Burst             int  `yaml:"burst" envconfig:"AGENTDECK_RATE_LIMIT_BURST"`
	Enabled           bool `yaml:"enabled" envconfig:"AGENTDECK_RATE_LIMIT_ENABLED"`
}

// NotifyConfig holds notification routing. An empty webhook URL keeps
// notifications log-only.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" envconfig:"AGENTDECK_NOTIFY_WEBHOOK"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: "7850",
		},
		Session: SessionConfig{
			TimeoutCeiling: 30 * time.Minute,
			SweepInterval:  30 * time.Second,
		},
		Storage: StorageConfig{
			Path: defaultDBPath(),
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
	}
}

// Load starts from defaults, overlays the YAML file at path (if non-empty
// and present), then overlays environment variables.
func Load(path string) (*Config, error) {
	cfg := *Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config from environment: %w", err)
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultDBPath()
	}
	if cfg.Session.TimeoutCeiling <= 0 {
		return nil, fmt.Errorf("session timeout ceiling must be positive, got %s", cfg.Session.TimeoutCeiling)
	}
	if cfg.Session.SweepInterval <= 0 {
		return nil, fmt.Errorf("session sweep interval must be positive, got %s", cfg.Session.SweepInterval)
	}

	return &cfg, nil
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".agentdeck", "config.yaml")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentdeck.db"
	}
	return filepath.Join(home, ".agentdeck", "agentdeck.db")
}
