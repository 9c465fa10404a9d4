// Package config loads daemon configuration from an optional YAML file and
// environment variables using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the daemon needs to run.
type Config struct {
	// SocketPath is the IPC rendezvous path subscribers connect to.
	SocketPath string `mapstructure:"socket_path"`
	// DBPath is the SQLite ledger file.
	DBPath string `mapstructure:"db_path"`
	// StatePath is the bbolt sync state file.
	StatePath string `mapstructure:"state_path"`
	// MediaDir is where enrollment images are stored.
	MediaDir string `mapstructure:"media_dir"`

	// RemoteURL is the attendance backend base URL. Empty disables sync.
	RemoteURL string `mapstructure:"remote_url"`
	// DeviceID identifies this edge device to the backend.
	DeviceID string `mapstructure:"device_id"`
	// DeviceSecret signs the backend bearer token. Empty disables auth.
	DeviceSecret string `mapstructure:"device_secret"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `mapstructure:"log_level"`

	// MatchThreshold is the minimum recognition confidence admitted.
	MatchThreshold float64 `mapstructure:"match_threshold"`

	// HeartbeatInterval paces broadcaster heartbeats.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// DrainInterval paces offering unsynced events to the backend.
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	// PollInterval paces pulling remote session and directory state.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// RemoteTimeout bounds every backend request.
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
	// SyncBatchSize bounds one drain batch.
	SyncBatchSize int `mapstructure:"sync_batch_size"`
}

// Load reads the config file at path (optional when empty: defaults plus
// AXON_* environment variables apply).
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("socket_path", "/tmp/axon-attendance.sock")
	v.SetDefault("db_path", "attendance.db")
	v.SetDefault("state_path", "sync-state.db")
	v.SetDefault("media_dir", "enrollment_images")
	v.SetDefault("remote_url", "")
	v.SetDefault("device_id", "")
	v.SetDefault("device_secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("match_threshold", 0.6)
	v.SetDefault("heartbeat_interval", "10s")
	v.SetDefault("drain_interval", "10s")
	v.SetDefault("poll_interval", "30s")
	v.SetDefault("remote_timeout", "15s")
	v.SetDefault("sync_batch_size", 50)

	v.SetEnvPrefix("AXON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.SocketPath == "" {
		return nil, errors.New("config: socket_path must be set")
	}
	if cfg.DBPath == "" {
		return nil, errors.New("config: db_path must be set")
	}
	if cfg.MatchThreshold < 0 || cfg.MatchThreshold > 1 {
		return nil, errors.New("config: match_threshold must be within [0,1]")
	}
	if cfg.RemoteURL != "" && cfg.DeviceID == "" {
		return nil, errors.New("config: device_id must be set when remote_url is configured")
	}

	return &cfg, nil
}
