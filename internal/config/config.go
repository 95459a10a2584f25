// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

// Package config loads layered configuration: built-in defaults, an
// optional YAML file, then CONVOSYNC_ environment variables, with
// precedence ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONVOSYNC_CONFIG"

// DefaultConfigPaths are searched in order when no explicit path is set.
var DefaultConfigPaths = []string{
	"convosync.yaml",
	"/etc/convosync/convosync.yaml",
}

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Store      StoreConfig      `koanf:"store"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Limits     LimitsConfig     `koanf:"limits"`
	Broadcast  BroadcastConfig  `koanf:"broadcast"`
	Log        LogConfig        `koanf:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host                string        `koanf:"host"`
	Port                int           `koanf:"port" validate:"min=1,max=65535"`
	ShutdownTimeout     time.Duration `koanf:"shutdown_timeout"`
	IPRequestsPerMinute int           `koanf:"ip_requests_per_minute" validate:"min=1"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig holds the embedded store settings.
type StoreConfig struct {
	Path               string `koanf:"path" validate:"required"`
	Durability         string `koanf:"durability" validate:"oneof=relaxed strict"`
	MaxTxnRows         int    `koanf:"max_txn_rows" validate:"min=1"`
	SoftThresholdBytes int64  `koanf:"soft_threshold_bytes" validate:"min=1"`
	Compression        bool   `koanf:"compression"`
}

// CheckpointConfig holds checkpoint scheduler settings.
type CheckpointConfig struct {
	Interval     time.Duration `koanf:"interval"`
	PassiveBatch int           `koanf:"passive_batch" validate:"min=1"`
	MaxBlockFor  time.Duration `koanf:"max_block_for"`
	HardFactor   int64         `koanf:"hard_factor" validate:"min=2"`
}

// LimitsConfig holds rate limiting and capacity settings.
type LimitsConfig struct {
	SustainedPerMinute int           `koanf:"sustained_per_minute" validate:"min=1"`
	BurstSize          int           `koanf:"burst_size" validate:"min=1"`
	ConnPerMinute      int           `koanf:"conn_per_minute" validate:"min=1"`
	MaxConnections     int           `koanf:"max_connections"`
	IdleTimeout        time.Duration `koanf:"idle_timeout"`
}

// BroadcastConfig holds fan-out settings.
type BroadcastConfig struct {
	DropPolicy  string `koanf:"drop_policy" validate:"oneof=close drop_lowest"`
	QueueBytes  int    `koanf:"queue_bytes" validate:"min=1024"`
	QueueEvents int    `koanf:"queue_events" validate:"min=1"`
	BusBuffer   int64  `koanf:"bus_buffer" validate:"min=1"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8391,
			ShutdownTimeout:     10 * time.Second,
			IPRequestsPerMinute: 300,
		},
		Store: StoreConfig{
			Path:               "./data/convosync",
			Durability:         "relaxed",
			MaxTxnRows:         10000,
			SoftThresholdBytes: 16 * 1024 * 1024,
			Compression:        true,
		},
		Checkpoint: CheckpointConfig{
			Interval:     30 * time.Second,
			PassiveBatch: 1000,
			MaxBlockFor:  2 * time.Second,
			HardFactor:   5,
		},
		Limits: LimitsConfig{
			SustainedPerMinute: 120,
			BurstSize:          20,
			ConnPerMinute:      10,
			MaxConnections:     10000,
			IdleTimeout:        5 * time.Minute,
		},
		Broadcast: BroadcastConfig{
			DropPolicy:  "close",
			QueueBytes:  1024 * 1024,
			QueueEvents: 256,
			BusBuffer:   1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the optional config file,
// and environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("CONVOSYNC_", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field consistency.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return err
	}
	if c.Checkpoint.MaxBlockFor <= 0 {
		return fmt.Errorf("checkpoint.max_block_for must be positive")
	}
	if c.Limits.IdleTimeout <= 0 {
		return fmt.Errorf("limits.idle_timeout must be positive")
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps CONVOSYNC_ environment variables to config paths.
//
// Examples:
//   - CONVOSYNC_SERVER_PORT -> server.port
//   - CONVOSYNC_STORE_PATH -> store.path
//   - CONVOSYNC_LIMITS_BURST_SIZE -> limits.burst_size
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "CONVOSYNC_"))

	mappings := map[string]string{
		"server_host":                   "server.host",
		"server_port":                   "server.port",
		"server_shutdown_timeout":       "server.shutdown_timeout",
		"server_ip_requests_per_minute": "server.ip_requests_per_minute",

		"store_path":                 "store.path",
		"store_durability":           "store.durability",
		"store_max_txn_rows":         "store.max_txn_rows",
		"store_soft_threshold_bytes": "store.soft_threshold_bytes",
		"store_compression":          "store.compression",

		"checkpoint_interval":      "checkpoint.interval",
		"checkpoint_passive_batch": "checkpoint.passive_batch",
		"checkpoint_max_block_for": "checkpoint.max_block_for",
		"checkpoint_hard_factor":   "checkpoint.hard_factor",

		"limits_sustained_per_minute": "limits.sustained_per_minute",
		"limits_burst_size":           "limits.burst_size",
		"limits_conn_per_minute":      "limits.conn_per_minute",
		"limits_max_connections":      "limits.max_connections",
		"limits_idle_timeout":         "limits.idle_timeout",

		"broadcast_drop_policy":  "broadcast.drop_policy",
		"broadcast_queue_bytes":  "broadcast.queue_bytes",
		"broadcast_queue_events": "broadcast.queue_events",
		"broadcast_bus_buffer":   "broadcast.bus_buffer",

		"log_level":  "log.level",
		"log_format": "log.format",
	}
	if mapped, ok := mappings[key]; ok {
		return mapped
	}
	return strings.ReplaceAll(key, "_", ".")
}
