// Package config loads the concierge configuration from a YAML file with
// environment-variable overrides (CONCIERGE_* vars win over the file).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by all processes.
type Config struct {
	LogLevel     string             `yaml:"log_level" env:"CONCIERGE_LOG_LEVEL"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Broker       BrokerConfig       `yaml:"broker"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Audit        AuditConfig        `yaml:"audit"`
	Schedule     []TriggerConfig    `yaml:"schedule"`
}

// GatewayConfig configures the HTTP API server. URL is the base address
// other processes use to reach the gateway (result relay); it defaults to
// host:port over plain http.
type GatewayConfig struct {
	Host   string `yaml:"host" env:"CONCIERGE_GATEWAY_HOST"`
	Port   int    `yaml:"port" env:"CONCIERGE_GATEWAY_PORT"`
	APIKey string `yaml:"api_key" env:"CONCIERGE_API_KEY"`
	URL    string `yaml:"url" env:"CONCIERGE_GATEWAY_URL"`
}

// BrokerConfig configures the distributed queue backend. An empty URL
// means local mode: the in-process priority queue handles everything.
type BrokerConfig struct {
	URL      string `yaml:"url" env:"CONCIERGE_BROKER_URL"`
	Queue    string `yaml:"queue" env:"CONCIERGE_BROKER_QUEUE"`
	Prefetch int    `yaml:"prefetch" env:"CONCIERGE_BROKER_PREFETCH"`
}

// CoordinationConfig configures the shared store for reload flags and the
// kill switch. An empty path means an in-memory store (single process).
type CoordinationConfig struct {
	Path         string        `yaml:"path" env:"CONCIERGE_COORDINATION_PATH"`
	PollInterval time.Duration `yaml:"poll_interval" env:"CONCIERGE_COORDINATION_POLL_INTERVAL"`
}

// DispatchConfig tunes the dispatch pipeline.
type DispatchConfig struct {
	DedupWindow     time.Duration `yaml:"dedup_window" env:"CONCIERGE_DEDUP_WINDOW"`
	MaxPending      int           `yaml:"max_pending" env:"CONCIERGE_MAX_PENDING"`
	DefaultIdentity string        `yaml:"default_identity" env:"CONCIERGE_DEFAULT_IDENTITY"`
}

// AuditConfig configures the audit sink.
type AuditConfig struct {
	Path string `yaml:"path" env:"CONCIERGE_AUDIT_PATH"`
}

// TriggerConfig declares one recurring schedule trigger.
type TriggerConfig struct {
	Name    string            `yaml:"name"`
	Cron    string            `yaml:"cron"`
	Intent  string            `yaml:"intent"`
	Context map[string]string `yaml:"context"`
}

// DefaultConfig returns a configuration that works with no file at all:
// local queue, in-memory coordination, audit in the working directory.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8790,
		},
		Broker: BrokerConfig{
			Queue:    "concierge.dispatch",
			Prefetch: 1,
		},
		Coordination: CoordinationConfig{
			PollInterval: 2 * time.Second,
		},
		Dispatch: DispatchConfig{
			DedupWindow:     time.Minute,
			MaxPending:      1024,
			DefaultIdentity: "default",
		},
		Audit: AuditConfig{
			Path: "concierge-audit.db",
		},
	}
}

// Load reads the YAML file at path (missing file is fine) and applies
// environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	if cfg.Dispatch.MaxPending <= 0 {
		cfg.Dispatch.MaxPending = 1024
	}
	if cfg.Dispatch.DedupWindow <= 0 {
		cfg.Dispatch.DedupWindow = time.Minute
	}
	if cfg.Coordination.PollInterval <= 0 {
		cfg.Coordination.PollInterval = 2 * time.Second
	}
	if cfg.Broker.Prefetch <= 0 {
		cfg.Broker.Prefetch = 1
	}

	return cfg, nil
}

// BrokerEnabled reports whether a shared broker is configured. This is the
// deployment-time mode switch: once set, the broker replaces the local
// queue entirely.
func (c *Config) BrokerEnabled() bool {
	return c.Broker.URL != ""
}

// GatewayURL returns the base URL other processes use to reach the
// gateway.
func (c *Config) GatewayURL() string {
	if c.Gateway.URL != "" {
		return c.Gateway.URL
	}
	return fmt.Sprintf("http://%s:%d", c.Gateway.Host, c.Gateway.Port)
}
