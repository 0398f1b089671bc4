// Package config loads the service configuration from a YAML or JSON file
// with optional environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/citycab/dispatch/core/location"
	"github.com/citycab/dispatch/core/metrics"
	"github.com/citycab/dispatch/infra/mqtt"
	"github.com/citycab/dispatch/infra/profile"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `json:"addr"`
}

// AuthConfig holds the token verification settings.
type AuthConfig struct {
	Secret string `json:"secret"`
	Issuer string `json:"issuer"`
}

// DispatchConfig tunes the coordinator.
type DispatchConfig struct {
	LocationThrottleMS int `json:"location_throttle_ms"`
}

// ThrottleInterval resolves the configured throttle window, falling back to
// the default when unset.
func (c DispatchConfig) ThrottleInterval() time.Duration {
	if c.LocationThrottleMS <= 0 {
		return location.DefaultInterval
	}
	return time.Duration(c.LocationThrottleMS) * time.Millisecond
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `json:"level"`
}

// SetDefaults fills in the default log level.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

// Validate checks the log level is one zerolog understands.
func (c LoggingConfig) Validate() error {
	switch c.Level {
	case "trace", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid log level: %s", c.Level)
}

// Config is the root configuration of the dispatch service.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Dispatch DispatchConfig `json:"dispatch"`
	Profiles profile.Config `json:"profiles"`
	Metrics  metrics.Config `json:"metrics"`
	Bridge   mqtt.Config    `json:"bridge"`
	Logging  LoggingConfig  `json:"logging"`
}

// SetDefaults fills in defaults for optional sections.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	c.Logging.SetDefaults()
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	if c.Profiles.Enabled && c.Profiles.DSN == "" {
		return fmt.Errorf("profiles.dsn is required when profiles.enabled")
	}
	if c.Bridge.Enabled && c.Bridge.Broker == "" {
		return fmt.Errorf("bridge.broker is required when bridge.enabled")
	}
	return c.Logging.Validate()
}

// Load reads the configuration file at path. YAML and JSON are supported,
// selected by extension. Environment variables prefixed with CD_ override
// file values, with "__" separating nested keys (CD_SERVER__ADDR).
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("CD_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "cd_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
