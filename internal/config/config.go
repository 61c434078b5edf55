// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

// Package config loads the host configuration from file, environment, and
// defaults.
package config

import (
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/facetlabs/facet/internal/resource"
	faceterr "github.com/facetlabs/facet/pkg/errors"
)

// Config is the top-level Facet configuration.
type Config struct {
	Server  ServerConfig              `mapstructure:"server"`
	Plugins PluginsConfig             `mapstructure:"plugins"`
	Audit   AuditConfig               `mapstructure:"audit"`
	Engine  EngineConfig              `mapstructure:"engine"`
	Events  EventsConfig              `mapstructure:"events"`
	Logging LoggingConfig             `mapstructure:"logging"`
	Quotas  map[string]QuotaConfig    `mapstructure:"quotas"`
	Configs map[string]map[string]any `mapstructure:"plugin_config"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// PluginsConfig controls discovery and runtime policy.
type PluginsConfig struct {
	Paths                  []string `mapstructure:"paths"`
	WasmDir                string   `mapstructure:"wasm_dir"`
	MemoryCeiling          string   `mapstructure:"memory_ceiling"`
	MaxConsecutiveTimeouts int      `mapstructure:"max_consecutive_timeouts"`
}

// AuditConfig selects the audit log backend.
type AuditConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// EngineConfig locates the analytical database.
type EngineConfig struct {
	Path string `mapstructure:"path"`
}

// EventsConfig sizes the event history ring.
type EventsConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// QuotaConfig is a per-plugin resource quota override.
type QuotaConfig struct {
	MemoryLimit    string `mapstructure:"memory_limit"`
	TimeoutMs      int    `mapstructure:"timeout_ms"`
	NetworkAllowed bool   `mapstructure:"network_allowed"`
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix FACET_).
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8732")
	v.SetDefault("plugins.paths", []string{"./plugins"})
	v.SetDefault("plugins.memory_ceiling", "1Gi")
	v.SetDefault("plugins.max_consecutive_timeouts", 3)
	v.SetDefault("audit.backend", "sqlite")
	v.SetDefault("audit.path", "facet-audit.db")
	v.SetDefault("events.history_size", 1000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Environment
	v.SetEnvPrefix("FACET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// File
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, faceterr.Errorf(faceterr.CodeConfigLoadReadFailure,
				"reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, faceterr.Errorf(faceterr.CodeConfigLoadReadFailure,
			"unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, faceterr.Errorf(faceterr.CodeConfigValidateInvalidValue,
			"validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors, collecting all
// issues rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validatePlugins()...)
	errs = append(errs, c.validateAudit()...)
	errs = append(errs, c.validateEvents()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateQuotas()...)

	return errs
}

func (c *Config) validateServer() []error {
	var errs []error

	if !c.Server.Enabled {
		return nil
	}
	if c.Server.Listen == "" {
		errs = append(errs, faceterr.Errorf(faceterr.CodeConfigValidateInvalidValue,
			"config: server.listen must not be empty"))
		return errs
	}

	_, portStr, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		errs = append(errs, faceterr.Errorf(faceterr.CodeConfigValidateInvalidValue,
			"config: server.listen must be a valid host:port address, got %q: %w",
			c.Server.Listen, err))
		return errs
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		errs = append(errs, faceterr.Errorf(faceterr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be a number, got %q", portStr))
	} else if port < 1 || port > 65535 {
		errs = append(errs, faceterr.Errorf(faceterr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be between 1 and 65535, got %d", port))
	}

	return errs
}

func (c *Config) validatePlugins() []error {
	var errs []error

	if c.Plugins.MemoryCeiling != "" {
		if _, err := resource.ParseMemoryLimit(c.Plugins.MemoryCeiling); err != nil {
			errs = append(errs, faceterr.Errorf(faceterr.CodeConfigValidateInvalidValue,
				"config: plugins.memory_ceiling: %w", err))
		}
	}
	if c.Plugins.MaxConsecutiveTimeouts < 1 {
		errs = append(errs, faceterr.Errorf(faceterr.CodeConfigValidateInvalidValue,
			"config: plugins.max_consecutive_timeouts must be at least 1, got %d",
			c.Plugins.MaxConsecutiveTimeouts))
	}

	return errs
}

func (c *Config) validateAudit() []error {
	var errs []error

	validBackends := map[string]bool{"memory": true, "sqlite": true}
	if !validBackends[c.Audit.Backend] {
		errs = append(errs, faceterr.Errorf(faceterr.CodeConfigValidateInvalidValue,
			"config: audit.backend must be one of [memory, sqlite], got %q", c.Audit.Backend))
	}
	if c.Audit.Backend == "sqlite" && c.Audit.Path == "" {
		errs = append(errs, faceterr.Errorf(faceterr.CodeConfigValidateInvalidValue,
			"config: audit.path must not be empty for the sqlite backend"))
	}

	return errs
}

func (c *Config) validateEvents() []error {
	var errs []error

	if c.Events.HistorySize < 1 {
		errs = append(errs, faceterr.Errorf(faceterr.CodeConfigValidateInvalidValue,
			"config: events.history_size must be at least 1, got %d", c.Events.HistorySize))
	}

	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, faceterr.Errorf(faceterr.CodeConfigValidateInvalidValue,
			"config: logging.level must be one of [debug, info, warn, error], got %q",
			c.Logging.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, faceterr.Errorf(faceterr.CodeConfigValidateInvalidValue,
			"config: logging.format must be one of [text, json], got %q",
			c.Logging.Format))
	}

	return errs
}

func (c *Config) validateQuotas() []error {
	var errs []error

	for name, q := range c.Quotas {
		if q.MemoryLimit != "" {
			if _, err := resource.ParseMemoryLimit(q.MemoryLimit); err != nil {
				errs = append(errs, faceterr.Errorf(faceterr.CodeConfigValidateInvalidValue,
					"config: quotas.%s.memory_limit: %w", name, err))
			}
		}
		if q.TimeoutMs < 0 {
			errs = append(errs, faceterr.Errorf(faceterr.CodeConfigValidateInvalidValue,
				"config: quotas.%s.timeout_ms must not be negative, got %d", name, q.TimeoutMs))
		}
	}

	return errs
}
