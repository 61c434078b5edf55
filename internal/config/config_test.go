// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetlabs/facet/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, "127.0.0.1:8732", cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Audit.Backend)
	assert.Equal(t, "1Gi", cfg.Plugins.MemoryCeiling)
	assert.Equal(t, 3, cfg.Plugins.MaxConsecutiveTimeouts)
	assert.Equal(t, 1000, cfg.Events.HistorySize)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facet.yaml")
	doc := `
server:
  listen: "0.0.0.0:9000"
audit:
  backend: memory
quotas:
  csv-import:
    memory_limit: 256Mi
    timeout_ms: 2000
    network_allowed: true
plugin_config:
  csv-import:
    delimiter: ";"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "memory", cfg.Audit.Backend)
	assert.Equal(t, "256Mi", cfg.Quotas["csv-import"].MemoryLimit)
	assert.Equal(t, 2000, cfg.Quotas["csv-import"].TimeoutMs)
	assert.True(t, cfg.Quotas["csv-import"].NetworkAllowed)
	assert.Equal(t, ";", cfg.Configs["csv-import"]["delimiter"])
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FACET_LOGGING_LEVEL", "debug")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "bad listen",
			mutate:  func(c *config.Config) { c.Server.Listen = "no-port" },
			wantErr: "server.listen",
		},
		{
			name:    "bad audit backend",
			mutate:  func(c *config.Config) { c.Audit.Backend = "bolt" },
			wantErr: "audit.backend",
		},
		{
			name:    "bad memory ceiling",
			mutate:  func(c *config.Config) { c.Plugins.MemoryCeiling = "lots" },
			wantErr: "memory_ceiling",
		},
		{
			name:    "zero history",
			mutate:  func(c *config.Config) { c.Events.HistorySize = 0 },
			wantErr: "history_size",
		},
		{
			name:    "bad log level",
			mutate:  func(c *config.Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name: "bad quota memory",
			mutate: func(c *config.Config) {
				c.Quotas = map[string]config.QuotaConfig{"p": {MemoryLimit: "heap"}}
			},
			wantErr: "quotas.p.memory_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load("")
			require.NoError(t, err)

			tt.mutate(cfg)
			errs := cfg.Validate()
			require.NotEmpty(t, errs)

			found := false
			for _, e := range errs {
				if strings.Contains(e.Error(), tt.wantErr) {
					found = true
				}
			}
			assert.True(t, found, "expected an error mentioning %q", tt.wantErr)
		})
	}
}
