// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

// Package sysinfo is a builtin system plugin reporting host runtime
// information. It ships with every Facet host and doubles as a reference
// implementation of the plugin interface.
package sysinfo

import (
	"context"
	"runtime"
	"time"

	faceterr "github.com/facetlabs/facet/pkg/errors"
	"github.com/facetlabs/facet/pkg/plugin"
)

// PluginName is the name the plugin registers under.
const PluginName = "sysinfo"

// Manifest is the plugin's registration document.
func Manifest() *plugin.Manifest {
	return &plugin.Manifest{
		Name:        PluginName,
		Version:     "1.0.0",
		Description: "Reports host runtime information",
		Author:      "Facet Contributors",
		Category:    plugin.CategoryUtility,
		EntryPoint:  "builtin:" + PluginName,
		Permissions: []plugin.Permission{
			{Resource: plugin.ResourceCore, Access: plugin.AccessExecute},
		},
	}
}

// Plugin implements plugin.Utility.
type Plugin struct {
	pctx      *plugin.Context
	activated time.Time
}

// New creates the plugin instance.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string                      { return PluginName }
func (p *Plugin) Version() string                   { return "1.0.0" }
func (p *Plugin) Description() string               { return "Reports host runtime information" }
func (p *Plugin) Author() string                    { return "Facet Contributors" }
func (p *Plugin) Dependencies() []plugin.Dependency { return nil }

func (p *Plugin) Initialize(_ context.Context, pctx *plugin.Context) error {
	p.pctx = pctx
	return nil
}

func (p *Plugin) Activate(context.Context) error {
	p.activated = time.Now()
	if p.pctx != nil {
		p.pctx.Events.Publish("sysinfo:ready", nil)
	}
	return nil
}

func (p *Plugin) Deactivate(context.Context) error { return nil }
func (p *Plugin) Cleanup(context.Context) error    { return nil }

func (p *Plugin) Execute(ctx context.Context, operation string, params map[string]any) (any, error) {
	switch operation {
	case "utility.info":
		return p.Run(ctx, "info", params)
	case "utility.uptime":
		return p.Run(ctx, "uptime", params)
	default:
		return nil, faceterr.Errorf(faceterr.CodeServiceMethodNotFound,
			"sysinfo does not implement operation %q", operation)
	}
}

// Run implements the utility capability.
func (p *Plugin) Run(_ context.Context, task string, _ map[string]any) (any, error) {
	switch task {
	case "info":
		return map[string]any{
			"os":           runtime.GOOS,
			"arch":         runtime.GOARCH,
			"cpus":         runtime.NumCPU(),
			"goroutines":   runtime.NumGoroutine(),
			"go_version":   runtime.Version(),
			"host_version": p.hostVersion(),
		}, nil
	case "uptime":
		if p.activated.IsZero() {
			return map[string]any{"uptime_ms": 0}, nil
		}
		return map[string]any{"uptime_ms": time.Since(p.activated).Milliseconds()}, nil
	default:
		return nil, faceterr.Errorf(faceterr.CodeServiceMethodNotFound,
			"sysinfo does not implement task %q", task)
	}
}

func (p *Plugin) hostVersion() string {
	if p.pctx == nil {
		return ""
	}
	return p.pctx.HostVersion
}

var _ plugin.Utility = (*Plugin)(nil)
