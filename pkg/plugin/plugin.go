// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package plugin

import (
	"context"
	"log/slog"
)

// Plugin is the interface every Facet extension implements. Lifecycle hooks
// are invoked in order: Initialize once per load, then Activate/Deactivate
// pairs, then Cleanup once at unload. Execute is only dispatched while the
// plugin is active, and only after the host's permission check passes.
type Plugin interface {
	Name() string
	Version() string
	Description() string
	Author() string
	Dependencies() []Dependency

	Initialize(ctx context.Context, pctx *Context) error
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	Cleanup(ctx context.Context) error

	Execute(ctx context.Context, operation string, params map[string]any) (any, error)
}

// ServiceCaller invokes host services on behalf of a plugin. Every call is
// permission-checked against the plugin's grants before dispatch.
type ServiceCaller interface {
	Call(ctx context.Context, service, method string, args map[string]any) (any, error)
}

// Publisher is the slice of the event bus a plugin may use.
type Publisher interface {
	Publish(event string, data any)
	Subscribe(event string, handler func(event string, data any)) (unsubscribe func())
}

// Context is the capability bundle handed to a plugin at initialization.
// It is the plugin's only handle onto the host: plugins never receive a
// reference to the manager, the security layer, or other plugins. Created
// once per load, destroyed on unload.
type Context struct {
	PluginName  string
	HostVersion string
	Services    ServiceCaller
	Events      Publisher
	Logger      *slog.Logger
	Config      map[string]any
	Quota       ResourceQuota
}

// DataProcessor is the capability interface for data-processing plugins.
type DataProcessor interface {
	Plugin
	Process(ctx context.Context, dataset string, rows []map[string]any) ([]map[string]any, error)
}

// Visualizer is the capability interface for visualization plugins.
type Visualizer interface {
	Plugin
	Render(ctx context.Context, dataset string, spec map[string]any) (any, error)
}

// Integrator is the capability interface for integration plugins (external
// data sources and sinks).
type Integrator interface {
	Plugin
	Sync(ctx context.Context, direction string) error
}

// Utility is the capability interface for privileged utility plugins.
type Utility interface {
	Plugin
	Run(ctx context.Context, task string, params map[string]any) (any, error)
}
