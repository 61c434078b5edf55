// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

// Package host binds the plugin runtime to the analytics engine. It wires
// the registry, security, resources, event bus, service proxy, and manager
// into one process-scoped object with an explicit lifecycle, registers the
// host service surface, and installs the builtin system plugins.
package host

import (
	"context"
	"log/slog"
	"time"

	"github.com/facetlabs/facet/internal/bus"
	"github.com/facetlabs/facet/internal/config"
	"github.com/facetlabs/facet/internal/engine"
	"github.com/facetlabs/facet/internal/registry"
	"github.com/facetlabs/facet/internal/resource"
	"github.com/facetlabs/facet/internal/runtime"
	"github.com/facetlabs/facet/internal/sandbox/wasm"
	"github.com/facetlabs/facet/internal/security"
	"github.com/facetlabs/facet/internal/service"
	"github.com/facetlabs/facet/internal/store"
	faceterr "github.com/facetlabs/facet/pkg/errors"
	"github.com/facetlabs/facet/pkg/plugin"
	"github.com/facetlabs/facet/plugins/sysinfo"
)

// Version is the host version plugins are gated against.
const Version = "1.0.0"

// Core is the process-scoped plugin subsystem.
type Core struct {
	cfg    *config.Config
	logger *slog.Logger

	audit     store.AuditStore
	engine    *engine.Engine
	bus       *bus.Bus
	registry  *registry.Registry
	security  *security.Manager
	resources *resource.Manager
	services  *service.Registry
	builtin   *runtime.BuiltinLoader
	manager   *runtime.Manager

	started time.Time
}

// New wires the subsystem from configuration. Nothing is discovered or
// activated until Initialize.
func New(cfg *config.Config, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}

	audit, err := store.Open(store.Config{Backend: cfg.Audit.Backend, DSN: cfg.Audit.Path})
	if err != nil {
		return nil, faceterr.Wrap(err, faceterr.CodeHostInitFailure, "opening audit store")
	}

	eng, err := engine.Open(cfg.Engine.Path)
	if err != nil {
		_ = audit.Close()
		return nil, faceterr.Wrap(err, faceterr.CodeHostInitFailure, "opening analytics engine")
	}

	eventBus := bus.New(
		bus.WithHistoryCapacity(cfg.Events.HistorySize),
		bus.WithLogger(logger))

	var resOpts []resource.Option
	if cfg.Plugins.MemoryCeiling != "" {
		ceiling, err := resource.ParseMemoryLimit(cfg.Plugins.MemoryCeiling)
		if err != nil {
			_ = eng.Close()
			_ = audit.Close()
			return nil, faceterr.Wrap(err, faceterr.CodeHostInitFailure, "parsing memory ceiling")
		}
		resOpts = append(resOpts, resource.WithCeiling(ceiling))
	}

	c := &Core{
		cfg:       cfg,
		logger:    logger,
		audit:     audit,
		engine:    eng,
		bus:       eventBus,
		registry:  registry.New(Version),
		security:  security.NewManager(audit, security.WithLogger(logger)),
		resources: resource.NewManager(resOpts...),
		services:  service.NewRegistry(),
		builtin:   runtime.NewBuiltinLoader(),
	}

	c.registerServices()

	managerOpts := []runtime.Option{
		runtime.WithLogger(logger),
		runtime.WithLoader(c.builtin),
		runtime.WithLoader(wasm.NewLoader(cfg.Plugins.WasmDir)),
	}
	if cfg.Plugins.MaxConsecutiveTimeouts > 0 {
		managerOpts = append(managerOpts,
			runtime.WithMaxConsecutiveTimeouts(cfg.Plugins.MaxConsecutiveTimeouts))
	}
	for name, q := range cfg.Quotas {
		quota, err := quotaFromConfig(q)
		if err != nil {
			_ = eng.Close()
			_ = audit.Close()
			return nil, faceterr.Wrapf(err, faceterr.CodeHostInitFailure,
				"quota for plugin %q", name)
		}
		managerOpts = append(managerOpts, runtime.WithQuota(name, quota))
	}
	for name, pluginCfg := range cfg.Configs {
		managerOpts = append(managerOpts, runtime.WithPluginConfig(name, pluginCfg))
	}

	c.manager = runtime.NewManager(c.registry, c.security, c.resources,
		c.bus, c.services, Version, managerOpts...)
	return c, nil
}

func quotaFromConfig(q config.QuotaConfig) (plugin.ResourceQuota, error) {
	out := plugin.ResourceQuota{
		Timeout:        time.Duration(q.TimeoutMs) * time.Millisecond,
		NetworkAllowed: q.NetworkAllowed,
	}
	if q.MemoryLimit != "" {
		limit, err := resource.ParseMemoryLimit(q.MemoryLimit)
		if err != nil {
			return plugin.ResourceQuota{}, err
		}
		out.MemoryLimitBytes = limit
	}
	return out, nil
}

// registerServices installs the host capability surface exposed to plugins
// through the service proxy.
func (c *Core) registerServices() {
	c.services.Register("data", map[string]service.Method{
		"query": func(ctx context.Context, args map[string]any) (any, error) {
			stmt, _ := args["sql"].(string)
			if stmt == "" {
				return nil, faceterr.New(faceterr.CodeServiceCallFailure,
					"data.query requires a sql argument")
			}
			rows, err := c.engine.Query(ctx, stmt)
			if err == nil {
				c.bus.Publish(ctx, "engine:query", map[string]any{"rows": len(rows)})
			}
			return rows, err
		},
		"exec": func(ctx context.Context, args map[string]any) (any, error) {
			stmt, _ := args["sql"].(string)
			if stmt == "" {
				return nil, faceterr.New(faceterr.CodeServiceCallFailure,
					"data.exec requires a sql argument")
			}
			return c.engine.Exec(ctx, stmt)
		},
	})

	c.services.Register("config", map[string]service.Method{
		"get": func(_ context.Context, args map[string]any) (any, error) {
			key, _ := args["key"].(string)
			switch key {
			case "host_version":
				return Version, nil
			case "audit_backend":
				return c.cfg.Audit.Backend, nil
			default:
				return nil, faceterr.Errorf(faceterr.CodeServiceCallFailure,
					"unknown config key %q", key)
			}
		},
	})

	c.services.Register("metrics", map[string]service.Method{
		"usage": func(_ context.Context, args map[string]any) (any, error) {
			if name, ok := args["plugin"].(string); ok && name != "" {
				usage, err := c.resources.Usage(name)
				if err != nil {
					return nil, err
				}
				return usage, nil
			}
			return c.resources.Snapshot(), nil
		},
		"events": func(_ context.Context, _ map[string]any) (any, error) {
			return c.bus.Stats(), nil
		},
	})
}

// Initialize starts the subsystem: builtin system plugins are installed,
// configured locations are scanned for manifests, and everything registered
// is activated in dependency order.
func (c *Core) Initialize(ctx context.Context) error {
	c.started = time.Now()

	c.builtin.Register(sysinfo.PluginName, func() plugin.Plugin { return sysinfo.New() })
	if err := c.manager.Register(ctx, sysinfo.Manifest()); err != nil {
		return faceterr.Wrap(err, faceterr.CodeHostInitFailure, "registering system plugins")
	}

	discovered := c.manager.Discover(ctx, c.cfg.Plugins.Paths)
	c.logger.Info("plugin discovery complete",
		slog.Int("discovered", discovered))

	if err := c.manager.ActivateAll(ctx); err != nil {
		return faceterr.Wrap(err, faceterr.CodeHostInitFailure, "activating plugins")
	}

	c.bus.Publish(ctx, "host:ready", map[string]any{"plugins": len(c.manager.Records())})
	return nil
}

// Close deactivates and unloads every plugin, then releases the engine and
// audit store.
func (c *Core) Close(ctx context.Context) error {
	var errs []error
	for _, rec := range c.manager.Records() {
		switch rec.Status {
		case runtime.StatusActive, runtime.StatusLoaded, runtime.StatusInactive, runtime.StatusError:
			if err := c.manager.Unload(ctx, rec.Name); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := c.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.audit.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return faceterr.Wrap(faceterr.Join(errs...), faceterr.CodeHostCloseFailure,
			"closing plugin subsystem")
	}
	return nil
}

// Manager exposes the lifecycle orchestrator.
func (c *Core) Manager() *runtime.Manager { return c.manager }

// Registry exposes the manifest catalogue.
func (c *Core) Registry() *registry.Registry { return c.registry }

// Bus exposes the event bus.
func (c *Core) Bus() *bus.Bus { return c.bus }

// Resources exposes the resource manager.
func (c *Core) Resources() *resource.Manager { return c.resources }

// Security exposes the security manager.
func (c *Core) Security() *security.Manager { return c.security }

// Builtin exposes the builtin loader so hosts can install more system
// plugins before Initialize.
func (c *Core) Builtin() *runtime.BuiltinLoader { return c.builtin }

// Uptime reports how long the subsystem has been initialized.
func (c *Core) Uptime() time.Duration {
	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}
