// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

// Package runtime orchestrates plugin lifecycles. The manager drives each
// plugin through registered -> loaded -> active <-> inactive -> unloaded,
// with error reachable from any operational state. Lifecycle transitions
// are serialized per plugin; operations on different plugins run
// concurrently.
package runtime

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/facetlabs/facet/internal/bus"
	"github.com/facetlabs/facet/internal/registry"
	"github.com/facetlabs/facet/internal/resource"
	"github.com/facetlabs/facet/internal/security"
	"github.com/facetlabs/facet/internal/service"
	faceterr "github.com/facetlabs/facet/pkg/errors"
	"github.com/facetlabs/facet/pkg/plugin"
)

// Status is a plugin's lifecycle state as seen by the manager.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusLoaded     Status = "loaded"
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusUnloaded   Status = "unloaded"
	StatusError      Status = "error"
)

// Lifecycle events published on the bus.
const (
	EventRegistered  = "plugin:registered"
	EventLoaded      = "plugin:loaded"
	EventActivated   = "plugin:activated"
	EventDeactivated = "plugin:deactivated"
	EventUnloaded    = "plugin:unloaded"
	EventError       = "plugin:error"
	EventQuarantined = "plugin:quarantined"
)

// DefaultMaxConsecutiveTimeouts is how many execute timeouts in a row the
// manager tolerates before quarantining a plugin into error status.
const DefaultMaxConsecutiveTimeouts = 3

// Record is a snapshot of one plugin's runtime state.
type Record struct {
	Name                string
	Status              Status
	ConsecutiveTimeouts int
	LastError           string
}

type record struct {
	status         Status
	pctx           *plugin.Context
	consecTimeouts int
	lastErr        error
}

// Manager is the plugin lifecycle orchestrator.
type Manager struct {
	registry  *registry.Registry
	security  *security.Manager
	resources *resource.Manager
	bus       *bus.Bus
	services  *service.Registry
	loaders   []Loader

	logger      *slog.Logger
	hostVersion string
	configs     map[string]map[string]any
	quotas      map[string]plugin.ResourceQuota
	maxTimeouts int

	mu      sync.Mutex
	records map[string]*record
	locks   map[string]*sync.Mutex
}

// Option customises manager construction.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithLoader appends a plugin loader. Loaders are consulted in order.
func WithLoader(l Loader) Option {
	return func(m *Manager) { m.loaders = append(m.loaders, l) }
}

// WithPluginConfig sets the configuration snapshot handed to one plugin.
func WithPluginConfig(name string, cfg map[string]any) Option {
	return func(m *Manager) { m.configs[name] = cfg }
}

// WithQuota sets a plugin's resource quota, overriding the defaults.
func WithQuota(name string, q plugin.ResourceQuota) Option {
	return func(m *Manager) { m.quotas[name] = q }
}

// WithMaxConsecutiveTimeouts overrides the quarantine threshold.
func WithMaxConsecutiveTimeouts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxTimeouts = n
		}
	}
}

// NewManager wires the lifecycle orchestrator to its collaborators.
func NewManager(reg *registry.Registry, sec *security.Manager, res *resource.Manager,
	eventBus *bus.Bus, services *service.Registry, hostVersion string, opts ...Option) *Manager {
	m := &Manager{
		registry:    reg,
		security:    sec,
		resources:   res,
		bus:         eventBus,
		services:    services,
		logger:      slog.Default(),
		hostVersion: hostVersion,
		configs:     make(map[string]map[string]any),
		quotas:      make(map[string]plugin.ResourceQuota),
		maxTimeouts: DefaultMaxConsecutiveTimeouts,
		records:     make(map[string]*record),
		locks:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// pluginLock returns the serialization lock for one plugin's lifecycle.
func (m *Manager) pluginLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// Register validates a manifest through the security layer, admits it into
// the registry, and creates the plugin's runtime record.
func (m *Manager) Register(ctx context.Context, manifest *plugin.Manifest) error {
	if err := m.security.Validate(ctx, manifest); err != nil {
		return err
	}
	if err := m.registry.Register(manifest); err != nil {
		m.security.Revoke(manifest.Name)
		return err
	}

	m.mu.Lock()
	m.records[manifest.Name] = &record{status: StatusRegistered}
	m.mu.Unlock()

	m.logger.Info("plugin registered",
		slog.String("plugin", manifest.Name),
		slog.String("version", manifest.Version))
	m.bus.Publish(ctx, EventRegistered, map[string]any{
		"plugin":  manifest.Name,
		"version": manifest.Version,
	})
	return nil
}

// Unregister removes an unloaded plugin from the registry and revokes its
// grants.
func (m *Manager) Unregister(ctx context.Context, name string) error {
	lock := m.pluginLock(name)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.record(name)
	if err != nil {
		return err
	}
	if rec.status != StatusRegistered && rec.status != StatusUnloaded {
		return faceterr.Errorf(faceterr.CodeRuntimeStatusInvalid,
			"plugin %q must be unloaded before unregistering, status is %s", name, rec.status)
	}

	if err := m.registry.Unregister(name); err != nil {
		return err
	}
	m.security.Revoke(name)

	m.mu.Lock()
	delete(m.records, name)
	m.mu.Unlock()
	return nil
}

// Load initializes a plugin inside a fresh sandbox. Loading an already
// loaded (or active, or inactive) plugin is a no-op: the existing instance
// is kept and its Initialize hook is not run again.
func (m *Manager) Load(ctx context.Context, name string) error {
	lock := m.pluginLock(name)
	lock.Lock()
	defer lock.Unlock()
	return m.loadLocked(ctx, name)
}

func (m *Manager) loadLocked(ctx context.Context, name string) error {
	rec, err := m.record(name)
	if err != nil {
		return err
	}

	switch rec.status {
	case StatusLoaded, StatusActive, StatusInactive:
		return nil // idempotent
	case StatusError:
		return faceterr.Errorf(faceterr.CodeRuntimeStatusInvalid,
			"plugin %q is in error status; unload it before reloading", name)
	case StatusRegistered, StatusUnloaded:
	default:
		return faceterr.Errorf(faceterr.CodeRuntimeStatusInvalid,
			"plugin %q cannot load from status %s", name, rec.status)
	}

	if err := m.spawn(ctx, name, rec); err != nil {
		m.fail(ctx, name, rec, err)
		return err
	}

	m.setStatus(rec, StatusLoaded)
	m.logger.Info("plugin loaded", slog.String("plugin", name))
	m.bus.Publish(ctx, EventLoaded, map[string]any{"plugin": name})
	return nil
}

// spawn builds a plugin context, loads the program, and initializes it in a
// new sandbox.
func (m *Manager) spawn(ctx context.Context, name string, rec *record) error {
	manifest, err := m.registry.Get(name)
	if err != nil {
		return err
	}

	grants, err := m.security.Grants(name)
	if err != nil {
		return err
	}

	quota := resource.ApplyDefaults(m.quotas[name])
	pctx := &plugin.Context{
		PluginName:  name,
		HostVersion: m.hostVersion,
		Services:    m.services.For(name, service.PermissionsFromGrants(grants)),
		Events:      &busPublisher{bus: m.bus, plugin: name},
		Logger:      m.logger.With(slog.String("plugin", name)),
		Config:      m.configs[name],
		Quota:       quota,
	}

	loader := m.loaderFor(manifest.EntryPoint)
	if loader == nil {
		return faceterr.Errorf(faceterr.CodeSandboxLoadFailure,
			"no loader handles entry point %q", manifest.EntryPoint)
	}

	program, err := loader.Load(ctx, manifest, pctx)
	if err != nil {
		return err
	}

	if _, err := m.security.CreateSandbox(ctx, name, quota, program); err != nil {
		return err
	}

	rec.pctx = pctx
	return nil
}

func (m *Manager) loaderFor(entryPoint string) Loader {
	for _, l := range m.loaders {
		if l.Supports(entryPoint) {
			return l
		}
	}
	return nil
}

// Activate brings a plugin to active status, loading it first if needed.
// Resources are allocated before the activation hook runs; if the hook
// fails, the allocation is released before the error surfaces.
func (m *Manager) Activate(ctx context.Context, name string) error {
	lock := m.pluginLock(name)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.record(name)
	if err != nil {
		return err
	}
	if rec.status == StatusActive {
		return nil
	}

	if rec.status == StatusRegistered || rec.status == StatusUnloaded {
		if err := m.loadLocked(ctx, name); err != nil {
			return err
		}
	}
	if rec.status == StatusError {
		return faceterr.Errorf(faceterr.CodeRuntimeStatusInvalid,
			"plugin %q is in error status; unload it before reactivating", name)
	}

	quota, err := m.resources.Allocate(name, m.quotas[name])
	if err != nil {
		return err
	}

	// Reactivation from inactive gets a fresh sandbox; the previous one
	// was destroyed on deactivation.
	if _, sbErr := m.security.Sandbox(name); sbErr != nil {
		if err := m.spawn(ctx, name, rec); err != nil {
			m.resources.Release(name)
			m.fail(ctx, name, rec, err)
			return err
		}
	}

	sb, err := m.security.Sandbox(name)
	if err != nil {
		m.resources.Release(name)
		return err
	}

	if _, err := sb.Execute(ctx, hookActivate, nil); err != nil {
		m.resources.Release(name)
		m.security.DestroySandbox(ctx, name)
		m.fail(ctx, name, rec, err)
		return faceterr.Wrapf(err, faceterr.CodeRuntimeHookFailure,
			"activating plugin %q", name)
	}

	rec.pctx.Quota = quota
	rec.consecTimeouts = 0
	m.setStatus(rec, StatusActive)
	m.logger.Info("plugin activated", slog.String("plugin", name))
	m.bus.Publish(ctx, EventActivated, map[string]any{"plugin": name})
	return nil
}

// Deactivate runs the deactivation hook, releases the plugin's quota, and
// destroys its sandbox. The plugin stays loaded and can be reactivated.
func (m *Manager) Deactivate(ctx context.Context, name string) error {
	lock := m.pluginLock(name)
	lock.Lock()
	defer lock.Unlock()
	return m.deactivateLocked(ctx, name)
}

func (m *Manager) deactivateLocked(ctx context.Context, name string) error {
	rec, err := m.record(name)
	if err != nil {
		return err
	}
	if rec.status == StatusInactive {
		return nil
	}
	if rec.status != StatusActive {
		return faceterr.Errorf(faceterr.CodeRuntimeStatusInvalid,
			"plugin %q cannot deactivate from status %s", name, rec.status)
	}

	var hookErr error
	if sb, sbErr := m.security.Sandbox(name); sbErr == nil {
		if _, err := sb.Execute(ctx, hookDeactivate, nil); err != nil {
			hookErr = err
		}
	}

	// Teardown proceeds regardless of the hook outcome: quota release
	// must never fail the deactivation flow.
	m.resources.Release(name)
	m.security.DestroySandbox(ctx, name)

	if hookErr != nil {
		m.fail(ctx, name, rec, hookErr)
		return faceterr.Wrapf(hookErr, faceterr.CodeRuntimeHookFailure,
			"deactivating plugin %q", name)
	}

	m.setStatus(rec, StatusInactive)
	m.logger.Info("plugin deactivated", slog.String("plugin", name))
	m.bus.Publish(ctx, EventDeactivated, map[string]any{"plugin": name})
	return nil
}

// Unload tears a plugin down completely. Active plugins are deactivated
// first; error plugins are unloaded as the retry path. Unloading an
// unloaded plugin is a no-op.
func (m *Manager) Unload(ctx context.Context, name string) error {
	lock := m.pluginLock(name)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.record(name)
	if err != nil {
		return err
	}

	switch rec.status {
	case StatusUnloaded:
		return nil
	case StatusRegistered:
		return faceterr.Errorf(faceterr.CodeRuntimeStatusInvalid,
			"plugin %q was never loaded", name)
	case StatusActive:
		if err := m.deactivateLocked(ctx, name); err != nil {
			m.logger.Warn("deactivation during unload failed",
				slog.String("plugin", name),
				slog.String("error", err.Error()))
		}
	}

	m.resources.Release(name)
	m.security.DestroySandbox(ctx, name)
	rec.pctx = nil
	rec.consecTimeouts = 0
	rec.lastErr = nil
	m.setStatus(rec, StatusUnloaded)
	m.logger.Info("plugin unloaded", slog.String("plugin", name))
	m.bus.Publish(ctx, EventUnloaded, map[string]any{"plugin": name})
	return nil
}

// Execute dispatches an operation to an active plugin. Host-reserved
// operations are rejected outright; the permission check runs before
// dispatch and the call is wrapped in a resource monitor.
// Plugin errors propagate to the caller unmodified; repeated timeouts
// quarantine the plugin into error status.
func (m *Manager) Execute(ctx context.Context, name, operation string, params map[string]any) (any, error) {
	if strings.HasPrefix(operation, hookPrefix) {
		return nil, faceterr.Errorf(faceterr.CodeSecurityPermissionDenied,
			"operation %q is reserved for the host", operation)
	}

	m.mu.Lock()
	rec, ok := m.records[name]
	if !ok {
		m.mu.Unlock()
		return nil, faceterr.Errorf(faceterr.CodeRuntimePluginNotFound,
			"plugin %q is not registered", name)
	}
	if rec.status != StatusActive {
		status := rec.status
		m.mu.Unlock()
		return nil, faceterr.Errorf(faceterr.CodeRuntimeStatusInvalid,
			"plugin %q is %s, not active", name, status)
	}
	m.mu.Unlock()

	if err := m.security.CheckPermission(ctx, name, operation, params); err != nil {
		return nil, err
	}

	sb, err := m.security.Sandbox(name)
	if err != nil {
		return nil, err
	}

	mon := m.resources.StartMonitor(name)
	result, err := sb.Execute(ctx, operation, params)
	mon.Done(0)

	m.noteExecution(ctx, name, rec, err)
	return result, err
}

// noteExecution tracks consecutive timeouts and quarantines a plugin that
// keeps timing out.
func (m *Manager) noteExecution(ctx context.Context, name string, rec *record, err error) {
	if !faceterr.HasCode(err, faceterr.CodeSandboxExecTimeout) {
		if err == nil {
			m.mu.Lock()
			rec.consecTimeouts = 0
			m.mu.Unlock()
		}
		return
	}

	m.mu.Lock()
	rec.consecTimeouts++
	quarantine := rec.consecTimeouts >= m.maxTimeouts
	count := rec.consecTimeouts
	m.mu.Unlock()

	if !quarantine {
		return
	}

	m.logger.Warn("quarantining plugin after repeated timeouts",
		slog.String("plugin", name),
		slog.Int("consecutive_timeouts", count))
	m.resources.Release(name)
	m.security.DestroySandbox(ctx, name)
	m.fail(ctx, name, rec, err)
	m.bus.Publish(ctx, EventQuarantined, map[string]any{
		"plugin":   name,
		"timeouts": count,
	})
}

// ActivateAll loads and activates every registered plugin in dependency
// order, logging and skipping failures rather than aborting.
func (m *Manager) ActivateAll(ctx context.Context) error {
	order, err := m.registry.LoadOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		if err := m.Activate(ctx, name); err != nil {
			m.logger.Warn("skipping plugin that failed to activate",
				slog.String("plugin", name),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Status returns a snapshot of one plugin's record.
func (m *Manager) Status(name string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[name]
	if !ok {
		return Record{}, faceterr.Errorf(faceterr.CodeRuntimePluginNotFound,
			"plugin %q is not registered", name)
	}
	return m.snapshot(name, rec), nil
}

// Records returns snapshots for every known plugin, sorted by name.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.records))
	for name, rec := range m.records {
		out = append(out, m.snapshot(name, rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) snapshot(name string, rec *record) Record {
	r := Record{
		Name:                name,
		Status:              rec.status,
		ConsecutiveTimeouts: rec.consecTimeouts,
	}
	if rec.lastErr != nil {
		r.LastError = rec.lastErr.Error()
	}
	return r
}

func (m *Manager) record(name string) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[name]
	if !ok {
		return nil, faceterr.Errorf(faceterr.CodeRuntimePluginNotFound,
			"plugin %q is not registered", name)
	}
	return rec, nil
}

func (m *Manager) setStatus(rec *record, status Status) {
	m.mu.Lock()
	rec.status = status
	m.mu.Unlock()
}

func (m *Manager) fail(ctx context.Context, name string, rec *record, err error) {
	m.mu.Lock()
	rec.status = StatusError
	rec.lastErr = err
	m.mu.Unlock()

	m.bus.Publish(ctx, EventError, map[string]any{
		"plugin": name,
		"error":  err.Error(),
	})
}
