// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

// Package security is the gatekeeper between manifests and isolated
// execution. It screens manifests for injection markers, owns the
// permission grants resolved at registration, answers permission checks
// against a fixed operation table, and creates and destroys the per-plugin
// sandboxes. Every permission check, allowed or denied, lands in the
// append-only audit log.
package security

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/facetlabs/facet/internal/sandbox"
	"github.com/facetlabs/facet/internal/store"
	faceterr "github.com/facetlabs/facet/pkg/errors"
	"github.com/facetlabs/facet/pkg/plugin"
)

// injectionMarkers are substrings that have no business in a declarative
// manifest. Matching is case-insensitive over every string field.
var injectionMarkers = []string{
	"<script",
	"javascript:",
	"eval(",
	"require(",
	"import(",
	"__proto__",
	"process.env",
	"child_process",
}

// operationPermissions is the fixed operation -> required permission table.
// Operations not listed here fall back to parsing "<resource>.<access>";
// anything else requires core execute (fail closed).
var operationPermissions = map[string]plugin.Permission{
	"data.query":     {Resource: plugin.ResourceData, Access: plugin.AccessRead},
	"data.read":      {Resource: plugin.ResourceData, Access: plugin.AccessRead},
	"data.write":     {Resource: plugin.ResourceData, Access: plugin.AccessWrite},
	"data.transform": {Resource: plugin.ResourceData, Access: plugin.AccessExecute},
	"storage.get":    {Resource: plugin.ResourceStorage, Access: plugin.AccessRead},
	"storage.set":    {Resource: plugin.ResourceStorage, Access: plugin.AccessWrite},
	"storage.delete": {Resource: plugin.ResourceStorage, Access: plugin.AccessWrite},
	"network.fetch":  {Resource: plugin.ResourceNetwork, Access: plugin.AccessExecute},
	"ui.render":      {Resource: plugin.ResourceUI, Access: plugin.AccessWrite},
	"ui.notify":      {Resource: plugin.ResourceUI, Access: plugin.AccessWrite},
	"config.read":    {Resource: plugin.ResourceCore, Access: plugin.AccessRead},
	"metrics.read":   {Resource: plugin.ResourceCore, Access: plugin.AccessRead},
	"core.execute":   {Resource: plugin.ResourceCore, Access: plugin.AccessExecute},
}

// RequiredPermission resolves the permission an operation demands.
func RequiredPermission(operation string) plugin.Permission {
	if p, ok := operationPermissions[operation]; ok {
		return p
	}
	if res, acc, ok := strings.Cut(operation, "."); ok {
		p := plugin.Permission{Resource: plugin.Resource(res), Access: plugin.Access(acc)}
		if p.Valid() {
			return p
		}
	}
	return plugin.Permission{Resource: plugin.ResourceCore, Access: plugin.AccessExecute}
}

// Manager owns permission grants and sandboxes.
type Manager struct {
	mu        sync.RWMutex
	grants    map[string][]plugin.Permission
	sandboxes map[string]*sandbox.Sandbox

	audit       store.AuditStore
	logger      *slog.Logger
	initTimeout time.Duration
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

// WithInitTimeout overrides the sandbox initialization timeout.
func WithInitTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.initTimeout = d
		}
	}
}

// NewManager creates a security manager writing to the given audit store.
func NewManager(audit store.AuditStore, opts ...Option) *Manager {
	m := &Manager{
		grants:      make(map[string][]plugin.Permission),
		sandboxes:   make(map[string]*sandbox.Sandbox),
		audit:       audit,
		logger:      slog.Default(),
		initTimeout: sandbox.DefaultInitTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Validate screens a manifest's string fields for injection markers and its
// permissions for enum shape, then records the plugin's grants. A plugin
// that fails validation is never granted anything.
func (m *Manager) Validate(ctx context.Context, manifest *plugin.Manifest) error {
	if manifest == nil {
		return faceterr.New(faceterr.CodeSecurityValidationFailed, "manifest must not be nil")
	}

	fields := []string{manifest.Name, manifest.Version, manifest.Description,
		manifest.Author, manifest.EntryPoint}
	for _, dep := range manifest.Dependencies {
		fields = append(fields, dep.Name, dep.Version)
	}

	for _, field := range fields {
		lowered := strings.ToLower(field)
		for _, marker := range injectionMarkers {
			if strings.Contains(lowered, marker) {
				m.record(ctx, manifest.Name, "validate", "", "rejected", map[string]any{
					"marker": marker,
				})
				return faceterr.Errorf(faceterr.CodeSecurityValidationFailed,
					"manifest for %q contains injection marker %q", manifest.Name, marker)
			}
		}
	}

	for _, perm := range manifest.Permissions {
		if !perm.Valid() {
			m.record(ctx, manifest.Name, "validate", "", "rejected", map[string]any{
				"resource": string(perm.Resource),
				"access":   string(perm.Access),
			})
			return faceterr.Errorf(faceterr.CodeSecurityValidationFailed,
				"manifest for %q declares unknown permission %s:%s",
				manifest.Name, perm.Resource, perm.Access)
		}
	}

	m.mu.Lock()
	m.grants[manifest.Name] = append([]plugin.Permission(nil), manifest.Permissions...)
	m.mu.Unlock()

	m.record(ctx, manifest.Name, "validate", "", "accepted", nil)
	return nil
}

// Grants returns the permissions recorded for a plugin.
func (m *Manager) Grants(name string) ([]plugin.Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	grants, ok := m.grants[name]
	if !ok {
		return nil, faceterr.Errorf(faceterr.CodeSecurityGrantNotFound,
			"plugin %q has no recorded grants", name)
	}
	return append([]plugin.Permission(nil), grants...), nil
}

// Revoke drops a plugin's grants. Used on unregister.
func (m *Manager) Revoke(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, name)
}

// CheckPermission verifies that a plugin may perform an operation. A grant
// of execute on a resource satisfies any access check on that resource.
// Every check is audited regardless of outcome.
func (m *Manager) CheckPermission(ctx context.Context, name, operation string, params map[string]any) error {
	required := RequiredPermission(operation)

	m.mu.RLock()
	grants, known := m.grants[name]
	m.mu.RUnlock()

	allowed := false
	if known {
		for _, g := range grants {
			if g.Resource != required.Resource {
				continue
			}
			if g.Access == required.Access || g.Access == plugin.AccessExecute {
				allowed = true
				break
			}
		}
	}

	details := map[string]any{
		"resource": string(required.Resource),
		"access":   string(required.Access),
	}
	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		details["param_keys"] = keys
	}

	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.record(ctx, name, "permission_check", operation, result, details)

	if !allowed {
		return faceterr.Errorf(faceterr.CodeSecurityPermissionDenied,
			"plugin %q lacks %s:%s for operation %q",
			name, required.Resource, required.Access, operation)
	}
	return nil
}

// CreateSandbox builds and initializes an isolated execution context for a
// plugin. The returned sandbox is ready; creation fails if the program does
// not confirm readiness within the initialization timeout.
func (m *Manager) CreateSandbox(ctx context.Context, name string, quota plugin.ResourceQuota, program sandbox.Program) (*sandbox.Sandbox, error) {
	m.mu.Lock()
	if _, ok := m.sandboxes[name]; ok {
		m.mu.Unlock()
		return nil, faceterr.Errorf(faceterr.CodeSandboxStateInvalid,
			"plugin %q already has a sandbox", name)
	}
	sb := sandbox.New(name, quota, program,
		sandbox.WithInitTimeout(m.initTimeout),
		sandbox.WithLogger(m.logger))
	m.sandboxes[name] = sb
	m.mu.Unlock()

	if err := sb.Initialize(ctx); err != nil {
		m.mu.Lock()
		delete(m.sandboxes, name)
		m.mu.Unlock()
		m.record(ctx, name, "sandbox_create", "", "failed", nil)
		return nil, err
	}

	m.record(ctx, name, "sandbox_create", "", "ok", nil)
	return sb, nil
}

// Sandbox returns the live sandbox for a plugin.
func (m *Manager) Sandbox(name string) (*sandbox.Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sb, ok := m.sandboxes[name]
	if !ok {
		return nil, faceterr.Errorf(faceterr.CodeSandboxStateInvalid,
			"plugin %q has no sandbox", name)
	}
	return sb, nil
}

// DestroySandbox tears down a plugin's sandbox. Idempotent: destroying a
// plugin without a sandbox is a no-op.
func (m *Manager) DestroySandbox(ctx context.Context, name string) {
	m.mu.Lock()
	sb, ok := m.sandboxes[name]
	delete(m.sandboxes, name)
	m.mu.Unlock()

	if !ok {
		return
	}
	sb.Destroy(ctx)
	m.record(ctx, name, "sandbox_destroy", "", "ok", nil)
}

// AuditLog queries the audit store.
func (m *Manager) AuditLog(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	return m.audit.Query(ctx, filter)
}

func (m *Manager) record(ctx context.Context, name, action, operation, result string, details map[string]any) {
	entry := &store.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Plugin:    name,
		Action:    action,
		Operation: operation,
		Details:   details,
		Result:    result,
	}
	if err := m.audit.Append(ctx, entry); err != nil {
		// Audit failures must not block the guarded operation.
		m.logger.Error("audit append failed",
			slog.String("plugin", name),
			slog.String("action", action),
			slog.String("error", err.Error()))
	}
}
