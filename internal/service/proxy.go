// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

// Package service exposes host capabilities to plugins through a
// permission-checked proxy. The host registers named services as method
// maps; each plugin receives a proxy scoped to exactly the permission
// strings it was granted.
//
// Permission strings form a closed grammar: "<service>.<method>" grants one
// method, "<service>.*" grants a whole service, and "*" grants everything.
// Matching is deliberately a plain string comparison, not a pattern engine.
package service

import (
	"context"
	"sort"
	"sync"

	faceterr "github.com/facetlabs/facet/pkg/errors"
	"github.com/facetlabs/facet/pkg/plugin"
)

// Method is one host-provided service method.
type Method func(ctx context.Context, args map[string]any) (any, error)

// Registry holds the host's registered services.
type Registry struct {
	mu       sync.RWMutex
	services map[string]map[string]Method
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]map[string]Method)}
}

// Register installs a service's method map, replacing any previous
// registration under the same name.
func (r *Registry) Register(name string, methods map[string]Method) {
	copied := make(map[string]Method, len(methods))
	for m, fn := range methods {
		copied[m] = fn
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = copied
}

// Services lists registered service names, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.services))
	for name := range r.services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) lookup(service, method string) (Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods, ok := r.services[service]
	if !ok {
		return nil, faceterr.Errorf(faceterr.CodeServiceNotFound,
			"service %q is not registered", service)
	}
	fn, ok := methods[method]
	if !ok {
		return nil, faceterr.Errorf(faceterr.CodeServiceMethodNotFound,
			"service %q has no method %q", service, method)
	}
	return fn, nil
}

// Match reports whether any permission string in perms covers the call.
func Match(perms []string, service, method string) bool {
	exact := service + "." + method
	prefix := service + ".*"
	for _, p := range perms {
		if p == "*" || p == prefix || p == exact {
			return true
		}
	}
	return false
}

// PermissionsFromGrants derives the service permission strings implied by a
// plugin's capability grants. The mapping is method-granular so the proxy is
// scoped to exactly what was granted: data read opens only data.query, data
// write opens data.exec, and data execute opens the whole data service. Core
// read and write open the host's config and metrics surfaces, which expose
// read-only methods; core execute opens everything.
func PermissionsFromGrants(grants []plugin.Permission) []string {
	seen := make(map[string]bool)
	add := func(perms ...string) {
		for _, p := range perms {
			seen[p] = true
		}
	}

	for _, g := range grants {
		switch g.Resource {
		case plugin.ResourceData:
			switch g.Access {
			case plugin.AccessRead:
				add("data.query")
			case plugin.AccessWrite:
				add("data.exec")
			case plugin.AccessExecute:
				add("data.*")
			}
		case plugin.ResourceCore:
			if g.Access == plugin.AccessExecute {
				return []string{"*"}
			}
			add("config.*", "metrics.*")
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Proxy is a plugin-scoped view onto the registry. It implements
// plugin.ServiceCaller.
type Proxy struct {
	registry *Registry
	plugin   string
	perms    []string
}

// For creates a proxy for a plugin limited to the given permission strings.
func (r *Registry) For(pluginName string, perms []string) *Proxy {
	return &Proxy{
		registry: r,
		plugin:   pluginName,
		perms:    append([]string(nil), perms...),
	}
}

// Permissions returns the proxy's permission strings.
func (p *Proxy) Permissions() []string {
	return append([]string(nil), p.perms...)
}

// Call invokes a service method on the plugin's behalf. The permission check
// runs before existence checks so an unauthorized caller cannot probe which
// services exist.
func (p *Proxy) Call(ctx context.Context, service, method string, args map[string]any) (any, error) {
	if !Match(p.perms, service, method) {
		return nil, faceterr.Errorf(faceterr.CodeSecurityPermissionDenied,
			"plugin %q may not call %s.%s", p.plugin, service, method)
	}

	fn, err := p.registry.lookup(service, method)
	if err != nil {
		return nil, err
	}

	result, err := fn(ctx, args)
	if err != nil {
		return nil, faceterr.Wrapf(err, faceterr.CodeServiceCallFailure,
			"call %s.%s for plugin %q", service, method, p.plugin)
	}
	return result, nil
}

var _ plugin.ServiceCaller = (*Proxy)(nil)
