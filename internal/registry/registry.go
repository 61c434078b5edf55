// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

// Package registry tracks validated plugin manifests and resolves the order
// in which plugins may be loaded. Registration is the admission gate: a
// manifest that fails validation, lacks a required dependency, or is
// incompatible with the host never enters the registry.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	faceterr "github.com/facetlabs/facet/pkg/errors"
	"github.com/facetlabs/facet/pkg/plugin"
)

// Entry is a registered plugin manifest with its admission order.
type Entry struct {
	Manifest *plugin.Manifest
	Seq      int // registration sequence, used as the load-order tie break
}

// Registry is the in-memory manifest catalogue.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	nextSeq     int
	hostVersion string
}

// New creates a registry gated on the given host version. An empty host
// version disables the compatibility gate.
func New(hostVersion string) *Registry {
	return &Registry{
		entries:     make(map[string]*Entry),
		hostVersion: hostVersion,
	}
}

// Register admits a manifest. It fails if the manifest is invalid, the name
// is already taken, a required dependency is absent or version-incompatible,
// or the host version falls outside the manifest's compatibility range.
func (r *Registry) Register(m *plugin.Manifest) error {
	if m == nil {
		return faceterr.New(faceterr.CodeRegistryManifestInvalid, "manifest must not be nil")
	}
	if errs := m.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return faceterr.Errorf(faceterr.CodeRegistryManifestInvalid,
			"manifest for %q is invalid: %s", m.Name, strings.Join(msgs, "; "))
	}

	if r.hostVersion != "" && !m.SupportsHost(r.hostVersion) {
		return faceterr.Errorf(faceterr.CodeRegistryHostIncompatible,
			"plugin %q does not support host version %s", m.Name, r.hostVersion)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[m.Name]; ok {
		return faceterr.Errorf(faceterr.CodeRegistryVersionConflict,
			"plugin %q version %s is already registered", m.Name, existing.Manifest.Version)
	}

	for _, dep := range m.Dependencies {
		target, ok := r.entries[dep.Name]
		if !ok {
			if dep.Optional {
				continue
			}
			return faceterr.Errorf(faceterr.CodeRegistryDependencyMissing,
				"plugin %q requires %q which is not registered", m.Name, dep.Name)
		}
		if !plugin.Satisfies(target.Manifest.Version, dep.Version) {
			return faceterr.Errorf(faceterr.CodeRegistryVersionConflict,
				"plugin %q requires %s %s but %s is registered",
				m.Name, dep.Name, dep.Version, target.Manifest.Version)
		}
	}

	// Existing entries are acyclic, so a new cycle must run through this
	// manifest: one of its dependencies transitively depends back on it.
	// Only optional references can point at an unregistered plugin, which
	// is the one way such a back edge arises.
	if cycle := r.cycleThroughLocked(m); len(cycle) > 0 {
		return faceterr.Errorf(faceterr.CodeRegistryDependencyCycle,
			"registering %q would close a dependency cycle: %s",
			m.Name, strings.Join(cycle, " -> "))
	}

	r.nextSeq++
	r.entries[m.Name] = &Entry{Manifest: m, Seq: r.nextSeq}
	return nil
}

// cycleThroughLocked walks the candidate's dependency edges through the
// registered graph and returns the cycle path if any walk reaches the
// candidate itself.
func (r *Registry) cycleThroughLocked(m *plugin.Manifest) []string {
	var path []string
	seen := make(map[string]bool)

	var visit func(name string) bool
	visit = func(name string) bool {
		if name == m.Name {
			return true
		}
		if seen[name] {
			return false
		}
		seen[name] = true

		entry, ok := r.entries[name]
		if !ok {
			return false
		}
		path = append(path, name)
		for _, dep := range entry.Manifest.Dependencies {
			if visit(dep.Name) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	for _, dep := range m.Dependencies {
		if visit(dep.Name) {
			cycle := append([]string{m.Name}, path...)
			return append(cycle, m.Name)
		}
	}
	return nil
}

// Unregister removes a plugin. It fails when other registered plugins still
// depend on it, naming the dependents.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return faceterr.Errorf(faceterr.CodeRegistryPluginNotFound,
			"plugin %q is not registered", name)
	}

	dependents := r.dependentsLocked(name)
	if len(dependents) > 0 {
		return faceterr.Errorf(faceterr.CodeRegistryDependentsExist,
			"plugin %q has dependents: %s", name, strings.Join(dependents, ", "))
	}

	delete(r.entries, name)
	return nil
}

// Get returns the manifest for name.
func (r *Registry) Get(name string) (*plugin.Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, faceterr.Errorf(faceterr.CodeRegistryPluginNotFound,
			"plugin %q is not registered", name)
	}
	return entry.Manifest, nil
}

// List returns all registered manifests in registration order.
func (r *Registry) List() []*plugin.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	manifests := make([]*plugin.Manifest, len(out))
	for i, entry := range out {
		manifests[i] = entry.Manifest
	}
	return manifests
}

// ByCategory returns registered manifests of the given category, in
// registration order.
func (r *Registry) ByCategory(category plugin.Category) []*plugin.Manifest {
	var out []*plugin.Manifest
	for _, m := range r.List() {
		if m.Category == category {
			out = append(out, m)
		}
	}
	return out
}

// Dependents returns the names of plugins that declare name as a dependency,
// optional or required.
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dependentsLocked(name)
}

func (r *Registry) dependentsLocked(name string) []string {
	var out []string
	for _, entry := range r.entries {
		for _, dep := range entry.Manifest.Dependencies {
			if dep.Name == name {
				out = append(out, entry.Manifest.Name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// LoadOrder returns every registered plugin in dependency order: a plugin
// always appears after all of its registered dependencies. Plugins with no
// ordering constraint between them keep their registration order.
func (r *Registry) LoadOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Kahn's algorithm. Edges run dependency -> dependent; optional
	// dependencies only constrain ordering when the target is registered.
	inDegree := make(map[string]int, len(r.entries))
	dependentsOf := make(map[string][]string, len(r.entries))
	for name := range r.entries {
		inDegree[name] = 0
	}
	for name, entry := range r.entries {
		for _, dep := range entry.Manifest.Dependencies {
			if _, ok := r.entries[dep.Name]; !ok {
				continue
			}
			inDegree[name]++
			dependentsOf[dep.Name] = append(dependentsOf[dep.Name], name)
		}
	}

	ready := make([]string, 0, len(r.entries))
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(r.entries))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return r.entries[ready[i]].Seq < r.entries[ready[j]].Seq
		})
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		for _, dependent := range dependentsOf[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(r.entries) {
		var cycle []string
		for name, deg := range inDegree {
			if deg > 0 {
				cycle = append(cycle, name)
			}
		}
		sort.Strings(cycle)
		return nil, faceterr.New(faceterr.CodeRegistryDependencyCycle,
			fmt.Sprintf("dependency cycle involving: %s", strings.Join(cycle, ", ")))
	}
	return order, nil
}
