// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetlabs/facet/internal/registry"
	faceterr "github.com/facetlabs/facet/pkg/errors"
	"github.com/facetlabs/facet/pkg/plugin"
)

func manifest(name string, deps ...plugin.Dependency) *plugin.Manifest {
	return &plugin.Manifest{
		Name:         name,
		Version:      "1.0.0",
		Category:     plugin.CategoryUtility,
		EntryPoint:   "builtin:" + name,
		Dependencies: deps,
	}
}

func dep(name, version string) plugin.Dependency {
	return plugin.Dependency{Name: name, Version: version}
}

func optionalDep(name, version string) plugin.Dependency {
	return plugin.Dependency{Name: name, Version: version, Optional: true}
}

func TestRegisterRejectsInvalidManifest(t *testing.T) {
	t.Parallel()

	r := registry.New("")

	err := r.Register(nil)
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeRegistryManifestInvalid, faceterr.CodeOf(err))

	m := manifest("bad")
	m.Version = "not-semver"
	err = r.Register(m)
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeRegistryManifestInvalid, faceterr.CodeOf(err))
}

func TestRegisterDuplicateName(t *testing.T) {
	t.Parallel()

	r := registry.New("")
	require.NoError(t, r.Register(manifest("csv-import")))

	err := r.Register(manifest("csv-import"))
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeRegistryVersionConflict, faceterr.CodeOf(err))
}

func TestRegisterDependencyChecks(t *testing.T) {
	t.Parallel()

	r := registry.New("")

	// Required dependency absent.
	err := r.Register(manifest("chart-widget", dep("csv-import", "^1.0.0")))
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeRegistryDependencyMissing, faceterr.CodeOf(err))

	// Optional dependency absent is fine.
	require.NoError(t, r.Register(manifest("exporter", optionalDep("csv-import", "^1.0.0"))))

	// Registered dependency with unsatisfied version requirement.
	require.NoError(t, r.Register(manifest("csv-import")))
	err = r.Register(manifest("strict-widget", dep("csv-import", "^2.0.0")))
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeRegistryVersionConflict, faceterr.CodeOf(err))

	// Satisfied requirement registers.
	require.NoError(t, r.Register(manifest("chart-widget", dep("csv-import", "^1.0.0"))))
}

func TestRegisterHostCompatibilityGate(t *testing.T) {
	t.Parallel()

	r := registry.New("2.3.0")

	m := manifest("legacy")
	m.Compatibility = plugin.Compatibility{MaxHostVersion: "2.0.0"}
	err := r.Register(m)
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeRegistryHostIncompatible, faceterr.CodeOf(err))

	m2 := manifest("current")
	m2.Compatibility = plugin.Compatibility{MinHostVersion: "2.0.0"}
	require.NoError(t, r.Register(m2))
}

func TestUnregister(t *testing.T) {
	t.Parallel()

	r := registry.New("")
	require.NoError(t, r.Register(manifest("csv-import")))
	require.NoError(t, r.Register(manifest("chart-widget", dep("csv-import", "1.0.0"))))

	err := r.Unregister("csv-import")
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeRegistryDependentsExist, faceterr.CodeOf(err))
	assert.ErrorContains(t, err, "chart-widget")

	require.NoError(t, r.Unregister("chart-widget"))
	require.NoError(t, r.Unregister("csv-import"))

	err = r.Unregister("csv-import")
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeRegistryPluginNotFound, faceterr.CodeOf(err))
}

func TestListAndByCategory(t *testing.T) {
	t.Parallel()

	r := registry.New("")
	a := manifest("a")
	a.Category = plugin.CategoryDataProcessing
	b := manifest("b")
	c := manifest("c")
	c.Category = plugin.CategoryDataProcessing

	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	require.NoError(t, r.Register(c))

	var names []string
	for _, m := range r.List() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	names = nil
	for _, m := range r.ByCategory(plugin.CategoryDataProcessing) {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"a", "c"}, names)
}

func TestLoadOrder(t *testing.T) {
	t.Parallel()

	r := registry.New("")
	require.NoError(t, r.Register(manifest("base")))
	require.NoError(t, r.Register(manifest("standalone")))
	require.NoError(t, r.Register(manifest("widget", dep("base", "1.0.0"))))
	require.NoError(t, r.Register(manifest("dashboard", dep("widget", "1.0.0"), dep("base", "1.0.0"))))

	order, err := r.LoadOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "standalone", "widget", "dashboard"}, order)
}

func TestLoadOrderRegistrationTieBreak(t *testing.T) {
	t.Parallel()

	r := registry.New("")
	require.NoError(t, r.Register(manifest("zeta")))
	require.NoError(t, r.Register(manifest("alpha")))

	order, err := r.LoadOrder()
	require.NoError(t, err)

	// No dependency constraint, so registration order wins over name order.
	assert.Equal(t, []string{"zeta", "alpha"}, order)
}

func TestRegisterCycle(t *testing.T) {
	t.Parallel()

	// Required dependencies must pre-exist, so a cycle can only be closed
	// through an optional dependency pointing at a later registration.
	r := registry.New("")
	require.NoError(t, r.Register(manifest("a", optionalDep("b", "1.0.0"))))

	err := r.Register(manifest("b", dep("a", "1.0.0")))
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeRegistryDependencyCycle, faceterr.CodeOf(err))
	assert.ErrorContains(t, err, "a")
	assert.ErrorContains(t, err, "b")

	// The rejected manifest is not admitted, so load order stays clean.
	order, loadErr := r.LoadOrder()
	require.NoError(t, loadErr)
	assert.Equal(t, []string{"a"}, order)
}

func TestRegisterCycle_Transitive(t *testing.T) {
	t.Parallel()

	r := registry.New("")
	require.NoError(t, r.Register(manifest("a", optionalDep("c", "1.0.0"))))
	require.NoError(t, r.Register(manifest("b", dep("a", "1.0.0"))))

	err := r.Register(manifest("c", dep("b", "1.0.0")))
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeRegistryDependencyCycle, faceterr.CodeOf(err))
}
