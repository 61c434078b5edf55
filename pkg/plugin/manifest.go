// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package plugin

import (
	"encoding/json"
	"fmt"
	"strings"

	faceterr "github.com/facetlabs/facet/pkg/errors"
	"gopkg.in/yaml.v3"
)

// validCategories enumerates recognized plugin categories.
var validCategories = map[Category]bool{
	CategoryDataProcessing: true,
	CategoryVisualization:  true,
	CategoryIntegration:    true,
	CategoryUtility:        true,
}

// validResources enumerates recognized permission resources.
var validResources = map[Resource]bool{
	ResourceData:    true,
	ResourceStorage: true,
	ResourceNetwork: true,
	ResourceUI:      true,
	ResourceCore:    true,
}

// validAccess enumerates recognized permission access levels.
var validAccess = map[Access]bool{
	AccessRead:    true,
	AccessWrite:   true,
	AccessExecute: true,
}

// ParseManifest parses a manifest document and validates it. JSON is the
// canonical format; YAML is accepted for hand-written manifests. The format
// is chosen by sniffing the first non-space byte.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest

	trimmed := strings.TrimLeftFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, faceterr.Errorf(faceterr.CodeRegistryManifestInvalid,
				"manifest parse: %s", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, faceterr.Errorf(faceterr.CodeRegistryManifestInvalid,
				"manifest parse: %s", err)
		}
	}

	if errs := m.Validate(); len(errs) > 0 {
		return nil, errs[0]
	}

	return &m, nil
}

// Validate checks that the Manifest is well-formed. It returns all validation
// errors found rather than stopping at the first one.
func (m *Manifest) Validate() []error {
	var errs []error

	if strings.TrimSpace(m.Name) == "" {
		errs = append(errs, faceterr.Errorf(faceterr.CodeRegistryManifestInvalid,
			"manifest validation: name must not be empty"))
	}

	if strings.TrimSpace(m.Version) == "" {
		errs = append(errs, faceterr.Errorf(faceterr.CodeRegistryManifestInvalid,
			"manifest validation: version must not be empty"))
	} else if !IsValidVersion(m.Version) {
		errs = append(errs, faceterr.Errorf(faceterr.CodeRegistryManifestInvalid,
			"manifest validation: version must be valid semver (MAJOR.MINOR.PATCH), got %q", m.Version))
	}

	if !validCategories[m.Category] {
		errs = append(errs, faceterr.Errorf(faceterr.CodeRegistryManifestInvalid,
			"manifest validation: category must be one of [data-processing, visualization, integration, utility], got %q", m.Category))
	}

	if strings.TrimSpace(m.EntryPoint) == "" {
		errs = append(errs, faceterr.Errorf(faceterr.CodeRegistryManifestInvalid,
			"manifest validation: entryPoint must not be empty"))
	}

	for i, dep := range m.Dependencies {
		if err := dep.validate(); err != nil {
			errs = append(errs, faceterr.Errorf(faceterr.CodeRegistryManifestInvalid,
				"manifest validation: dependencies[%d]: %s", i, err))
		}
	}

	for i, perm := range m.Permissions {
		if err := perm.validate(); err != nil {
			errs = append(errs, faceterr.Errorf(faceterr.CodeRegistryManifestInvalid,
				"manifest validation: permissions[%d]: %s", i, err))
		}
	}

	if err := m.Compatibility.validate(); err != nil {
		errs = append(errs, faceterr.Errorf(faceterr.CodeRegistryManifestInvalid,
			"manifest validation: compatibility: %s", err))
	}

	return errs
}

func (d Dependency) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("dependency name must not be empty")
	}
	if d.Version != "" && !IsValidRequirement(d.Version) {
		return fmt.Errorf("dependency version requirement %q is not valid", d.Version)
	}
	return nil
}

// Valid reports whether both the resource and access come from the closed
// enumerations.
func (p Permission) Valid() bool {
	return validResources[p.Resource] && validAccess[p.Access]
}

func (p Permission) validate() error {
	if !validResources[p.Resource] {
		return fmt.Errorf("resource must be one of [data, storage, network, ui, core], got %q", p.Resource)
	}
	if !validAccess[p.Access] {
		return fmt.Errorf("access must be one of [read, write, execute], got %q", p.Access)
	}
	return nil
}

func (c Compatibility) validate() error {
	if c.MinHostVersion != "" && !IsValidVersion(c.MinHostVersion) {
		return fmt.Errorf("minHostVersion must be valid semver, got %q", c.MinHostVersion)
	}
	if c.MaxHostVersion != "" && !IsValidVersion(c.MaxHostVersion) {
		return fmt.Errorf("maxHostVersion must be valid semver, got %q", c.MaxHostVersion)
	}
	return nil
}

// SupportsHost reports whether the manifest's compatibility window includes
// the given host version. Invalid host versions fail closed.
func (m *Manifest) SupportsHost(hostVersion string) bool {
	v, err := ParseVersion(hostVersion)
	if err != nil {
		return false
	}

	if m.Compatibility.MinHostVersion != "" {
		min, err := ParseVersion(m.Compatibility.MinHostVersion)
		if err != nil || v.Compare(min) < 0 {
			return false
		}
	}
	if m.Compatibility.MaxHostVersion != "" {
		max, err := ParseVersion(m.Compatibility.MaxHostVersion)
		if err != nil || v.Compare(max) > 0 {
			return false
		}
	}
	return true
}
