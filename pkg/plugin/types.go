// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

// Package plugin provides the public types shared by plugin authors and the
// Facet host: the manifest structure, permission declarations, the Plugin
// interface every extension implements, and the capability context handed to
// a plugin at initialization.
package plugin

import "time"

// Category identifies what kind of extension a plugin is. The manager
// dispatches on this declared tag, never on runtime type inspection.
type Category string

const (
	CategoryDataProcessing Category = "data-processing"
	CategoryVisualization  Category = "visualization"
	CategoryIntegration    Category = "integration"
	CategoryUtility        Category = "utility"
)

// Resource names a host surface a plugin may be granted access to.
type Resource string

const (
	ResourceData    Resource = "data"
	ResourceStorage Resource = "storage"
	ResourceNetwork Resource = "network"
	ResourceUI      Resource = "ui"
	ResourceCore    Resource = "core"
)

// Access is the level of access requested on a resource. Execute is the
// highest level: a plugin granted execute on a resource passes any access
// check on it, including read and write.
type Access string

const (
	AccessRead    Access = "read"
	AccessWrite   Access = "write"
	AccessExecute Access = "execute"
)

// Manifest is the static declarative description of a plugin. It is the sole
// source of truth for dependency and permission declarations; the runtime
// never introspects plugin code to infer either. Loaded from plugin.json
// (canonical) or plugin.yaml in the plugin directory, immutable once
// registered.
type Manifest struct {
	Name          string        `json:"name"          yaml:"name"`
	Version       string        `json:"version"       yaml:"version"`
	Description   string        `json:"description,omitempty" yaml:"description,omitempty"`
	Author        string        `json:"author,omitempty"      yaml:"author,omitempty"`
	Category      Category      `json:"category"      yaml:"category"`
	EntryPoint    string        `json:"entryPoint"    yaml:"entryPoint"`
	Dependencies  []Dependency  `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Permissions   []Permission  `json:"permissions,omitempty"  yaml:"permissions,omitempty"`
	Compatibility Compatibility `json:"compatibility,omitempty" yaml:"compatibility,omitempty"`
}

// Dependency declares that a plugin requires (or optionally uses) another
// registered plugin at a compatible version.
type Dependency struct {
	Name     string `json:"name"     yaml:"name"`
	Version  string `json:"version"  yaml:"version"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Permission is a single {resource, access} capability request.
type Permission struct {
	Resource Resource `json:"resource" yaml:"resource"`
	Access   Access   `json:"access"   yaml:"access"`
}

// Compatibility declares the host version window and platforms the plugin
// supports. MaxHostVersion empty means no upper bound; empty Platforms means
// all platforms.
type Compatibility struct {
	MinHostVersion string   `json:"minHostVersion,omitempty" yaml:"minHostVersion,omitempty"`
	MaxHostVersion string   `json:"maxHostVersion,omitempty" yaml:"maxHostVersion,omitempty"`
	Platforms      []string `json:"platforms,omitempty"      yaml:"platforms,omitempty"`
}

// ResourceQuota is the per-plugin resource ceiling assigned at activation and
// released at deactivation.
type ResourceQuota struct {
	MemoryLimitBytes int64
	Timeout          time.Duration
	NetworkAllowed   bool
}

// Usage is a snapshot of a plugin's measured resource consumption. Execution
// windows feed it so per-call cost is attributable.
type Usage struct {
	MemoryBytes int64
	CPUTime     time.Duration
	Executions  int64
	LastUpdated time.Time
}
