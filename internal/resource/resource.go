// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

// Package resource allocates per-plugin runtime quotas against a host-wide
// ceiling and tracks what each plugin actually consumes. Memory limits are
// advisory for in-process plugins and hard limits for WASM sandboxes, which
// size their linear memory from the quota.
package resource

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	faceterr "github.com/facetlabs/facet/pkg/errors"
	"github.com/facetlabs/facet/pkg/plugin"
)

const (
	// DefaultMemoryLimitBytes applies when a manifest declares no memory
	// quota.
	DefaultMemoryLimitBytes = 64 * 1024 * 1024

	// DefaultExecutionTimeout applies when a manifest declares no timeout.
	DefaultExecutionTimeout = 5 * time.Second

	// DefaultHostCeilingBytes bounds the sum of all allocated memory
	// quotas unless the host configures otherwise.
	DefaultHostCeilingBytes = 1024 * 1024 * 1024
)

// Manager hands out quotas and keeps usage accounting.
type Manager struct {
	mu           sync.RWMutex
	ceilingBytes int64
	allocated    map[string]plugin.ResourceQuota
	usage        map[string]*plugin.Usage
}

// Option customises manager construction.
type Option func(*Manager)

// WithCeiling overrides the host-wide memory ceiling.
func WithCeiling(bytes int64) Option {
	return func(m *Manager) {
		if bytes > 0 {
			m.ceilingBytes = bytes
		}
	}
}

// NewManager creates a resource manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		ceilingBytes: DefaultHostCeilingBytes,
		allocated:    make(map[string]plugin.ResourceQuota),
		usage:        make(map[string]*plugin.Usage),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ApplyDefaults fills zero-valued quota fields with the host defaults.
// Every component that enforces a quota must see the same numbers, so
// both allocation and sandbox construction go through here.
func ApplyDefaults(quota plugin.ResourceQuota) plugin.ResourceQuota {
	if quota.MemoryLimitBytes <= 0 {
		quota.MemoryLimitBytes = DefaultMemoryLimitBytes
	}
	if quota.Timeout <= 0 {
		quota.Timeout = DefaultExecutionTimeout
	}
	return quota
}

// Allocate reserves a quota for a plugin. Zero-valued quota fields get
// defaults. Allocation fails when the requested memory would push the sum of
// all reservations past the host ceiling, or when the plugin already holds a
// quota.
func (m *Manager) Allocate(name string, quota plugin.ResourceQuota) (plugin.ResourceQuota, error) {
	quota = ApplyDefaults(quota)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.allocated[name]; ok {
		return plugin.ResourceQuota{}, faceterr.Errorf(faceterr.CodeResourceExhausted,
			"plugin %q already holds a resource allocation", name)
	}

	var reserved int64
	for _, q := range m.allocated {
		reserved += q.MemoryLimitBytes
	}
	if reserved+quota.MemoryLimitBytes > m.ceilingBytes {
		return plugin.ResourceQuota{}, faceterr.Errorf(faceterr.CodeResourceExhausted,
			"allocating %d bytes for %q exceeds host ceiling (%d of %d bytes reserved)",
			quota.MemoryLimitBytes, name, reserved, m.ceilingBytes)
	}

	m.allocated[name] = quota
	if _, ok := m.usage[name]; !ok {
		m.usage[name] = &plugin.Usage{}
	}
	return quota, nil
}

// Release returns a plugin's quota to the pool. Releasing a plugin that
// holds no quota is a no-op; release never fails.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.allocated, name)
}

// Quota returns the active allocation for a plugin.
func (m *Manager) Quota(name string) (plugin.ResourceQuota, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	quota, ok := m.allocated[name]
	if !ok {
		return plugin.ResourceQuota{}, faceterr.Errorf(faceterr.CodeResourceNotAllocated,
			"plugin %q holds no resource allocation", name)
	}
	return quota, nil
}

// Usage returns a snapshot of a plugin's accumulated consumption. Usage
// survives Release so a reloaded plugin keeps its history.
func (m *Manager) Usage(name string) (plugin.Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.usage[name]
	if !ok {
		return plugin.Usage{}, faceterr.Errorf(faceterr.CodeResourceNotAllocated,
			"plugin %q has no recorded usage", name)
	}
	return *u, nil
}

// Snapshot returns usage for every tracked plugin.
func (m *Manager) Snapshot() map[string]plugin.Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]plugin.Usage, len(m.usage))
	for name, u := range m.usage {
		out[name] = *u
	}
	return out
}

// Monitor observes one plugin execution.
type Monitor struct {
	manager *Manager
	name    string
	started time.Time
	done    bool
}

// StartMonitor begins accounting for one execution of a plugin.
func (m *Manager) StartMonitor(name string) *Monitor {
	return &Monitor{manager: m, name: name, started: time.Now()}
}

// Done records the execution's elapsed CPU time and an optional memory
// sample. Calling Done twice is a no-op.
func (mon *Monitor) Done(memoryBytes int64) {
	if mon.done {
		return
	}
	mon.done = true

	elapsed := time.Since(mon.started)

	m := mon.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usage[mon.name]
	if !ok {
		u = &plugin.Usage{}
		m.usage[mon.name] = u
	}
	u.Executions++
	u.CPUTime += elapsed
	if memoryBytes > u.MemoryBytes {
		u.MemoryBytes = memoryBytes
	}
	u.LastUpdated = time.Now().UTC()
}

// Elapsed returns how long the monitored execution has been running.
func (mon *Monitor) Elapsed() time.Duration {
	return time.Since(mon.started)
}

var memoryLimitRe = regexp.MustCompile(`^(\d+)\s*(Ki|Mi|Gi|K|M|G)?[Bb]?$`)

// ParseMemoryLimit parses human-readable memory sizes such as "256Mi",
// "1Gi", or "524288". Binary suffixes are powers of 1024; decimal suffixes
// are powers of 1000.
func ParseMemoryLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	match := memoryLimitRe.FindStringSubmatch(s)
	if match == nil {
		return 0, fmt.Errorf("invalid memory limit %q", s)
	}

	n, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}

	var mult int64 = 1
	switch match[2] {
	case "Ki":
		mult = 1024
	case "Mi":
		mult = 1024 * 1024
	case "Gi":
		mult = 1024 * 1024 * 1024
	case "K":
		mult = 1000
	case "M":
		mult = 1000 * 1000
	case "G":
		mult = 1000 * 1000 * 1000
	}
	return n * mult, nil
}
