// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package resource_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetlabs/facet/internal/resource"
	faceterr "github.com/facetlabs/facet/pkg/errors"
	"github.com/facetlabs/facet/pkg/plugin"
)

func TestAllocateDefaults(t *testing.T) {
	t.Parallel()

	m := resource.NewManager()

	quota, err := m.Allocate("csv-import", plugin.ResourceQuota{})
	require.NoError(t, err)
	assert.Equal(t, int64(resource.DefaultMemoryLimitBytes), quota.MemoryLimitBytes)
	assert.Equal(t, resource.DefaultExecutionTimeout, quota.Timeout)

	got, err := m.Quota("csv-import")
	require.NoError(t, err)
	assert.Equal(t, quota, got)
}

func TestAllocateCeiling(t *testing.T) {
	t.Parallel()

	m := resource.NewManager(resource.WithCeiling(100))

	_, err := m.Allocate("a", plugin.ResourceQuota{MemoryLimitBytes: 60})
	require.NoError(t, err)

	_, err = m.Allocate("b", plugin.ResourceQuota{MemoryLimitBytes: 50})
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeResourceExhausted, faceterr.CodeOf(err))

	// Releasing a frees headroom for b.
	m.Release("a")
	_, err = m.Allocate("b", plugin.ResourceQuota{MemoryLimitBytes: 50})
	require.NoError(t, err)
}

func TestAllocateTwice(t *testing.T) {
	t.Parallel()

	m := resource.NewManager()
	_, err := m.Allocate("dup", plugin.ResourceQuota{MemoryLimitBytes: 1})
	require.NoError(t, err)

	_, err = m.Allocate("dup", plugin.ResourceQuota{MemoryLimitBytes: 1})
	require.Error(t, err)
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	m := resource.NewManager()
	_, err := m.Allocate("x", plugin.ResourceQuota{MemoryLimitBytes: 1})
	require.NoError(t, err)

	m.Release("x")
	m.Release("x")
	m.Release("never-allocated")

	_, err = m.Quota("x")
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeResourceNotAllocated, faceterr.CodeOf(err))
}

func TestMonitorAccounting(t *testing.T) {
	t.Parallel()

	m := resource.NewManager()
	_, err := m.Allocate("worker", plugin.ResourceQuota{MemoryLimitBytes: 1})
	require.NoError(t, err)

	mon := m.StartMonitor("worker")
	time.Sleep(5 * time.Millisecond)
	mon.Done(2048)
	mon.Done(4096) // second call ignored

	usage, err := m.Usage("worker")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Executions)
	assert.Equal(t, int64(2048), usage.MemoryBytes)
	assert.Greater(t, usage.CPUTime, time.Duration(0))
	assert.False(t, usage.LastUpdated.IsZero())
}

func TestUsageSurvivesRelease(t *testing.T) {
	t.Parallel()

	m := resource.NewManager()
	_, err := m.Allocate("w", plugin.ResourceQuota{MemoryLimitBytes: 1})
	require.NoError(t, err)

	mon := m.StartMonitor("w")
	mon.Done(0)
	m.Release("w")

	usage, err := m.Usage("w")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Executions)

	snap := m.Snapshot()
	assert.Contains(t, snap, "w")
}

func TestParseMemoryLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "256Mi", want: 256 * 1024 * 1024},
		{in: "1Gi", want: 1024 * 1024 * 1024},
		{in: "4KiB", want: 4096},
		{in: "1M", want: 1_000_000},
		{in: "524288", want: 524288},
		{in: " 8Mi ", want: 8 * 1024 * 1024},
		{in: "", wantErr: true},
		{in: "-5Mi", wantErr: true},
		{in: "lots", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := resource.ParseMemoryLimit(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
