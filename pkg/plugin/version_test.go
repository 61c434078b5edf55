// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package plugin_test

import (
	"testing"

	"github.com/facetlabs/facet/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	t.Parallel()

	v, err := plugin.ParseVersion("2.10.3")
	require.NoError(t, err)
	assert.Equal(t, plugin.Version{Major: 2, Minor: 10, Patch: 3}, v)

	v, err = plugin.ParseVersion("1.0.0-rc.1+build.5")
	require.NoError(t, err)
	assert.Equal(t, plugin.Version{Major: 1, Minor: 0, Patch: 0}, v)

	_, err = plugin.ParseVersion("v1.0.0")
	assert.Error(t, err)
	_, err = plugin.ParseVersion("1.0")
	assert.Error(t, err)
}

func TestVersionCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.1", "1.0.0", 1},
		{"1.0.0", "1.1.0", -1},
		{"2.0.0", "1.9.9", 1},
		{"1.2.3", "1.2.10", -1},
	}

	for _, tt := range tests {
		va, err := plugin.ParseVersion(tt.a)
		require.NoError(t, err)
		vb, err := plugin.ParseVersion(tt.b)
		require.NoError(t, err)
		assert.Equal(t, tt.want, va.Compare(vb), "%s vs %s", tt.a, tt.b)
	}
}

func TestSatisfies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		version     string
		requirement string
		want        bool
	}{
		{"exact match", "1.2.3", "1.2.3", true},
		{"exact mismatch", "1.2.4", "1.2.3", false},
		{"caret same major above", "1.5.0", "^1.2.0", true},
		{"caret below base", "1.1.9", "^1.2.0", false},
		{"caret major bump", "2.0.0", "^1.2.0", false},
		{"tilde same minor above", "1.2.9", "~1.2.3", true},
		{"tilde minor bump", "1.3.0", "~1.2.3", false},
		{"gte above", "3.0.0", ">=1.0.0", true},
		{"gte equal", "1.0.0", ">=1.0.0", true},
		{"gte below", "0.9.0", ">=1.0.0", false},
		{"gte with space", "1.1.0", ">= 1.0.0", true},
		{"invalid version", "not-a-version", "^1.0.0", false},
		{"invalid requirement", "1.0.0", "one-ish", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, plugin.Satisfies(tt.version, tt.requirement))
		})
	}
}

func TestIsValidRequirement(t *testing.T) {
	t.Parallel()

	assert.True(t, plugin.IsValidRequirement("1.0.0"))
	assert.True(t, plugin.IsValidRequirement("^1.0.0"))
	assert.True(t, plugin.IsValidRequirement("~1.0.0"))
	assert.True(t, plugin.IsValidRequirement(">=1.0.0"))
	assert.False(t, plugin.IsValidRequirement("*"))
	assert.False(t, plugin.IsValidRequirement("<=1.0.0"))
}
