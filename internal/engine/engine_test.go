// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package engine_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetlabs/facet/internal/engine"
	faceterr "github.com/facetlabs/facet/pkg/errors"
)

func openEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.Open(filepath.Join(t.TempDir(), "analytics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestQueryRoundTrip(t *testing.T) {
	t.Parallel()

	e := openEngine(t)
	ctx := context.Background()

	_, err := e.Exec(ctx, `CREATE TABLE metrics (name TEXT, value REAL)`)
	require.NoError(t, err)

	n, err := e.Exec(ctx, `INSERT INTO metrics (name, value) VALUES (?, ?), (?, ?)`,
		"latency_ms", 12.5, "error_rate", 0.01)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err := e.Query(ctx, `SELECT name, value FROM metrics ORDER BY name`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "error_rate", rows[0]["name"])
	assert.Equal(t, 0.01, rows[0]["value"])
}

func TestQueryFailure(t *testing.T) {
	t.Parallel()

	e := openEngine(t)
	_, err := e.Query(context.Background(), `SELECT * FROM no_such_table`)
	require.Error(t, err)
	assert.Equal(t, faceterr.CodeEngineQueryFailure, faceterr.CodeOf(err))
}

func TestOpenInMemoryDefault(t *testing.T) {
	t.Parallel()

	e, err := engine.Open("")
	require.NoError(t, err)
	defer e.Close()

	rows, err := e.Query(context.Background(), `SELECT 1 AS one`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0]["one"])
}
