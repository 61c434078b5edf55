// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

// Package engine wraps the host's embedded analytical database. Plugins
// reach it only through the data service on the service proxy; the engine
// itself performs no permission checks.
package engine

import (
	"context"
	"database/sql"
	"strings"

	faceterr "github.com/facetlabs/facet/pkg/errors"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// Engine is the embedded query engine.
type Engine struct {
	db *sql.DB
}

// Open opens the analytical database. An empty path opens an in-memory
// database, which is the default for ephemeral hosts.
func Open(dbPath string) (*Engine, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, faceterr.Wrap(err, faceterr.CodeEngineOpenFailure, "opening engine db")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, faceterr.Wrap(err, faceterr.CodeEngineOpenFailure, "pinging engine db")
	}
	return &Engine{db: db}, nil
}

// Query runs a read query and returns rows as maps keyed by column name.
func (e *Engine) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, faceterr.Wrap(err, faceterr.CodeEngineQueryFailure, "running query")
	}
	defer rows.Close() //nolint:errcheck // error on read-path close is not actionable

	cols, err := rows.Columns()
	if err != nil {
		return nil, faceterr.Wrap(err, faceterr.CodeEngineQueryFailure, "reading columns")
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, faceterr.Wrap(err, faceterr.CodeEngineQueryFailure, "scanning row")
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, faceterr.Wrap(err, faceterr.CodeEngineQueryFailure, "iterating rows")
	}
	return out, nil
}

// Exec runs a statement and returns the number of affected rows.
func (e *Engine) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	res, err := e.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, faceterr.Wrap(err, faceterr.CodeEngineQueryFailure, "executing statement")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, faceterr.Wrap(err, faceterr.CodeEngineQueryFailure, "reading affected rows")
	}
	return n, nil
}

// Close closes the underlying database.
func (e *Engine) Close() error {
	return e.db.Close()
}
