// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	faceterr "github.com/facetlabs/facet/pkg/errors"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// timeLayout stores timestamps as RFC3339Nano in UTC, lexicographically
// sortable for range queries.
const timeLayout = time.RFC3339Nano

// SQLiteAuditStore is the durable audit log backend.
type SQLiteAuditStore struct {
	db *sql.DB
}

// OpenSQLiteAuditStore opens (or creates) the audit database at dbPath and
// initialises the audit_log table.
func OpenSQLiteAuditStore(dbPath string) (*SQLiteAuditStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, faceterr.New(faceterr.CodeStoreInvalidInput, "sqlite store requires a database path")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, faceterr.Wrap(err, faceterr.CodeStoreDatabaseFailure, "opening audit db")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, faceterr.Wrap(err, faceterr.CodeStoreDatabaseFailure, "pinging audit db")
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, faceterr.Wrap(err, faceterr.CodeStoreDatabaseFailure, "migrating audit db")
	}

	return &SQLiteAuditStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS audit_log (
	id        TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	plugin    TEXT NOT NULL DEFAULT '',
	action    TEXT NOT NULL,
	operation TEXT NOT NULL DEFAULT '',
	details   TEXT NOT NULL DEFAULT '{}',
	result    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_plugin ON audit_log(plugin);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
`
	_, err := db.Exec(ddl)
	return err
}

func (s *SQLiteAuditStore) Append(ctx context.Context, entry *AuditEntry) error {
	if entry == nil {
		return faceterr.New(faceterr.CodeStoreInvalidInput, "audit entry must not be nil")
	}

	details := "{}"
	if entry.Details != nil {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return faceterr.Wrap(err, faceterr.CodeStoreInvalidInput, "marshalling audit details")
		}
		details = string(b)
	}

	const q = `INSERT INTO audit_log (id, timestamp, plugin, action, operation, details, result)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		entry.ID, entry.Timestamp.UTC().Format(timeLayout), entry.Plugin,
		entry.Action, entry.Operation, details, entry.Result,
	)
	if err != nil {
		return faceterr.Wrapf(err, faceterr.CodeStoreDatabaseFailure, "appending audit entry %s", entry.ID)
	}
	return nil
}

func (s *SQLiteAuditStore) Query(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	var qb strings.Builder
	qb.WriteString(`SELECT id, timestamp, plugin, action, operation, details, result FROM audit_log`)

	var conditions []string
	var args []any

	if filter.Plugin != "" {
		conditions = append(conditions, "plugin = ?")
		args = append(args, filter.Plugin)
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Result != "" {
		conditions = append(conditions, "result = ?")
		args = append(args, filter.Result)
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filter.From.UTC().Format(timeLayout))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "timestamp < ?")
		args = append(args, filter.To.UTC().Format(timeLayout))
	}

	if len(conditions) > 0 {
		qb.WriteString(" WHERE ")
		qb.WriteString(strings.Join(conditions, " AND "))
	}

	qb.WriteString(" ORDER BY timestamp ASC")

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	qb.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, faceterr.Wrap(err, faceterr.CodeStoreDatabaseFailure, "querying audit log")
	}
	defer rows.Close() //nolint:errcheck // error on read-path close is not actionable

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts, details string
		if err := rows.Scan(&e.ID, &ts, &e.Plugin, &e.Action, &e.Operation, &details, &e.Result); err != nil {
			return nil, faceterr.Wrap(err, faceterr.CodeStoreDatabaseFailure, "scanning audit row")
		}

		e.Timestamp, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, faceterr.Wrapf(err, faceterr.CodeStoreDatabaseFailure, "parsing audit %s timestamp", e.ID)
		}
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, faceterr.Wrapf(err, faceterr.CodeStoreDatabaseFailure, "parsing audit %s details", e.ID)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, faceterr.Wrap(err, faceterr.CodeStoreDatabaseFailure, "iterating audit rows")
	}
	return entries, nil
}

func (s *SQLiteAuditStore) Close() error {
	return s.db.Close()
}
