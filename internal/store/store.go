// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

// Package store provides persistence for the plugin runtime's audit log.
// Two backends exist: an in-memory ring for tests and ephemeral hosts, and
// a sqlite backend for durable post-hoc security review.
package store

import (
	"context"
	"time"

	faceterr "github.com/facetlabs/facet/pkg/errors"
)

// AuditEntry records a security-relevant decision in the runtime. Entries are
// append-only; nothing in the runtime updates or deletes them.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	Plugin    string
	Action    string
	Operation string
	Details   map[string]any
	Result    string
}

// AuditFilter specifies criteria for querying audit entries.
type AuditFilter struct {
	Plugin string
	Action string
	Result string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
	Close() error
}

// Config selects and configures a store backend.
type Config struct {
	Backend string // "memory" or "sqlite"
	DSN     string // sqlite file path; ignored for memory
}

// Open constructs the audit store for the configured backend.
func Open(cfg Config) (AuditStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryAuditStore(defaultMemoryCapacity), nil
	case "sqlite":
		return OpenSQLiteAuditStore(cfg.DSN)
	default:
		return nil, faceterr.Errorf(faceterr.CodeStoreBackendUnsupported,
			"unsupported store backend %q", cfg.Backend)
	}
}

// matches reports whether an entry passes the non-temporal filter fields.
func (f AuditFilter) matches(e *AuditEntry) bool {
	if f.Plugin != "" && e.Plugin != f.Plugin {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return true
}
