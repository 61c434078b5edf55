// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package store

import (
	"context"
	"sync"

	faceterr "github.com/facetlabs/facet/pkg/errors"
)

const defaultMemoryCapacity = 10_000

// MemoryAuditStore is a bounded in-memory audit log. When capacity is
// reached the oldest entries are discarded.
type MemoryAuditStore struct {
	mu       sync.RWMutex
	entries  []*AuditEntry
	capacity int
	closed   bool
}

// NewMemoryAuditStore creates a memory-backed audit store holding at most
// capacity entries.
func NewMemoryAuditStore(capacity int) *MemoryAuditStore {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryAuditStore{capacity: capacity}
}

func (s *MemoryAuditStore) Append(_ context.Context, entry *AuditEntry) error {
	if entry == nil {
		return faceterr.New(faceterr.CodeStoreInvalidInput, "audit entry must not be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return faceterr.New(faceterr.CodeStoreDatabaseFailure, "audit store is closed")
	}

	copied := *entry
	s.entries = append(s.entries, &copied)
	if len(s.entries) > s.capacity {
		s.entries = s.entries[len(s.entries)-s.capacity:]
	}
	return nil
}

func (s *MemoryAuditStore) Query(_ context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*AuditEntry
	for _, e := range s.entries {
		if filter.matches(e) {
			matched = append(matched, e)
		}
	}

	offset := filter.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*AuditEntry, len(matched))
	for i, e := range matched {
		copied := *e
		out[i] = &copied
	}
	return out, nil
}

func (s *MemoryAuditStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
