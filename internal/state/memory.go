package state

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/driveindex/internal/reconcile"
)

type MemoryCheckpoints struct {
	mu      sync.Mutex
	cursors map[string]string
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{cursors: map[string]string{}}
}

func (s *MemoryCheckpoints) Load(_ context.Context, collectionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.cursors[collectionID]
	if !ok {
		return reconcile.NeverSynced, nil
	}
	return cursor, nil
}

func (s *MemoryCheckpoints) Save(_ context.Context, collectionID, cursor string) error {
	if strings.TrimSpace(collectionID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[collectionID] = cursor
	return nil
}

func (s *MemoryCheckpoints) All(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.cursors))
	for id, cursor := range s.cursors {
		out[id] = cursor
	}
	return out, nil
}

func (s *MemoryCheckpoints) Close() error {
	return nil
}

type MemoryIdentities struct {
	mu      sync.Mutex
	records map[string]reconcile.IdentityRecord
}

func NewMemoryIdentities() *MemoryIdentities {
	return &MemoryIdentities{records: map[string]reconcile.IdentityRecord{}}
}

func (s *MemoryIdentities) Get(_ context.Context, id string) (reconcile.IdentityRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	return record, ok, nil
}

func (s *MemoryIdentities) Put(_ context.Context, id string, record reconcile.IdentityRecord) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = record
	return nil
}

func (s *MemoryIdentities) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryIdentities) ListUnder(_ context.Context, prefix string) ([]reconcile.IdentityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return entriesUnder(s.records, prefix), nil
}

func (s *MemoryIdentities) Close() error {
	return nil
}

func entriesUnder(records map[string]reconcile.IdentityRecord, prefix string) []reconcile.IdentityEntry {
	entries := make([]reconcile.IdentityEntry, 0)
	for id, record := range records {
		if reconcile.IsUnder(record.LocalPath, prefix) {
			entries = append(entries, reconcile.IdentityEntry{ID: id, IdentityRecord: record})
		}
	}
	sortEntries(entries)
	return entries
}

func sortEntries(entries []reconcile.IdentityEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LocalPath == entries[j].LocalPath {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].LocalPath < entries[j].LocalPath
	})
}
