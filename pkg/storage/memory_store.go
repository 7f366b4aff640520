package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/polisai/assetgate/pkg/domain"
)

// MemoryDomainStore is an in-memory implementation of DomainStore.
type MemoryDomainStore struct {
	mu      sync.RWMutex
	entries map[string]string // name -> id
}

// NewMemoryDomainStore creates a new MemoryDomainStore.
func NewMemoryDomainStore(names ...string) *MemoryDomainStore {
	s := &MemoryDomainStore{
		entries: make(map[string]string, len(names)),
	}
	for _, name := range names {
		s.entries[name] = uuid.NewString()
	}
	return s
}

// Add inserts name if it is not already present.
func (s *MemoryDomainStore) Add(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable("add", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; ok {
		return false, nil
	}
	s.entries[name] = uuid.NewString()
	return true, nil
}

// Remove deletes name.
func (s *MemoryDomainStore) Remove(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("remove", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; !ok {
		return 0, nil
	}
	delete(s.entries, name)
	return 1, nil
}

// Exists reports whether name is present.
func (s *MemoryDomainStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable("exists", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entries[name]
	return ok, nil
}

// List returns a snapshot of all entries.
func (s *MemoryDomainStore) List(ctx context.Context) ([]domain.DomainEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.DomainEntry, 0, len(s.entries))
	for name, id := range s.entries {
		out = append(out, domain.DomainEntry{ID: id, Name: name})
	}
	return out, nil
}

// Close is a no-op for memory store.
func (s *MemoryDomainStore) Close() error {
	return nil
}
