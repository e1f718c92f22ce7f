package pushconfig

import (
	"context"
	"sync"
)

// InMemoryStore is an in-memory implementation of Store, intended for testing.
type InMemoryStore struct {
	mu     sync.Mutex
	seed   Seed
	record *ConfigRecord
}

// NewInMemoryStore creates a new in-memory config store.
func NewInMemoryStore(seed Seed) *InMemoryStore {
	return &InMemoryStore{seed: seed}
}

// Get retrieves the configuration record, creating it on first access.
func (s *InMemoryStore) Get(_ context.Context) (*ConfigRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.record == nil {
		s.record = s.seed.record()
	}
	return s.record.Clone(), nil
}

// Save persists the record.
func (s *InMemoryStore) Save(_ context.Context, record *ConfigRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = DefaultID
	}
	s.record = record.Clone()
	return nil
}

// Ensure InMemoryStore implements Store interface.
var _ Store = (*InMemoryStore)(nil)
