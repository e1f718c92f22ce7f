package pushconfig

import (
	"context"
	"sync"
	"time"
)

// CachedStore wraps a Store with a process-local TTL cache of the singleton.
//
// The cache is never authoritative: every Save writes through and drops the
// cached copy, so a credential rotation or invalidation by the relay is
// visible to the next read. A short TTL bounds staleness against writes from
// other processes.
type CachedStore struct {
	inner Store
	ttl   time.Duration

	mu     sync.Mutex
	cached *ConfigRecord
	expiry time.Time
}

// NewCachedStore creates a cached wrapper around the given store.
func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedStore{inner: inner, ttl: ttl}
}

// Get returns the cached record when fresh, otherwise reads through.
func (s *CachedStore) Get(ctx context.Context) (*ConfigRecord, error) {
	s.mu.Lock()
	if s.cached != nil && time.Now().Before(s.expiry) {
		record := s.cached.Clone()
		s.mu.Unlock()
		return record, nil
	}
	s.mu.Unlock()

	record, err := s.inner.Get(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cached = record.Clone()
	s.expiry = time.Now().Add(s.ttl)
	s.mu.Unlock()

	return record, nil
}

// Save writes through and invalidates the cached copy.
func (s *CachedStore) Save(ctx context.Context, record *ConfigRecord) error {
	if err := s.inner.Save(ctx, record); err != nil {
		return err
	}

	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
	return nil
}

// Ensure CachedStore implements Store interface.
var _ Store = (*CachedStore)(nil)
