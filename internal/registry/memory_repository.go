package registry

import (
	"context"
	"sort"
	"sync"
)

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing. Production should use the PostgreSQL implementation.
type InMemoryRepository struct {
	mu      sync.Mutex
	records map[string]*DeviceRecord // keyed by device key
	seq     map[string]int64         // device key -> insertion order
	nextSeq int64
}

// NewInMemoryRepository creates a new in-memory device repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[string]*DeviceRecord),
		seq:     make(map[string]int64),
	}
}

// Get retrieves a record by account and device key.
func (r *InMemoryRepository) Get(_ context.Context, accountID, deviceKey string) (*DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[deviceKey]
	if !ok || record.AccountID != accountID {
		return nil, ErrRecordNotFound
	}

	return copyRecord(record), nil
}

// GetByToken retrieves a record for the account by its current push token.
func (r *InMemoryRepository) GetByToken(_ context.Context, accountID, pushToken string) (*DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record := r.findByTokenLocked(accountID, pushToken)
	if record == nil {
		return nil, ErrRecordNotFound
	}
	return copyRecord(record), nil
}

func (r *InMemoryRepository) findByTokenLocked(accountID, pushToken string) *DeviceRecord {
	var match *DeviceRecord
	for _, record := range r.records {
		if record.PushToken != pushToken {
			continue
		}
		if accountID != "" && record.AccountID != accountID {
			continue
		}
		if match == nil || record.DeviceKey < match.DeviceKey {
			match = record
		}
	}
	return match
}

// Upsert creates or updates the record for its device key, evicting the
// account's oldest record first when the cap would be exceeded.
func (r *InMemoryRepository) Upsert(_ context.Context, record *DeviceRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[record.DeviceKey]; ok {
		existing.PushToken = record.PushToken
		existing.Class = record.Class
		existing.DisplayName = record.DisplayName
		existing.RegisteredAt = record.RegisteredAt
		existing.Debug = record.Debug
		return false, nil
	}

	r.evictOldestLocked(record.AccountID)

	r.records[record.DeviceKey] = copyRecord(record)
	r.nextSeq++
	r.seq[record.DeviceKey] = r.nextSeq
	return true, nil
}

// evictOldestLocked removes the account's oldest record when the account is
// at the cap. Ties on RegisteredAt break by insertion order.
func (r *InMemoryRepository) evictOldestLocked(accountID string) {
	var keys []string
	for key, record := range r.records {
		if record.AccountID == accountID {
			keys = append(keys, key)
		}
	}
	if len(keys) < MaxDevices {
		return
	}

	oldest := keys[0]
	for _, key := range keys[1:] {
		a, b := r.records[key], r.records[oldest]
		if a.RegisteredAt.Before(b.RegisteredAt) ||
			(a.RegisteredAt.Equal(b.RegisteredAt) && r.seq[key] < r.seq[oldest]) {
			oldest = key
		}
	}

	delete(r.records, oldest)
	delete(r.seq, oldest)
}

// Rekey replaces a rotated push token, preserving DeviceKey and RegisteredAt.
func (r *InMemoryRepository) Rekey(_ context.Context, oldToken, newToken string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record := r.findByTokenLocked("", oldToken)
	if record == nil {
		return false, nil
	}

	record.PushToken = newToken
	return true, nil
}

// Remove deletes every record for the account with the given push token.
func (r *InMemoryRepository) Remove(_ context.Context, accountID, pushToken string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, record := range r.records {
		if record.AccountID == accountID && record.PushToken == pushToken {
			delete(r.records, key)
			delete(r.seq, key)
			removed++
		}
	}
	return removed, nil
}

// Delete removes a single record by account and device key.
func (r *InMemoryRepository) Delete(_ context.Context, accountID, deviceKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[deviceKey]
	if !ok || record.AccountID != accountID {
		return ErrRecordNotFound
	}

	delete(r.records, deviceKey)
	delete(r.seq, deviceKey)
	return nil
}

// ListForAccount retrieves the account's records ordered by device key.
func (r *InMemoryRepository) ListForAccount(_ context.Context, accountID string) ([]*DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var records []*DeviceRecord
	for _, record := range r.records {
		if record.AccountID == accountID {
			records = append(records, copyRecord(record))
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].DeviceKey < records[j].DeviceKey
	})

	return records, nil
}

// copyRecord creates a copy of a record so callers cannot mutate stored state.
func copyRecord(record *DeviceRecord) *DeviceRecord {
	if record == nil {
		return nil
	}
	clone := *record
	return &clone
}

// Ensure InMemoryRepository implements Repository interface.
var _ Repository = (*InMemoryRepository)(nil)
