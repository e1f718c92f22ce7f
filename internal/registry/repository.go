package registry

import "context"

// Repository defines the interface for device record persistence.
//
// Upsert and Rekey for the same device key must be serialized: concurrent
// registration and token rotation for one device must not interleave into a
// corrupted record. Implementations use an atomic read-modify-write per key.
type Repository interface {
	// Get retrieves a record by account and device key.
	Get(ctx context.Context, accountID, deviceKey string) (*DeviceRecord, error)

	// GetByToken retrieves a record for the account by its current push token.
	GetByToken(ctx context.Context, accountID, pushToken string) (*DeviceRecord, error)

	// Upsert creates or updates the record for its device key. Before
	// creating, if the account is at MaxDevices, the oldest record by
	// RegisteredAt is evicted (ties broken by first-encountered order).
	// Returns true if a new record was created.
	Upsert(ctx context.Context, record *DeviceRecord) (created bool, err error)

	// Rekey locates a record by its old push token and replaces the token,
	// preserving DeviceKey and RegisteredAt. Returns found=false when no
	// record carries the old token; that is a no-op, not an error.
	Rekey(ctx context.Context, oldToken, newToken string) (found bool, err error)

	// Remove deletes every record for the account whose push token matches,
	// returning how many were deleted. Looping over duplicates is deliberate:
	// historic bugs produced multiple records for one token.
	Remove(ctx context.Context, accountID, pushToken string) (removed int, err error)

	// Delete removes a single record by account and device key.
	Delete(ctx context.Context, accountID, deviceKey string) error

	// ListForAccount retrieves the account's records ordered by device key.
	ListForAccount(ctx context.Context, accountID string) ([]*DeviceRecord, error)
}
