package pushconfig

import "context"

// Store defines the interface for provider-credential persistence.
//
// Exactly one record exists per id: Get creates it on first access and it is
// never deleted. Only the push relay (and the credential refresher) call Save.
type Store interface {
	// Get retrieves the configuration record, creating it from the seed
	// values on first access.
	Get(ctx context.Context) (*ConfigRecord, error)

	// Save persists the record.
	Save(ctx context.Context, record *ConfigRecord) error
}

// Seed carries the initial credential values for lazy record creation,
// typically read from the environment on first deployment.
type Seed struct {
	PushAPIKey        string
	LegacyAuthToken   string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRefreshToken string
}

func (s Seed) record() *ConfigRecord {
	return &ConfigRecord{
		ID:                DefaultID,
		PushAPIKey:        s.PushAPIKey,
		LegacyAuthToken:   s.LegacyAuthToken,
		OAuthClientID:     s.OAuthClientID,
		OAuthClientSecret: s.OAuthClientSecret,
		OAuthRefreshToken: s.OAuthRefreshToken,
	}
}
