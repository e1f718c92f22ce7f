// Package pushconfig holds the backend's own credentials for the push
// provider: a single lazily created record, read on every delivery and
// rewritten only when the provider rotates or invalidates a credential.
package pushconfig

// DefaultID is the id of the primary configuration record. Other ids may be
// introduced later for staging setups.
const DefaultID = "default"

// ConfigRecord is the singleton provider-credential record.
type ConfigRecord struct {
	ID string

	// PushAPIKey authorizes sends on the modern delivery path.
	PushAPIKey string

	// LegacyAuthToken authorizes sends on the legacy delivery path. Empty
	// when the provider invalidated it; the refresher mints a new one.
	LegacyAuthToken string

	// OAuth client credentials used to refresh the legacy token.
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRefreshToken string
}

// Clone returns a copy of the record.
func (c *ConfigRecord) Clone() *ConfigRecord {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}
