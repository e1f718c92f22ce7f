package pushconfig

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// ErrNoRefreshToken is returned when no OAuth refresh token is configured.
var ErrNoRefreshToken = errors.New("no oauth refresh token configured")

// Refresher mints a fresh legacy auth token from the stored OAuth refresh
// token after the provider invalidated the previous one. The relay itself
// never refreshes; it only clears the stale credential and reports a
// transient failure, and the next delivery picks up what Refresh stored.
type Refresher struct {
	store    Store
	tokenURL string
	logger   zerolog.Logger
}

// NewRefresher creates a credential refresher against the provider's OAuth
// token endpoint.
func NewRefresher(store Store, tokenURL string, logger zerolog.Logger) *Refresher {
	return &Refresher{store: store, tokenURL: tokenURL, logger: logger}
}

// Refresh exchanges the stored refresh token for a new access token and
// persists it as the legacy auth credential. It is a no-op when a credential
// is already present.
func (r *Refresher) Refresh(ctx context.Context) error {
	record, err := r.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if record.LegacyAuthToken != "" {
		return nil
	}
	if record.OAuthRefreshToken == "" {
		return ErrNoRefreshToken
	}

	conf := &oauth2.Config{
		ClientID:     record.OAuthClientID,
		ClientSecret: record.OAuthClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: r.tokenURL},
	}

	token, err := conf.TokenSource(ctx, &oauth2.Token{
		RefreshToken: record.OAuthRefreshToken,
	}).Token()
	if err != nil {
		return fmt.Errorf("refresh provider credential: %w", err)
	}

	record.LegacyAuthToken = token.AccessToken
	if token.RefreshToken != "" && token.RefreshToken != record.OAuthRefreshToken {
		record.OAuthRefreshToken = token.RefreshToken
	}
	if err := r.store.Save(ctx, record); err != nil {
		return fmt.Errorf("store refreshed credential: %w", err)
	}

	r.logger.Info().Msg("refreshed provider credential")
	return nil
}
