// Package channel issues browser push channel ids. Browsers do not go
// through the mobile push provider; they open a channel of their own and the
// server hands back the id to listen on.
package channel

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Issuer mints opaque channel ids. The id is meaningless to the server; the
// browser presents it to the channel service when it starts listening.
type Issuer struct {
	logger zerolog.Logger
}

// NewIssuer creates a channel id issuer.
func NewIssuer(logger zerolog.Logger) *Issuer {
	return &Issuer{logger: logger}
}

// BindChannel issues a fresh channel id for the account's browser client.
func (i *Issuer) BindChannel(_ context.Context, account, _ string) (string, error) {
	id := uuid.New().String()
	i.logger.Debug().Str("account", account).Msg("channel id issued")
	return id, nil
}
