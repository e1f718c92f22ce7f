package handler

import (
	"context"

	"github.com/phonelink/phonelink/internal/api/middleware"
)

// GetAccount retrieves the authenticated account from the context.
// This is a convenience wrapper around middleware.GetAccount.
func GetAccount(ctx context.Context) string {
	return middleware.GetAccount(ctx)
}
