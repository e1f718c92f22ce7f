package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/phonelink/phonelink/internal/api/models"
	"github.com/phonelink/phonelink/internal/auth"
)

// accountKey is the context key for the authenticated account.
type accountKey struct{}

// Auth creates authentication middleware that validates bearer credentials
// and resolves the account they were issued to.
func Auth(verifier auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeUnauthorized(w, r, "missing authorization header")
				return
			}

			// Check for Bearer prefix (case-insensitive)
			const bearerPrefix = "Bearer "
			if len(authHeader) < len(bearerPrefix) ||
				!strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
				writeUnauthorized(w, r, "invalid authorization header format")
				return
			}

			tokenString := authHeader[len(bearerPrefix):]
			if tokenString == "" {
				writeUnauthorized(w, r, "missing bearer token")
				return
			}

			account, err := verifier.VerifyCredential(tokenString)
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrCredentialExpired):
					writeUnauthorized(w, r, "credential has expired")
				case errors.Is(err, auth.ErrInvalidCredential):
					writeUnauthorized(w, r, "invalid credential")
				default:
					writeUnauthorized(w, r, "authentication failed")
				}
				return
			}

			ctx := context.WithValue(r.Context(), accountKey{}, account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeUnauthorized writes a 401 Unauthorized response.
// This is implemented directly here to avoid import cycle with response package.
func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	traceID := GetRequestID(r.Context())
	problem := models.NewUnauthorized(traceID, detail)
	problem.Instance = r.URL.Path
	problem.Write(w)
}

// GetAccount retrieves the authenticated account from the context.
// Returns an empty string if not authenticated.
func GetAccount(ctx context.Context) string {
	if account, ok := ctx.Value(accountKey{}).(string); ok {
		return account
	}
	return ""
}
