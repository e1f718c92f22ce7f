// Package auth verifies the opaque bearer credential devices and extensions
// present on every request. Credential issuance and user consent flows live
// with an external identity collaborator; this package only consumes tokens.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Predefined credential errors.
var (
	ErrInvalidCredential = errors.New("invalid bearer credential")
	ErrCredentialExpired = errors.New("bearer credential has expired")
)

// Verifier validates a bearer credential and resolves the account it was
// issued to.
type Verifier interface {
	VerifyCredential(tokenString string) (account string, err error)
}

// Claims are the claims carried by access tokens. The account is the subject.
type Claims struct {
	jwt.RegisteredClaims

	// Account is the account identifier, mirrored from the subject for
	// older issuers that used a custom claim.
	Account string `json:"acct,omitempty"`
}

// JWTConfig holds configuration for the JWT verifier.
type JWTConfig struct {
	// SigningKey is the shared secret the issuer signs tokens with.
	SigningKey string

	// Issuer is the expected issuer claim.
	Issuer string

	// Audience is the expected audience claim.
	Audience string
}

// JWTVerifier validates HS256 access tokens.
type JWTVerifier struct {
	signingKey []byte
	issuer     string
	audience   string
}

// NewJWTVerifier creates a new JWT credential verifier.
func NewJWTVerifier(cfg JWTConfig) *JWTVerifier {
	return &JWTVerifier{
		signingKey: []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
	}
}

// VerifyCredential validates the token and returns the account it belongs to.
func (v *JWTVerifier) VerifyCredential(tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrCredentialExpired
		}
		return "", fmt.Errorf("%w: %s", ErrInvalidCredential, err.Error())
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidCredential
	}

	account := claims.Subject
	if account == "" {
		account = claims.Account
	}
	if account == "" {
		return "", ErrInvalidCredential
	}
	return account, nil
}

// Ensure JWTVerifier implements Verifier interface.
var _ Verifier = (*JWTVerifier)(nil)
