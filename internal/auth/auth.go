// Package auth defines the identity contract the HTTP layer depends on.
// Token issuance lives in the accounts service; this service only verifies.
package auth

import (
	"context"
	"errors"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Name   string
}

// Verifier checks a bearer token and returns the identity behind it.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}
