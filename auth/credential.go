// Package auth holds the session credential and the refresh collaborator
// used by the connection manager when the channel rejects a credential.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrExpired is returned when a credential is past its expiry.
	ErrExpired = errors.New("credential expired")

	// ErrRefreshFailed is returned when the auth service refuses to issue a
	// fresh credential.
	ErrRefreshFailed = errors.New("credential refresh failed")
)

// Credential is the bearer token presented to the channel and REST services.
type Credential struct {
	Token string
	// Subject is the user the credential was issued to, if known.
	Subject string
	// ExpiresAt is zero for opaque tokens with unknown lifetime.
	ExpiresAt time.Time
}

// ParseCredential builds a Credential from a token. JWTs have their subject
// and expiry extracted without verifying the signature (the server verifies
// it); any other token is treated as opaque.
func ParseCredential(token string) Credential {
	cred := Credential{Token: token}
	if strings.Count(token, ".") != 2 {
		return cred
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return cred
	}
	cred.Subject = claims.Subject
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred
}

// IsZero returns true if no token is set.
func (c Credential) IsZero() bool {
	return c.Token == ""
}

// Expired reports whether the credential is known to be expired at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Refresher obtains a fresh credential from the auth service.
type Refresher interface {
	RefreshCredential(ctx context.Context) (Credential, error)
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context) (Credential, error)

// RefreshCredential calls f(ctx).
func (f RefresherFunc) RefreshCredential(ctx context.Context) (Credential, error) {
	return f(ctx)
}
