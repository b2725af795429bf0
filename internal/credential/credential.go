// Package credential caches provider-issued access tokens.
//
// A Cache serves a persisted token while it is unexpired and refreshes it
// through the provider's Issuer otherwise. Stores replace whole values, so a
// reader sees either the old credential or the new one, never a mix.
package credential

import (
	"context"
	"time"
)

// Credential is a token plus its absolute expiry. The JSON shape matches the
// token file earlier deployments left in the temp dir: expires_in holds epoch
// milliseconds, not a lifetime.
type Credential struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_in"`
}

// Valid reports whether the credential can still be used at now.
func (c Credential) Valid(now time.Time) bool {
	return c.AccessToken != "" && c.ExpiresAt > now.UnixMilli()
}

// Expiry returns ExpiresAt as a time.Time.
func (c Credential) Expiry() time.Time {
	return time.UnixMilli(c.ExpiresAt)
}

// Store persists one Credential per provider. Implementations must be safe
// for concurrent use and replace values atomically. Load reports false when
// nothing is stored for the provider.
type Store interface {
	Load(ctx context.Context, provider string) (Credential, bool, error)
	Save(ctx context.Context, provider string, cred Credential) error
}

// Token is what an Issuer hands back: the token and how long it lives.
type Token struct {
	AccessToken string
	Lifetime    time.Duration
}

// Issuer obtains a fresh token from a provider's credential endpoint.
type Issuer interface {
	Issue(ctx context.Context) (Token, error)
}

// IssuerFunc adapts a function to the Issuer interface.
type IssuerFunc func(ctx context.Context) (Token, error)

// Issue calls f.
func (f IssuerFunc) Issue(ctx context.Context) (Token, error) { return f(ctx) }
