package auth

import (
	"context"
	"time"
)

// ProviderType identifies a credential scheme.
type ProviderType string

const (
	// ProviderPassword exchanges a username/password pair directly.
	ProviderPassword ProviderType = "password"
	// ProviderOAuth runs a redirect-based authorization-code exchange.
	ProviderOAuth ProviderType = "oauth"
)

// SupportedProviders is the compiled-in provider set. A provider may be
// compiled in but runtime-disabled by configuration.
var SupportedProviders = []ProviderType{ProviderPassword, ProviderOAuth}

// Credentials carries scheme-specific login inputs (e.g. username/password).
// May be nil for redirect-based providers.
type Credentials map[string]string

// Token is the bundle returned by every provider.
// ExpiresAt is epoch milliseconds.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// ExpiryTime returns ExpiresAt as a time.Time.
func (t Token) ExpiryTime() time.Time {
	return time.UnixMilli(t.ExpiresAt)
}

// ExpiresWithin reports whether the token's remaining lifetime at now is
// below buffer.
func (t Token) ExpiresWithin(buffer time.Duration, now time.Time) bool {
	return t.ExpiryTime().Before(now.Add(buffer))
}

// Provider is the strategy contract, identical across implementations.
type Provider interface {
	// Authenticate exchanges credentials (or an authorization code obtained
	// via redirect) for a token bundle. Failures distinguish network
	// unreachable, invalid credentials, misconfigured endpoint (404), and
	// server errors.
	Authenticate(ctx context.Context, creds Credentials) (Token, error)

	// RefreshTokens exchanges a refresh token for a new access token.
	// An expired refresh token fails with ErrRefreshTokenExpired so the
	// caller can force logout.
	RefreshTokens(ctx context.Context, refreshToken string) (Token, error)

	// ValidateAuth is a lightweight validity check. On transport failure it
	// falls back to a structural check rather than treating the failure as
	// proof of invalidity.
	ValidateAuth(ctx context.Context, accessToken string) (bool, error)
}
