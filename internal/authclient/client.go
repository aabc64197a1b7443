// Package authclient exchanges OAuth authorization codes for token pairs and
// performs refresh-token exchange. Each provider is a distinct code path
// behind one contract; failures are returned as typed errors, never panics.
package authclient

import (
	"context"

	"github.com/planweave/planweave-auth/internal/model"
)

// Provider identifies an OAuth provider code path.
type Provider string

const (
	ProviderGoogle Provider = "GOOGLE"
	ProviderApple  Provider = "APPLE"

	// ProviderDemo labels the synthesized identity used when OAuth is
	// disabled by configuration. It never reaches the network client.
	ProviderDemo Provider = "DEMO"
)

// SignupInfo carries extra first-login data for providers that need it
// (Apple only returns the user's name with the first authorization).
type SignupInfo struct {
	DisplayName string
	Email       string
}

// LoginResponse is the result of a successful code or refresh exchange.
// User is nil when the provider returned no identity with the response.
type LoginResponse struct {
	Tokens model.Tokens
	User   *model.UserProfile
}

// Client is the outbound contract to the OAuth providers.
type Client interface {
	// LoginWithProvider exchanges an authorization code for a token pair.
	LoginWithProvider(ctx context.Context, provider Provider, code string, extra *SignupInfo) (*LoginResponse, error)
	// RefreshToken exchanges the stored refresh token for a fresh pair.
	RefreshToken(ctx context.Context) (*LoginResponse, error)
	// Logout revokes the stored token at the provider, best effort.
	Logout(ctx context.Context) error
	// IsLoggedIn reports whether a still-valid token is cached locally.
	IsLoggedIn() bool
	// StoredAccessToken returns the cached access token, or "" if none.
	StoredAccessToken() string
}
