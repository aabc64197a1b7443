package authclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/planweave/planweave-auth/internal/errs"
	"github.com/planweave/planweave-auth/internal/model"
	"github.com/planweave/planweave-auth/internal/securestore"
)

// appleEndpoint is Sign in with Apple; x/oauth2 ships no preset for it.
var appleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://appleid.apple.com/auth/authorize",
	TokenURL: "https://appleid.apple.com/auth/token",
}

const defaultTimeout = 15 * time.Second

// ProviderCredentials configures one OAuth provider.
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Config configures the OAuthClient.
type Config struct {
	Google ProviderCredentials
	Apple  ProviderCredentials

	// Timeout bounds every network call; zero means defaultTimeout.
	Timeout time.Duration
}

// OAuthClient implements Client over golang.org/x/oauth2. Successful
// exchanges are written through to the token store so that IsLoggedIn and
// cold-start initialization see the latest material.
type OAuthClient struct {
	configs map[Provider]*oauth2.Config
	revoke  map[Provider]string
	store   securestore.TokenStore
	timeout time.Duration
	log     *zap.Logger
}

// NewOAuthClient constructs a provider-backed client.
func NewOAuthClient(cfg Config, store securestore.TokenStore, log *zap.Logger) *OAuthClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &OAuthClient{
		configs: map[Provider]*oauth2.Config{
			ProviderGoogle: {
				ClientID:     cfg.Google.ClientID,
				ClientSecret: cfg.Google.ClientSecret,
				RedirectURL:  cfg.Google.RedirectURL,
				Endpoint:     google.Endpoint,
				Scopes:       []string{"openid", "email", "profile"},
			},
			ProviderApple: {
				ClientID:     cfg.Apple.ClientID,
				ClientSecret: cfg.Apple.ClientSecret,
				RedirectURL:  cfg.Apple.RedirectURL,
				Endpoint:     appleEndpoint,
				Scopes:       []string{"name", "email"},
			},
		},
		revoke: map[Provider]string{
			ProviderGoogle: "https://oauth2.googleapis.com/revoke",
			ProviderApple:  "https://appleid.apple.com/auth/revoke",
		},
		store:   store,
		timeout: timeout,
		log:     log,
	}
}

var _ Client = (*OAuthClient)(nil)

// SetEndpoint overrides a provider endpoint; used by tests to point the
// client at a local server.
func (c *OAuthClient) SetEndpoint(p Provider, ep oauth2.Endpoint, revokeURL string) {
	if cfg, ok := c.configs[p]; ok {
		cfg.Endpoint = ep
	}
	if revokeURL != "" {
		c.revoke[p] = revokeURL
	}
}

// LoginWithProvider exchanges an authorization code for a token pair and
// stores the result.
func (c *OAuthClient) LoginWithProvider(ctx context.Context, provider Provider, code string, extra *SignupInfo) (*LoginResponse, error) {
	cfg, ok := c.configs[provider]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", errs.ErrInvalidCredentials, provider)
	}
	if code == "" {
		return nil, fmt.Errorf("%w: empty authorization code", errs.ErrInvalidCredentials)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, mapOAuthErr(err, false)
	}

	profile, err := profileFromToken(tok, provider, extra)
	if err != nil {
		return nil, err
	}

	c.log.Debug("token exchange complete",
		zap.String("provider", string(provider)),
		zap.Time("expires_at", tok.Expiry),
	)

	resp := &LoginResponse{
		Tokens: model.Tokens{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry,
		},
		User: profile,
	}
	if err := c.store.Save(securestore.State{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		UserID:       profile.UserID,
		Provider:     string(provider),
		ExpiresAt:    tok.Expiry,
	}); err != nil {
		return nil, err
	}
	return resp, nil
}

// RefreshToken exchanges the stored refresh token for a fresh pair.
func (c *OAuthClient) RefreshToken(ctx context.Context) (*LoginResponse, error) {
	st, ok := c.store.Get()
	if !ok || st.RefreshToken == "" {
		return nil, errs.ErrTokenExpired
	}
	cfg, ok := c.configs[Provider(st.Provider)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", errs.ErrTokenExpired, st.Provider)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: st.RefreshToken}).Token()
	if err != nil {
		return nil, mapOAuthErr(err, true)
	}
	// providers may rotate the refresh token or keep the old one
	if tok.RefreshToken == "" {
		tok.RefreshToken = st.RefreshToken
	}

	profile, _ := profileFromToken(tok, Provider(st.Provider), nil)
	userID := st.UserID
	if profile != nil && profile.UserID != "" {
		userID = profile.UserID
	}

	next := st
	next.AccessToken = tok.AccessToken
	next.RefreshToken = tok.RefreshToken
	next.UserID = userID
	next.ExpiresAt = tok.Expiry
	if err := c.store.Save(next); err != nil {
		return nil, err
	}
	c.log.Debug("token refresh complete", zap.Time("expires_at", tok.Expiry))
	return &LoginResponse{
		Tokens: model.Tokens{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry,
		},
		User: profile,
	}, nil
}

// Logout revokes the stored token at the provider. The local cache is
// cleared by the caller regardless of the outcome here.
func (c *OAuthClient) Logout(ctx context.Context) error {
	st, ok := c.store.Get()
	if !ok || st.AccessToken == "" {
		return nil
	}
	revokeURL, ok := c.revoke[Provider(st.Provider)]
	if !ok || revokeURL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{"token": {st.AccessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return mapOAuthErr(err, false)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: revoke returned %d", errs.ErrServer, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: revoke returned %d", errs.ErrInvalidCredentials, resp.StatusCode)
	}
	return nil
}

// IsLoggedIn reports whether a still-valid token is cached locally.
func (c *OAuthClient) IsLoggedIn() bool { return c.store.HasValidToken() }

// StoredAccessToken returns the cached access token, or "" if none.
func (c *OAuthClient) StoredAccessToken() string {
	st, ok := c.store.Get()
	if !ok {
		return ""
	}
	return st.AccessToken
}

// profileFromToken extracts the user profile from the id_token claims.
// The id_token signature is the provider's; we only read claims here, the
// access token itself is what the backend validates.
func profileFromToken(tok *oauth2.Token, provider Provider, extra *SignupInfo) (*model.UserProfile, error) {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		if extra == nil {
			return nil, fmt.Errorf("%w: token response carried no identity", errs.ErrServer)
		}
		return &model.UserProfile{
			Email:       extra.Email,
			DisplayName: extra.DisplayName,
			Provider:    string(provider),
		}, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: malformed id_token: %v", errs.ErrServer, err)
	}

	p := &model.UserProfile{
		UserID:      stringClaim(claims, "sub"),
		Email:       stringClaim(claims, "email"),
		DisplayName: stringClaim(claims, "name"),
		Provider:    string(provider),
		AvatarURL:   stringClaim(claims, "picture"),
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("%w: id_token missing subject", errs.ErrServer)
	}
	if extra != nil {
		if p.DisplayName == "" {
			p.DisplayName = extra.DisplayName
		}
		if p.Email == "" {
			p.Email = extra.Email
		}
	}
	return p, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// mapOAuthErr translates transport and provider failures into sentinels.
// refresh selects the refresh-grant interpretation of invalid_grant.
func mapOAuthErr(err error, refresh bool) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", errs.ErrUserCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errs.ErrNetwork, err)
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		switch {
		case rerr.Response != nil && rerr.Response.StatusCode >= 500:
			return fmt.Errorf("%w: %v", errs.ErrServer, err)
		case refresh && rerr.ErrorCode == "invalid_grant":
			return fmt.Errorf("%w: refresh token rejected", errs.ErrTokenExpired)
		default:
			return fmt.Errorf("%w: %v", errs.ErrInvalidCredentials, err)
		}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%w: %v", errs.ErrNetwork, err)
	}
	return fmt.Errorf("%w: %v", errs.ErrNetwork, err)
}
