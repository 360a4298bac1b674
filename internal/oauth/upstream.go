package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// DefaultUpstreamTimeout bounds every network call to the upstream
// provider. Timeouts are classified as transient.
const DefaultUpstreamTimeout = 30 * time.Second

// UpstreamConfig identifies the Zendesk instance this server exchanges
// tokens with. One client id is shared across all dynamically registered
// callers; this is an intentional simplification, not multi-tenancy.
type UpstreamConfig struct {
	Subdomain    string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// UpstreamExchanger is the client-side half of OAuth against the upstream
// provider. Implemented by UpstreamClient; faked in tests.
type UpstreamExchanger interface {
	AuthorizationURL(state, challenge string) string
	ExchangeCode(ctx context.Context, code, verifier string) (UpstreamTokens, error)
	Refresh(ctx context.Context, refreshToken string) (UpstreamTokens, error)
}

// UpstreamClient performs authorize-URL construction, code exchange and
// refresh against a Zendesk instance.
type UpstreamClient struct {
	cfg        oauth2.Config
	httpClient *http.Client
}

// UpstreamOption configures an UpstreamClient.
type UpstreamOption func(*UpstreamClient)

// WithUpstreamHTTPClient overrides the HTTP client used for token calls.
func WithUpstreamHTTPClient(hc *http.Client) UpstreamOption {
	return func(u *UpstreamClient) { u.httpClient = hc }
}

// WithUpstreamEndpoints overrides the authorize/token URLs. Tests point
// this at an httptest server.
func WithUpstreamEndpoints(authURL, tokenURL string) UpstreamOption {
	return func(u *UpstreamClient) {
		u.cfg.Endpoint = oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL}
	}
}

// NewUpstreamClient validates the configuration and builds the client.
// Missing subdomain, client id or redirect URI is a ConfigurationError,
// fatal to the authorize flow.
func NewUpstreamClient(cfg UpstreamConfig, opts ...UpstreamOption) (*UpstreamClient, error) {
	switch {
	case cfg.Subdomain == "":
		return nil, &ConfigurationError{Missing: "zendesk subdomain"}
	case cfg.ClientID == "":
		return nil, &ConfigurationError{Missing: "zendesk oauth client id"}
	case cfg.RedirectURI == "":
		return nil, &ConfigurationError{Missing: "zendesk oauth redirect uri"}
	}

	base := fmt.Sprintf("https://%s.zendesk.com", cfg.Subdomain)
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read", "write"}
	}

	u := &UpstreamClient{
		cfg: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  base + "/oauth/authorizations/new",
				TokenURL: base + "/oauth/tokens",
			},
		},
		httpClient: &http.Client{Timeout: DefaultUpstreamTimeout},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// AuthorizationURL builds the upstream authorize URL carrying our PKCE
// challenge and state. Deterministic; no network call.
func (u *UpstreamClient) AuthorizationURL(state, challenge string) string {
	return u.cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", PKCEMethodS256),
	)
}

// ExchangeCode swaps an upstream authorization code for tokens.
func (u *UpstreamClient) ExchangeCode(ctx context.Context, code, verifier string) (UpstreamTokens, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, u.httpClient)
	tok, err := u.cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return UpstreamTokens{}, classifyExchangeError("code exchange", err)
	}
	return tokensFromOAuth2(tok), nil
}

// Refresh obtains a fresh upstream access token. Callers classify the
// returned error with IsPermanentExchangeError before deciding to retry.
func (u *UpstreamClient) Refresh(ctx context.Context, refreshToken string) (UpstreamTokens, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, u.httpClient)
	src := u.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return UpstreamTokens{}, classifyExchangeError("refresh", err)
	}
	out := tokensFromOAuth2(tok)
	// Providers that do not rotate refresh tokens omit the field.
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

func tokensFromOAuth2(tok *oauth2.Token) UpstreamTokens {
	scope, _ := tok.Extra("scope").(string)
	return UpstreamTokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        scope,
	}
}

// classifyExchangeError splits upstream failures into permanent (any 4xx,
// credentials revoked or invalid) and transient (network errors, timeouts
// and 5xx, eligible for retry).
func classifyExchangeError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := retrieveErr.Response.StatusCode
		return &ExchangeError{
			Op:         op,
			StatusCode: status,
			Permanent:  status >= 400 && status < 500,
			Err:        err,
		}
	}
	return &ExchangeError{Op: op, Err: err}
}
