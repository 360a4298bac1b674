package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUpstream(t *testing.T, handler http.HandlerFunc) *UpstreamClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := NewUpstreamClient(UpstreamConfig{
		Subdomain:    "example",
		ClientID:     "zendesk-client",
		ClientSecret: "zendesk-secret",
		RedirectURI:  "https://mcp.example.com/oauth/zendesk/callback",
	}, WithUpstreamEndpoints(srv.URL+"/oauth/authorizations/new", srv.URL+"/oauth/tokens"))
	require.NoError(t, err)
	return u
}

func TestNewUpstreamClientValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  UpstreamConfig
	}{
		{"missing subdomain", UpstreamConfig{ClientID: "id", RedirectURI: "https://x/cb"}},
		{"missing client id", UpstreamConfig{Subdomain: "example", RedirectURI: "https://x/cb"}},
		{"missing redirect uri", UpstreamConfig{Subdomain: "example", ClientID: "id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewUpstreamClient(tt.cfg)
			var confErr *ConfigurationError
			assert.ErrorAs(t, err, &confErr)
		})
	}
}

func TestAuthorizationURL(t *testing.T) {
	u, err := NewUpstreamClient(UpstreamConfig{
		Subdomain:   "example",
		ClientID:    "zendesk-client",
		RedirectURI: "https://mcp.example.com/oauth/zendesk/callback",
	})
	require.NoError(t, err)

	url := u.AuthorizationURL("the-state", "the-challenge")

	assert.Contains(t, url, "https://example.zendesk.com/oauth/authorizations/new")
	assert.Contains(t, url, "state=the-state")
	assert.Contains(t, url, "code_challenge=the-challenge")
	assert.Contains(t, url, "code_challenge_method=S256")
	assert.Contains(t, url, "client_id=zendesk-client")
}

func TestExchangeCodeSuccess(t *testing.T) {
	var gotVerifier string
	u := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotVerifier = r.FormValue("code_verifier")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","refresh_token":"rt","token_type":"bearer","expires_in":7200,"scope":"read write"}`))
	})

	tokens, err := u.ExchangeCode(context.Background(), "upstream-code", "the-verifier")
	require.NoError(t, err)

	assert.Equal(t, "the-verifier", gotVerifier)
	assert.Equal(t, "at", tokens.AccessToken)
	assert.Equal(t, "rt", tokens.RefreshToken)
	assert.Equal(t, "read write", tokens.Scope)
	assert.False(t, tokens.Expiry.IsZero())
}

func TestExchangeCodePermanentFailure(t *testing.T) {
	u := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	})

	_, err := u.ExchangeCode(context.Background(), "bad-code", "v")
	require.Error(t, err)
	assert.True(t, IsPermanentExchangeError(err))
}

func TestRefreshTransientFailure(t *testing.T) {
	u := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := u.Refresh(context.Background(), "rt")
	require.Error(t, err)
	assert.False(t, IsPermanentExchangeError(err))
}

func TestRefreshKeepsTokenWhenNotRotated(t *testing.T) {
	u := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","token_type":"bearer","expires_in":7200}`))
	})

	tokens, err := u.Refresh(context.Background(), "original-rt")
	require.NoError(t, err)

	assert.Equal(t, "fresh", tokens.AccessToken)
	assert.Equal(t, "original-rt", tokens.RefreshToken)
}
