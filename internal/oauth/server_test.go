package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedUpstream answers the facade without network calls.
type scriptedUpstream struct {
	exchangeErr error
	tokens      UpstreamTokens
	gotCode     string
	gotVerifier string
}

func (s *scriptedUpstream) AuthorizationURL(state, challenge string) string {
	return "https://upstream.example/oauth/authorizations/new?state=" + url.QueryEscape(state) +
		"&code_challenge=" + url.QueryEscape(challenge)
}

func (s *scriptedUpstream) ExchangeCode(_ context.Context, code, verifier string) (UpstreamTokens, error) {
	s.gotCode, s.gotVerifier = code, verifier
	if s.exchangeErr != nil {
		return UpstreamTokens{}, s.exchangeErr
	}
	return s.tokens, nil
}

func (s *scriptedUpstream) Refresh(context.Context, string) (UpstreamTokens, error) {
	return s.tokens, nil
}

func newTestServer(t *testing.T, upstream UpstreamExchanger, opts ...ServerOption) (*Server, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	srv := NewServer(ServerConfig{Issuer: "https://mcp.example.com"},
		store, NewMemoryRegistry(), upstream, opts...)
	return srv, store
}

func healthyUpstream() *scriptedUpstream {
	return &scriptedUpstream{tokens: UpstreamTokens{
		AccessToken:  "upstream-access",
		RefreshToken: "upstream-refresh",
		Expiry:       time.Now().Add(2 * time.Hour),
		Scope:        "read write",
	}}
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandleRegister(t *testing.T) {
	srv, _ := newTestServer(t, healthyUpstream())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/oauth/register",
		strings.NewReader(`{"redirect_uris":["https://app.example.com/callback"]}`))
	srv.HandleRegister(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeJSON(t, rec)
	assert.NotEmpty(t, body["client_id"])
	assert.Equal(t, "none", body["token_endpoint_auth_method"])
	assert.Equal(t, []any{"authorization_code"}, body["grant_types"])
	assert.Equal(t, []any{"code"}, body["response_types"])
	assert.Equal(t, []any{"https://app.example.com/callback"}, body["redirect_uris"])
	assert.NotZero(t, body["client_id_issued_at"])
}

func TestHandleRegisterLoopbackRedirect(t *testing.T) {
	srv, _ := newTestServer(t, healthyUpstream())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/oauth/register",
		strings.NewReader(`{"redirect_uris":["http://localhost:9999/cb"]}`))
	srv.HandleRegister(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "none", body["token_endpoint_auth_method"])
	assert.Equal(t, []any{"http://localhost:9999/cb"}, body["redirect_uris"])
}

func TestHandleRegisterRejectsBadRedirect(t *testing.T) {
	srv, _ := newTestServer(t, healthyUpstream())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/oauth/register",
		strings.NewReader(`{"redirect_uris":["http://evil.example.com/cb"]}`))
	srv.HandleRegister(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeJSON(t, rec)["error"])
}

func TestHandleAuthorizeRedirectsUpstream(t *testing.T) {
	srv, store := newTestServer(t, healthyUpstream())

	clientPKCE := GeneratePKCE()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/oauth/authorize?redirect_uri=https%3A%2F%2Fapp.example.com%2Fcb&code_challenge="+
			clientPKCE.Challenge+"&code_challenge_method=S256&state=client-state", nil)
	srv.HandleAuthorize(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "upstream.example", location.Host)

	state := location.Query().Get("state")
	require.NotEmpty(t, state)
	assert.NotEqual(t, "client-state", state, "the upstream state must be server generated")

	pending, err := store.GetPendingByState(state)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/cb", pending.ClientRedirectURI)
	assert.Equal(t, clientPKCE.Challenge, pending.ClientCodeChallenge)
	assert.Equal(t, "client-state", pending.ClientState)
	assert.Equal(t, location.Query().Get("code_challenge"), S256Challenge(pending.UpstreamVerifier))
}

func TestHandleAuthorizeRejectsPlainChallenge(t *testing.T) {
	srv, _ := newTestServer(t, healthyUpstream())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/oauth/authorize?code_challenge=abc&code_challenge_method=plain", nil)
	srv.HandleAuthorize(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeJSON(t, rec)["error"])
}

func TestHandleAuthorizeUnconfiguredUpstream(t *testing.T) {
	srv, _ := newTestServer(t, nil,
		WithUpstreamError(&ConfigurationError{Missing: "zendesk subdomain"}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	srv.HandleAuthorize(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "server_error", decodeJSON(t, rec)["error"])
}

// startFlow drives the authorize step and returns the upstream state.
func startFlow(t *testing.T, srv *Server, query string) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize"+query, nil)
	srv.HandleAuthorize(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return location.Query().Get("state")
}

func TestFullAuthorizationFlow(t *testing.T) {
	upstream := healthyUpstream()
	srv, _ := newTestServer(t, upstream)

	clientPKCE := GeneratePKCE()
	state := startFlow(t, srv,
		"?redirect_uri=https%3A%2F%2Fapp.example.com%2Fcb&code_challenge="+
			clientPKCE.Challenge+"&code_challenge_method=S256&state=client-state")

	// Upstream redirects back with its code.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/oauth/zendesk/callback?code=upstream-code&state="+url.QueryEscape(state), nil)
	srv.HandleCallback(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "upstream-code", upstream.gotCode)
	assert.NotEmpty(t, upstream.gotVerifier)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", location.Host)
	assert.Equal(t, "client-state", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	// Exchange the local code, presenting the second-hop verifier.
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {clientPKCE.Verifier},
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	srv.HandleToken(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.NotEmpty(t, body["access_token"])
	assert.Equal(t, "Bearer", body["token_type"])
	assert.Equal(t, "read write", body["scope"])
	assert.NotZero(t, body["expires_in"])

	// The code is single use.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	srv.HandleToken(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeJSON(t, rec)["error"])
}

func TestHandleCallbackUnknownState(t *testing.T) {
	srv, _ := newTestServer(t, healthyUpstream())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/oauth/zendesk/callback?code=x&state=never-issued", nil)
	srv.HandleCallback(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCallbackUpstreamDenied(t *testing.T) {
	srv, _ := newTestServer(t, healthyUpstream())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/oauth/zendesk/callback?error=access_denied&error_description=user+said+no", nil)
	srv.HandleCallback(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCallbackExchangeFailureKeepsPending(t *testing.T) {
	upstream := healthyUpstream()
	upstream.exchangeErr = &ExchangeError{Op: "code exchange", StatusCode: 502}
	srv, store := newTestServer(t, upstream)

	state := startFlow(t, srv, "?redirect_uri=https%3A%2F%2Fapp.example.com%2Fcb")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/oauth/zendesk/callback?code=upstream-code&state="+url.QueryEscape(state), nil)
	srv.HandleCallback(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// The flow aborted without consuming the pending authorization.
	_, err := store.GetPendingByState(state)
	assert.NoError(t, err)
}

func TestHandleCallbackRendersCodePage(t *testing.T) {
	srv, _ := newTestServer(t, healthyUpstream())

	state := startFlow(t, srv, "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/oauth/zendesk/callback?code=upstream-code&state="+url.QueryEscape(state), nil)
	srv.HandleCallback(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authorization complete")

	h := rec.Header()
	assert.Equal(t, "no-store, no-cache, must-revalidate, private", h.Get("Cache-Control"))
	assert.Equal(t, "no-cache", h.Get("Pragma"))
	assert.Equal(t, "no-referrer", h.Get("Referrer-Policy"))
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.NotEmpty(t, h.Get("Content-Security-Policy"))
}

func TestHandleTokenUnsupportedGrantType(t *testing.T) {
	srv, _ := newTestServer(t, healthyUpstream())

	form := url.Values{"grant_type": {"client_credentials"}, "code": {"x"}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	srv.HandleToken(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unsupported_grant_type", decodeJSON(t, rec)["error"])
}

func TestHandleTokenJSONBody(t *testing.T) {
	upstream := healthyUpstream()
	srv, store := newTestServer(t, upstream)

	state := startFlow(t, srv, "")
	code, err := store.IssueAuthorizationCode(state, upstream.tokens)
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]string{
		"grant_type": "authorization_code",
		"code":       code,
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")
	srv.HandleToken(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeJSON(t, rec)["access_token"])
}

func TestDiscoveryDocuments(t *testing.T) {
	keys, err := GenerateKeyManager()
	require.NoError(t, err)
	srv, _ := newTestServer(t, healthyUpstream(), WithKeyManager(keys))

	rec := httptest.NewRecorder()
	srv.HandleAuthServerMetadata(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decodeJSON(t, rec)
	assert.Equal(t, "https://mcp.example.com", doc["issuer"])
	assert.Equal(t, "https://mcp.example.com/oauth/authorize", doc["authorization_endpoint"])
	assert.Equal(t, "https://mcp.example.com/oauth/token", doc["token_endpoint"])
	assert.Equal(t, "https://mcp.example.com/oauth/register", doc["registration_endpoint"])
	assert.Equal(t, []any{"S256"}, doc["code_challenge_methods_supported"])
	assert.Equal(t, "https://mcp.example.com/oauth/jwks", doc["jwks_uri"])

	rec = httptest.NewRecorder()
	srv.HandleProtectedResourceMetadata(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	doc = decodeJSON(t, rec)
	assert.Equal(t, "https://mcp.example.com", doc["resource"])
	assert.Equal(t, []any{"https://mcp.example.com"}, doc["authorization_servers"])

	rec = httptest.NewRecorder()
	srv.HandleJWKS(rec, httptest.NewRequest(http.MethodGet, "/oauth/jwks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	jwks := decodeJSON(t, rec)
	require.NotEmpty(t, jwks["keys"])
}
