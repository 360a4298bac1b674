package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stackdesk/zendesk-mcp/internal/audit"
)

// DefaultScope is granted when the caller does not narrow the request.
const DefaultScope = "read write"

// ServerConfig configures the authorization server surface.
type ServerConfig struct {
	// Issuer is this server's public base URL, e.g. https://mcp.example.com.
	Issuer string
	// CallbackPath is where the upstream provider redirects back to.
	CallbackPath string
	// ScopesSupported is advertised in the discovery documents.
	ScopesSupported []string
}

func (c *ServerConfig) applyDefaults() {
	if c.CallbackPath == "" {
		c.CallbackPath = "/oauth/zendesk/callback"
	}
	if len(c.ScopesSupported) == 0 {
		c.ScopesSupported = strings.Fields(DefaultScope)
	}
	c.Issuer = strings.TrimRight(c.Issuer, "/")
}

// Server is the OAuth 2.1 authorization surface: authorize, callback,
// register, token and the discovery documents. It drives a session
// through PENDING -> CODE_ISSUED -> ACTIVE; expiry and revocation remove
// it from the store.
type Server struct {
	cfg      ServerConfig
	store    SessionStore
	clients  ClientRegistry
	upstream UpstreamExchanger
	// upstreamErr holds the ConfigurationError captured at startup; the
	// authorize flow reports it once per request and never retries.
	upstreamErr error
	keys        *KeyManager
	logger      *slog.Logger
	auditor     *audit.Auditor
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithKeyManager enables the JWKS endpoint.
func WithKeyManager(keys *KeyManager) ServerOption {
	return func(s *Server) { s.keys = keys }
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithServerAuditor attaches an audit sink.
func WithServerAuditor(a *audit.Auditor) ServerOption {
	return func(s *Server) { s.auditor = a }
}

// WithUpstreamError records a startup configuration failure. Authorize
// requests answer 500 server_error until the configuration is fixed.
func WithUpstreamError(err error) ServerOption {
	return func(s *Server) { s.upstreamErr = err }
}

// NewServer builds the authorization server facade. upstream may be nil
// when configuration was incomplete; pass the error via WithUpstreamError.
func NewServer(cfg ServerConfig, store SessionStore, clients ClientRegistry, upstream UpstreamExchanger, opts ...ServerOption) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:      cfg,
		store:    store,
		clients:  clients,
		upstream: upstream,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes registers every OAuth endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/oauth/authorize", s.HandleAuthorize)
	mux.HandleFunc(s.cfg.CallbackPath, s.HandleCallback)
	mux.HandleFunc("/oauth/register", s.HandleRegister)
	mux.HandleFunc("/oauth/token", s.HandleToken)
	mux.HandleFunc("/oauth/jwks", s.HandleJWKS)
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.HandleAuthServerMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", s.HandleProtectedResourceMetadata)
	mux.HandleFunc("/health", s.HandleHealth)
}

// ResourceMetadataURL is advertised in WWW-Authenticate challenges.
func (s *Server) ResourceMetadataURL() string {
	return s.cfg.Issuer + "/.well-known/oauth-protected-resource"
}

// HandleAuthorize starts the flow: creates the pending authorization and
// redirects the caller to the upstream provider.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.upstream == nil {
		msg := "upstream provider is not configured"
		if s.upstreamErr != nil {
			msg = s.upstreamErr.Error()
		}
		s.logger.Error("authorize rejected", "error", msg)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "server_error",
			"message": msg,
		})
		return
	}

	query := r.URL.Query()
	clientRedirect := query.Get("redirect_uri")
	clientChallenge := query.Get("code_challenge")
	challengeMethod := query.Get("code_challenge_method")
	clientID := query.Get("client_id")
	clientState := query.Get("state")

	if clientChallenge != "" && !strings.EqualFold(challengeMethod, PKCEMethodS256) {
		writeOAuthError(w, "invalid_request", "only the S256 code_challenge_method is supported")
		return
	}

	if clientRedirect != "" {
		if clientID != "" {
			client, err := s.clients.GetClient(clientID)
			if err != nil {
				writeOAuthError(w, "invalid_request", "unknown client_id")
				return
			}
			if !client.AllowsRedirect(clientRedirect) {
				writeOAuthError(w, "invalid_request", "redirect_uri is not registered for this client")
				return
			}
		} else if err := ValidateRedirectURI(clientRedirect); err != nil {
			writeOAuthError(w, "invalid_request", err.Error())
			return
		}
	}

	scope := strings.TrimSpace(query.Get("scope"))
	if scope == "" {
		scope = DefaultScope
	}

	pkce := GeneratePKCE()
	state := GenerateState()

	pending := &PendingAuthorization{
		State:               state,
		UpstreamVerifier:    pkce.Verifier,
		ClientRedirectURI:   clientRedirect,
		ClientCodeChallenge: clientChallenge,
		ClientID:            clientID,
		ClientState:         clientState,
		Scope:               scope,
	}
	if err := s.store.CreatePending(pending); err != nil {
		s.logger.Error("failed to store pending authorization", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "server_error",
			"message": "failed to start authorization",
		})
		return
	}

	s.auditor.Log(audit.Event{
		Type:     audit.EventFlowStarted,
		ClientID: clientID,
		Details:  map[string]any{"scope": scope},
	})

	http.Redirect(w, r, s.upstream.AuthorizationURL(state, pkce.Challenge), http.StatusFound)
}

// HandleCallback completes the upstream hop: validates state, exchanges
// the upstream code and mints the one-time local authorization code.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	if upstreamErr := query.Get("error"); upstreamErr != "" {
		s.logger.Warn("upstream authorization denied",
			"error", upstreamErr,
			"description", query.Get("error_description"))
		s.renderErrorPage(w, http.StatusBadRequest,
			"Authorization failed",
			fmt.Sprintf("The provider reported: %s", upstreamErr))
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		s.renderErrorPage(w, http.StatusBadRequest, "Authorization failed", "missing code or state")
		return
	}

	pending, err := s.store.GetPendingByState(state)
	if err != nil {
		s.auditor.AuthFailure("", "invalid_state")
		s.renderErrorPage(w, http.StatusBadRequest, "Authorization failed",
			"unknown or expired state; start the flow again at /oauth/authorize")
		return
	}

	tokens, err := s.upstream.ExchangeCode(r.Context(), code, pending.UpstreamVerifier)
	if err != nil {
		// The flow aborts without consuming the pending authorization.
		s.logger.Error("upstream code exchange failed", "error", err)
		s.renderErrorPage(w, http.StatusBadGateway, "Authorization failed",
			"could not exchange the authorization code with the provider")
		return
	}

	localCode, err := s.store.IssueAuthorizationCode(state, tokens)
	if err != nil {
		s.renderErrorPage(w, http.StatusBadRequest, "Authorization failed",
			"unknown or expired state; start the flow again at /oauth/authorize")
		return
	}

	s.auditor.Log(audit.Event{Type: audit.EventCodeIssued, ClientID: pending.ClientID})

	if pending.ClientRedirectURI != "" {
		echoState := pending.ClientState
		if echoState == "" {
			echoState = state
		}
		http.Redirect(w, r, buildRedirect(pending.ClientRedirectURI, localCode, echoState), http.StatusFound)
		return
	}

	s.renderCodePage(w, localCode)
}

// HandleToken exchanges a local authorization code for a local access
// token bound to a fresh session.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	form, err := parseTokenRequest(r)
	if err != nil {
		writeOAuthError(w, "invalid_request", err.Error())
		return
	}

	switch form.GrantType {
	case "authorization_code":
	case "":
		writeOAuthError(w, "invalid_request", "grant_type is required")
		return
	default:
		writeOAuthError(w, "unsupported_grant_type", "only authorization_code is supported")
		return
	}

	if form.Code == "" {
		writeOAuthError(w, "invalid_request", "code is required")
		return
	}

	grant, err := s.store.ExchangeAuthorizationCode(form.Code, form.CodeVerifier)
	if err != nil {
		s.auditor.AuthFailure(form.ClientID, "invalid_grant")
		writeOAuthError(w, "invalid_grant", "authorization code is invalid, expired or already used")
		return
	}

	s.auditor.Log(audit.Event{
		Type:      audit.EventTokenIssued,
		SessionID: grant.Session.ID,
		ClientID:  form.ClientID,
		Details:   map[string]any{"scope": grant.Scope},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": grant.AccessToken,
		"token_type":   "Bearer",
		"expires_in":   grant.ExpiresIn,
		"scope":        grant.Scope,
	})
}

// HandleRegister performs dynamic client registration. Every client is
// public; only the redirect URIs are recorded.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RedirectURIs []string `json:"redirect_uris"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, "invalid_request", "invalid JSON body")
		return
	}

	client, err := NewRegisteredClient(req.RedirectURIs)
	if err != nil {
		writeOAuthError(w, "invalid_request", err.Error())
		return
	}
	if err := s.clients.RegisterClient(client); err != nil {
		s.logger.Error("failed to store client registration", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "server_error",
			"message": "failed to register client",
		})
		return
	}

	s.auditor.Log(audit.Event{Type: audit.EventClientRegistered, ClientID: client.ClientID})

	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":                  client.ClientID,
		"client_id_issued_at":        client.CreatedAt.Unix(),
		"token_endpoint_auth_method": "none",
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                []string{"authorization_code"},
		"response_types":             []string{"code"},
		"scope":                      DefaultScope,
	})
}

// HandleAuthServerMetadata serves RFC 8414 discovery.
func (s *Server) HandleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	issuer := s.cfg.Issuer
	doc := map[string]any{
		"issuer":                           issuer,
		"authorization_endpoint":           issuer + "/oauth/authorize",
		"token_endpoint":                   issuer + "/oauth/token",
		"registration_endpoint":            issuer + "/oauth/register",
		"grant_types_supported":            []string{"authorization_code"},
		"response_types_supported":         []string{"code"},
		"code_challenge_methods_supported": []string{PKCEMethodS256},
		"scopes_supported":                 s.cfg.ScopesSupported,
	}
	if s.keys != nil {
		doc["jwks_uri"] = issuer + "/oauth/jwks"
	}
	writeJSON(w, http.StatusOK, doc)
}

// HandleProtectedResourceMetadata serves RFC 9728 discovery.
func (s *Server) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":                 s.cfg.Issuer,
		"authorization_servers":    []string{s.cfg.Issuer},
		"scopes_supported":         s.cfg.ScopesSupported,
		"bearer_methods_supported": []string{"header"},
	})
}

// HandleJWKS serves the signing key set.
func (s *Server) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.keys == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.keys.JWKS())
}

// HandleHealth reports liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// renderCodePage shows the one-time authorization code to callers that
// did not supply a redirect URI. The response must never be cached.
func (s *Server) renderCodePage(w http.ResponseWriter, code string) {
	setSensitivePageHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Authorization complete</title></head>
<body>
  <h1>Authorization complete</h1>
  <p>Copy this one-time code into your client. It expires in 10 minutes and can be used once.</p>
  <pre><code>%s</code></pre>
</body>
</html>`, html.EscapeString(code))
}

func (s *Server) renderErrorPage(w http.ResponseWriter, status int, title, detail string) {
	setSensitivePageHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>%s</title></head>
<body><h1>%s</h1><p>%s</p></body>
</html>`, html.EscapeString(title), html.EscapeString(title), html.EscapeString(detail))
}

func setSensitivePageHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
	h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
}

// tokenRequest is the token endpoint body, accepted as form or JSON.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
	ClientID     string `json:"client_id"`
}

func parseTokenRequest(r *http.Request) (*tokenRequest, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, errors.New("invalid JSON body")
		}
		return &req, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, errors.New("invalid form body")
	}
	return &tokenRequest{
		GrantType:    r.FormValue("grant_type"),
		Code:         r.FormValue("code"),
		CodeVerifier: r.FormValue("code_verifier"),
		RedirectURI:  r.FormValue("redirect_uri"),
		ClientID:     r.FormValue("client_id"),
	}, nil
}

func buildRedirect(base, code, state string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOAuthError(w http.ResponseWriter, code, description string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
