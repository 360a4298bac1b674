package oauth

import (
	"sync"
	"time"
)

// PendingAuthorization tracks an authorize-start that has not yet returned
// from the upstream provider. Keyed by State; expires after PendingTTL.
type PendingAuthorization struct {
	State            string
	UpstreamVerifier string
	// ClientRedirectURI and ClientCodeChallenge belong to the calling
	// client (second-hop PKCE); both are optional.
	ClientRedirectURI   string
	ClientCodeChallenge string
	ClientID            string
	ClientState         string
	Scope               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// UpstreamTokens is the credential pair this server holds against the
// upstream provider on behalf of one session.
type UpstreamTokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// authCodeRecord is a one-time authorization code bound to the upstream
// tokens obtained at callback. Stored keyed by the code's hash.
type authCodeRecord struct {
	ClientID            string
	ClientRedirectURI   string
	ClientCodeChallenge string
	Scope               string
	Tokens              UpstreamTokens
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Session is an active authenticated session. It is reachable through
// exactly one local access token and carries two independently expiring
// credentials: the local token (LocalExpiry) and the upstream pair.
//
// The upstream pair is the only mutable part; it is guarded so concurrent
// requests observe refreshes without tearing. Holders of a *Session see
// new credentials immediately after UpdateUpstreamTokens commits.
type Session struct {
	ID          string
	LocalExpiry time.Time
	Scopes      []string
	CreatedAt   time.Time

	mu       sync.RWMutex
	upstream UpstreamTokens
}

// Upstream returns a snapshot of the current upstream credentials.
func (s *Session) Upstream() UpstreamTokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upstream
}

func (s *Session) setUpstream(t UpstreamTokens) {
	s.mu.Lock()
	s.upstream = t
	s.mu.Unlock()
}

// UpstreamExpiring reports whether the upstream access token is within
// buffer of its expiry. Pure predicate, no side effects.
func (s *Session) UpstreamExpiring(buffer time.Duration, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.upstream.Expiry.After(now.Add(buffer))
}

// LocalExpired reports whether the locally issued token is past its TTL.
func (s *Session) LocalExpired(now time.Time) bool {
	return now.After(s.LocalExpiry)
}

// HasScope reports whether the session carries the given scope string.
func (s *Session) HasScope(scope string) bool {
	for _, have := range s.Scopes {
		if have == scope {
			return true
		}
	}
	return false
}

// RegisteredClient is a dynamic client registration record. All
// registrants share the one upstream client id; registration only pins
// the redirect URIs a caller may use.
type RegisteredClient struct {
	ClientID     string
	RedirectURIs []string
	CreatedAt    time.Time
}

// AllowsRedirect reports whether uri is one of the registered redirect URIs.
func (c *RegisteredClient) AllowsRedirect(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// TokenGrant is the result of exchanging an authorization code: a freshly
// minted local access token bound to a new session.
type TokenGrant struct {
	AccessToken string
	ExpiresIn   int
	Scope       string
	Session     *Session
}
