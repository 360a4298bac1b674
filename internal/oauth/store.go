package oauth

import (
	"crypto/subtle"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default lifetimes for the flow records and the two token clocks.
const (
	DefaultPendingTTL    = 10 * time.Minute
	DefaultCodeTTL       = 10 * time.Minute
	DefaultLocalTokenTTL = 24 * time.Hour
)

// SessionStore is the shared mutable state of the authorization layer:
// pending authorizations, one-time codes and active sessions. Every
// operation is atomic with respect to all other operations on the same
// key, and the store is safe for arbitrary concurrent callers.
//
// The in-memory implementation below is the default; the interface exists
// so an external keyed store can be substituted without touching protocol
// logic.
type SessionStore interface {
	// CreatePending stores a pending authorization keyed by its state token.
	CreatePending(p *PendingAuthorization) error

	// GetPendingByState looks a pending authorization up without
	// consuming it. Unknown or expired states return ErrInvalidState.
	GetPendingByState(state string) (*PendingAuthorization, error)

	// IssueAuthorizationCode mints a one-time code bound to the upstream
	// tokens obtained at callback, and deletes the consumed pending
	// authorization in the same step.
	IssueAuthorizationCode(state string, tokens UpstreamTokens) (string, error)

	// ExchangeAuthorizationCode consumes a code, verifies the second-hop
	// PKCE verifier against the challenge captured at authorize time, and
	// mints a session with a fresh local access token. Every failure mode
	// is reported as ErrInvalidGrant.
	ExchangeAuthorizationCode(code, clientVerifier string) (*TokenGrant, error)

	// GetSession resolves a local access token to its session.
	GetSession(localAccessToken string) (*Session, error)

	// DeleteSession removes a session. Deleting an unknown token is a no-op.
	DeleteSession(localAccessToken string) error

	// UpdateUpstreamTokens swaps the session's upstream credentials in
	// place, preserving the session's identity. It fails with
	// ErrUnknownSession if the session was deleted in the meantime, so an
	// abandoned refresh is never applied.
	UpdateUpstreamTokens(localAccessToken string, tokens UpstreamTokens) error

	// Sweep removes every pending authorization, code and session past its
	// expiry as of now, reporting the ids of the removed sessions so the
	// caller can release resources tied to them. Safe to run concurrently
	// with the request path.
	Sweep(now time.Time) (removed int, sessionIDs []string)
}

// TokenIssuer mints local access tokens for freshly created sessions.
type TokenIssuer interface {
	Issue(s *Session) (string, error)
}

// OpaqueIssuer issues random bearer tokens with no embedded claims.
type OpaqueIssuer struct{}

func (OpaqueIssuer) Issue(*Session) (string, error) { return RandomToken(), nil }

// MemoryStore is the process-local SessionStore. Sessions and codes are
// keyed by the SHA-256 of the presented secret.
type MemoryStore struct {
	pendingTTL    time.Duration
	codeTTL       time.Duration
	localTokenTTL time.Duration
	issuer        TokenIssuer
	logger        *slog.Logger
	now           func() time.Time

	mu       sync.RWMutex
	pending  map[string]*PendingAuthorization
	codes    map[string]*authCodeRecord
	sessions map[string]*Session
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithTokenIssuer sets the local-token issuer (RS256 JWTs in production,
// opaque tokens by default).
func WithTokenIssuer(issuer TokenIssuer) MemoryStoreOption {
	return func(m *MemoryStore) { m.issuer = issuer }
}

// WithLocalTokenTTL overrides the local access token lifetime.
func WithLocalTokenTTL(ttl time.Duration) MemoryStoreOption {
	return func(m *MemoryStore) { m.localTokenTTL = ttl }
}

// WithPendingTTL overrides the pending-authorization lifetime.
func WithPendingTTL(ttl time.Duration) MemoryStoreOption {
	return func(m *MemoryStore) { m.pendingTTL = ttl }
}

// WithCodeTTL overrides the authorization-code lifetime.
func WithCodeTTL(ttl time.Duration) MemoryStoreOption {
	return func(m *MemoryStore) { m.codeTTL = ttl }
}

// WithStoreLogger sets the store's logger.
func WithStoreLogger(logger *slog.Logger) MemoryStoreOption {
	return func(m *MemoryStore) { m.logger = logger }
}

// WithClock overrides the store's clock. Tests only.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{
		pendingTTL:    DefaultPendingTTL,
		codeTTL:       DefaultCodeTTL,
		localTokenTTL: DefaultLocalTokenTTL,
		issuer:        OpaqueIssuer{},
		logger:        slog.Default(),
		now:           time.Now,
		pending:       make(map[string]*PendingAuthorization),
		codes:         make(map[string]*authCodeRecord),
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LocalTokenTTL returns the configured local access token lifetime.
func (m *MemoryStore) LocalTokenTTL() time.Duration { return m.localTokenTTL }

// PendingTTL returns the configured pending-authorization lifetime.
func (m *MemoryStore) PendingTTL() time.Duration { return m.pendingTTL }

func (m *MemoryStore) CreatePending(p *PendingAuthorization) error {
	now := m.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = p.CreatedAt.Add(m.pendingTTL)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[p.State]; exists {
		return ErrInvalidState
	}
	m.pending[p.State] = p
	return nil
}

func (m *MemoryStore) GetPendingByState(state string) (*PendingAuthorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pending[state]
	if !ok || m.now().After(p.ExpiresAt) {
		return nil, ErrInvalidState
	}
	return p, nil
}

func (m *MemoryStore) IssueAuthorizationCode(state string, tokens UpstreamTokens) (string, error) {
	now := m.now()
	code := RandomToken()

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[state]
	if !ok || now.After(p.ExpiresAt) {
		return "", ErrInvalidState
	}
	delete(m.pending, state)

	m.codes[HashToken(code)] = &authCodeRecord{
		ClientID:            p.ClientID,
		ClientRedirectURI:   p.ClientRedirectURI,
		ClientCodeChallenge: p.ClientCodeChallenge,
		Scope:               p.Scope,
		Tokens:              tokens,
		CreatedAt:           now,
		ExpiresAt:           now.Add(m.codeTTL),
	}
	return code, nil
}

func (m *MemoryStore) ExchangeAuthorizationCode(code, clientVerifier string) (*TokenGrant, error) {
	now := m.now()
	codeHash := HashToken(code)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.codes[codeHash]
	if !ok {
		return nil, ErrInvalidGrant
	}
	// Consume regardless of outcome: a failed exchange burns the code.
	delete(m.codes, codeHash)

	if now.After(rec.ExpiresAt) {
		return nil, ErrInvalidGrant
	}
	if rec.ClientCodeChallenge != "" {
		if clientVerifier == "" {
			return nil, ErrInvalidGrant
		}
		computed := S256Challenge(clientVerifier)
		if subtle.ConstantTimeCompare([]byte(computed), []byte(rec.ClientCodeChallenge)) != 1 {
			return nil, ErrInvalidGrant
		}
	}

	session := &Session{
		ID:          uuid.NewString(),
		LocalExpiry: now.Add(m.localTokenTTL),
		Scopes:      splitScopes(rec.Scope),
		CreatedAt:   now,
		upstream:    rec.Tokens,
	}

	token, err := m.issuer.Issue(session)
	if err != nil {
		m.logger.Error("local token issuance failed", "error", err)
		return nil, ErrInvalidGrant
	}
	m.sessions[HashToken(token)] = session

	return &TokenGrant{
		AccessToken: token,
		ExpiresIn:   int(m.localTokenTTL.Seconds()),
		Scope:       rec.Scope,
		Session:     session,
	}, nil
}

func (m *MemoryStore) GetSession(localAccessToken string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[HashToken(localAccessToken)]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

func (m *MemoryStore) DeleteSession(localAccessToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, HashToken(localAccessToken))
	return nil
}

func (m *MemoryStore) UpdateUpstreamTokens(localAccessToken string, tokens UpstreamTokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[HashToken(localAccessToken)]
	if !ok {
		return ErrUnknownSession
	}
	s.setUpstream(tokens)
	return nil
}

// Sweep collects expired keys under a read lock, then deletes them in a
// short write section, re-checking expiry so a concurrently renewed
// record is left untouched.
func (m *MemoryStore) Sweep(now time.Time) (int, []string) {
	var expiredPending, expiredCodes, expiredSessions []string

	m.mu.RLock()
	for state, p := range m.pending {
		if now.After(p.ExpiresAt) {
			expiredPending = append(expiredPending, state)
		}
	}
	for hash, c := range m.codes {
		if now.After(c.ExpiresAt) {
			expiredCodes = append(expiredCodes, hash)
		}
	}
	for hash, s := range m.sessions {
		if s.LocalExpired(now) {
			expiredSessions = append(expiredSessions, hash)
		}
	}
	m.mu.RUnlock()

	removed := 0
	var sessionIDs []string
	m.mu.Lock()
	for _, state := range expiredPending {
		if p, ok := m.pending[state]; ok && now.After(p.ExpiresAt) {
			delete(m.pending, state)
			removed++
		}
	}
	for _, hash := range expiredCodes {
		if c, ok := m.codes[hash]; ok && now.After(c.ExpiresAt) {
			delete(m.codes, hash)
			removed++
		}
	}
	for _, hash := range expiredSessions {
		if s, ok := m.sessions[hash]; ok && s.LocalExpired(now) {
			delete(m.sessions, hash)
			sessionIDs = append(sessionIDs, s.ID)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("swept expired auth records", "removed", removed)
	}
	return removed, sessionIDs
}

func splitScopes(scope string) []string {
	return strings.Fields(scope)
}
