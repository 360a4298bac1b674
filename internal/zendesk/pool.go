package zendesk

import "sync"

// Pool hands out one Client per session so connections and cached
// responses are reused across requests. Tokens are swapped in place when
// the upstream credential rotates.
type Pool struct {
	subdomain string
	opts      []ClientOption

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates a client pool for one Zendesk subdomain. opts are
// applied to every client the pool creates.
func NewPool(subdomain string, opts ...ClientOption) *Pool {
	return &Pool{
		subdomain: subdomain,
		opts:      opts,
		clients:   make(map[string]*Client),
	}
}

// Get returns the client for sessionID, creating it with accessToken on
// first use. An existing client is updated to the given token.
func (p *Pool) Get(sessionID, accessToken string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[sessionID]; ok {
		c.SetAccessToken(accessToken)
		return c
	}
	opts := make([]ClientOption, 0, len(p.opts)+1)
	opts = append(opts, p.opts...)
	opts = append(opts, WithCacheKeyPrefix(sessionID))
	c := NewClient(p.subdomain, accessToken, opts...)
	p.clients[sessionID] = c
	return c
}

// UpdateToken rotates the credential for an existing session's client.
// Unknown sessions are ignored; the next Get creates a fresh client.
func (p *Pool) UpdateToken(sessionID, accessToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[sessionID]; ok {
		c.SetAccessToken(accessToken)
	}
}

// Remove drops the client for a revoked session.
func (p *Pool) Remove(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.clients, sessionID)
}
