package oauth

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientRegistry holds dynamic client registrations. Registrations have
// no TTL; the in-memory registry is durable for the process lifetime and
// the Postgres registry survives restarts.
type ClientRegistry interface {
	RegisterClient(c *RegisteredClient) error
	GetClient(clientID string) (*RegisteredClient, error)
}

// MemoryRegistry is the default process-local client registry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	clients map[string]*RegisteredClient
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{clients: make(map[string]*RegisteredClient)}
}

func (r *MemoryRegistry) RegisterClient(c *RegisteredClient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ClientID] = c
	return nil
}

func (r *MemoryRegistry) GetClient(clientID string) (*RegisteredClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return nil, ErrUnknownClient
	}
	return c, nil
}

// NewClientID mints a client id for a dynamic registration.
func NewClientID() string {
	return "client_" + uuid.NewString()
}

// ValidateRedirectURI enforces the registration rules: https anywhere, or
// plain http for localhost loopback callbacks.
func ValidateRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid redirect_uri: %s", raw)
	}
	if parsed.Scheme == "https" {
		return nil
	}
	host := strings.Split(parsed.Host, ":")[0]
	if parsed.Scheme == "http" && (host == "localhost" || host == "127.0.0.1" || host == "::1") {
		return nil
	}
	return fmt.Errorf("redirect_uri must use https (or localhost http): %s", raw)
}

// NewRegisteredClient builds a registration record for the given redirect
// URIs, validating each.
func NewRegisteredClient(redirectURIs []string) (*RegisteredClient, error) {
	if len(redirectURIs) == 0 {
		return nil, fmt.Errorf("redirect_uris is required")
	}
	for _, uri := range redirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, err
		}
	}
	return &RegisteredClient{
		ClientID:     NewClientID(),
		RedirectURIs: redirectURIs,
		CreatedAt:    time.Now(),
	}, nil
}
