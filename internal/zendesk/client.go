package zendesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/stackdesk/zendesk-mcp/internal/cache"
)

// Shared HTTP client with connection pooling; every session's client
// reuses the same transport.
var sharedHTTPClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}

// APIError is a non-2xx answer from the Zendesk API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("zendesk: status %d: %s", e.StatusCode, e.Body)
}

// Client calls the Zendesk v2 REST API on behalf of one session. The
// access token can be swapped in place after an upstream refresh.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string

	cache          cache.Cache
	cacheTTL       time.Duration
	cacheKeyPrefix string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the API base URL, for tests.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) { c.baseURL = base }
}

// WithResponseCache caches GET responses for ttl.
func WithResponseCache(store cache.Cache, ttl time.Duration) ClientOption {
	return func(c *Client) {
		c.cache = store
		c.cacheTTL = ttl
	}
}

// WithCacheKeyPrefix namespaces cache entries, so two sessions with
// different permission levels never share cached responses.
func WithCacheKeyPrefix(prefix string) ClientOption {
	return func(c *Client) { c.cacheKeyPrefix = prefix }
}

// NewClient creates an authenticated client for one Zendesk subdomain.
func NewClient(subdomain, accessToken string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     fmt.Sprintf("https://%s.zendesk.com", subdomain),
		httpClient:  sharedHTTPClient,
		accessToken: accessToken,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAccessToken swaps the bearer credential. Safe to call while other
// goroutines are issuing requests.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

func (c *Client) authHeader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return "Bearer " + c.accessToken
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// getJSON performs a GET with optional read-through caching.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	if c.cache == nil {
		return c.do(ctx, http.MethodGet, path, nil, out)
	}

	key := "zendesk:" + c.cacheKeyPrefix + ":" + c.baseURL + path
	if raw, ok := c.cache.Get(ctx, key); ok {
		return json.Unmarshal(raw, out)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	c.cache.Set(ctx, key, raw, c.cacheTTL)
	return json.Unmarshal(raw, out)
}

// GetTicket fetches one ticket by ID.
func (c *Client) GetTicket(ctx context.Context, id int64) (*Ticket, error) {
	var env ticketEnvelope
	if err := c.getJSON(ctx, fmt.Sprintf("/api/v2/tickets/%d.json", id), &env); err != nil {
		return nil, fmt.Errorf("failed to get ticket %d: %w", id, err)
	}
	return &env.Ticket, nil
}

// ListTickets lists recent tickets, up to perPage per call.
func (c *Client) ListTickets(ctx context.Context, perPage int) ([]Ticket, error) {
	path := "/api/v2/tickets.json?sort_by=updated_at&sort_order=desc"
	if perPage > 0 {
		path += fmt.Sprintf("&per_page=%d", perPage)
	}
	var env ticketsEnvelope
	if err := c.getJSON(ctx, path, &env); err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	return env.Tickets, nil
}

// CreateTicket creates a new ticket.
func (c *Client) CreateTicket(ctx context.Context, req TicketRequest) (*Ticket, error) {
	payload := map[string]any{
		"ticket": map[string]any{
			"subject": req.Subject,
			"comment": map[string]string{"body": req.Body},
		},
	}
	ticket := payload["ticket"].(map[string]any)
	if req.Priority != "" {
		ticket["priority"] = req.Priority
	}
	if len(req.Tags) > 0 {
		ticket["tags"] = req.Tags
	}

	var env ticketEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/v2/tickets.json", payload, &env); err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}
	return &env.Ticket, nil
}

// UpdateTicket applies a partial update to a ticket.
func (c *Client) UpdateTicket(ctx context.Context, id int64, fields map[string]any) (*Ticket, error) {
	var env ticketEnvelope
	payload := map[string]any{"ticket": fields}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/v2/tickets/%d.json", id), payload, &env); err != nil {
		return nil, fmt.Errorf("failed to update ticket %d: %w", id, err)
	}
	return &env.Ticket, nil
}

// ListComments returns the comments on a ticket, oldest first.
func (c *Client) ListComments(ctx context.Context, ticketID int64) ([]Comment, error) {
	var env commentsEnvelope
	if err := c.getJSON(ctx, fmt.Sprintf("/api/v2/tickets/%d/comments.json", ticketID), &env); err != nil {
		return nil, fmt.Errorf("failed to list comments for ticket %d: %w", ticketID, err)
	}
	return env.Comments, nil
}

// AddComment appends a comment to a ticket. Zendesk models comments as a
// ticket update.
func (c *Client) AddComment(ctx context.Context, ticketID int64, body string, public bool) (*Ticket, error) {
	fields := map[string]any{
		"comment": map[string]any{"body": body, "public": public},
	}
	ticket, err := c.UpdateTicket(ctx, ticketID, fields)
	if err != nil {
		return nil, fmt.Errorf("failed to add comment to ticket %d: %w", ticketID, err)
	}
	return ticket, nil
}

// GetUser fetches one user profile.
func (c *Client) GetUser(ctx context.Context, id int64) (*User, error) {
	var env userEnvelope
	if err := c.getJSON(ctx, fmt.Sprintf("/api/v2/users/%d.json", id), &env); err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return &env.User, nil
}

// ListUsers lists users in the account.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var env usersEnvelope
	if err := c.getJSON(ctx, "/api/v2/users.json", &env); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return env.Users, nil
}

// Search runs a query against the unified search endpoint.
func (c *Client) Search(ctx context.Context, query string) (*SearchResponse, error) {
	path := "/api/v2/search.json?query=" + url.QueryEscape(query)
	var result SearchResponse
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	return &result, nil
}
