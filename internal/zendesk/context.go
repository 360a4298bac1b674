package zendesk

import "context"

type contextKey struct{}

// WithClient returns a context carrying the session's API client.
func WithClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext extracts the API client placed by WithClient.
func FromContext(ctx context.Context) (*Client, bool) {
	c, ok := ctx.Value(contextKey{}).(*Client)
	return c, ok
}
