package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stackdesk/zendesk-mcp/internal/audit"
)

// BindFunc attaches per-session values (such as a downstream API client)
// to the request context after the bearer token has been validated.
type BindFunc func(ctx context.Context, s *Session) context.Context

// Gate authenticates MCP requests: it resolves the bearer token to a
// session, enforces local expiry and scope, and refreshes the upstream
// credential before the request proceeds.
type Gate struct {
	store         SessionStore
	refresher     *Refresher
	resourceMeta  string
	requiredScope string
	logger        *slog.Logger
	auditor       *audit.Auditor
	bind          BindFunc
	onRevoke      func(sessionID string)
	now           func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithRequiredScope rejects sessions lacking the scope with 403.
func WithRequiredScope(scope string) GateOption {
	return func(g *Gate) { g.requiredScope = scope }
}

// WithGateLogger sets the logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

// WithGateAuditor attaches an audit sink.
func WithGateAuditor(a *audit.Auditor) GateOption {
	return func(g *Gate) { g.auditor = a }
}

// WithBind sets the context binder invoked for authenticated requests.
func WithBind(bind BindFunc) GateOption {
	return func(g *Gate) { g.bind = bind }
}

// WithGateRevoke registers a callback invoked with the session id when
// the gate deletes a locally expired session, so per-session resources
// such as pooled downstream clients are released too.
func WithGateRevoke(fn func(sessionID string)) GateOption {
	return func(g *Gate) { g.onRevoke = fn }
}

// WithGateClock overrides the clock, for tests.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate builds the bearer authentication gate. resourceMetadataURL is
// advertised in WWW-Authenticate challenges so clients can discover the
// authorization server.
func NewGate(store SessionStore, refresher *Refresher, resourceMetadataURL string, opts ...GateOption) *Gate {
	g := &Gate{
		store:        store,
		refresher:    refresher,
		resourceMeta: resourceMetadataURL,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Wrap returns next guarded by bearer authentication. CORS preflights
// pass through untouched.
func (g *Gate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			g.unauthorized(w, "missing or malformed Authorization header")
			return
		}

		session, err := g.store.GetSession(token)
		if err != nil {
			g.auditor.AuthFailure("", "unknown_token")
			g.unauthorized(w, "unknown or revoked access token")
			return
		}

		if session.LocalExpired(g.now()) {
			_ = g.store.DeleteSession(token)
			if g.onRevoke != nil {
				g.onRevoke(session.ID)
			}
			g.auditor.Log(audit.Event{Type: audit.EventSessionRevoked, SessionID: session.ID,
				Details: map[string]any{"reason": "local_expiry"}})
			g.unauthorized(w, "access token expired; re-authorize at /oauth/authorize")
			return
		}

		if g.requiredScope != "" && !session.HasScope(g.requiredScope) {
			g.forbidden(w, g.requiredScope)
			return
		}

		if g.refresher != nil {
			if err := g.refresher.EnsureFresh(r.Context(), token, session); err != nil {
				g.logger.Warn("upstream refresh failed", "session_id", session.ID, "error", err)
				g.unauthorized(w, "upstream credential could not be refreshed; re-authorize at /oauth/authorize")
				return
			}
		}

		ctx := r.Context()
		if g.bind != nil {
			ctx = g.bind(ctx, session)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gate) unauthorized(w http.ResponseWriter, hint string) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm="mcp", resource_metadata=%q`, g.resourceMeta))
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":   "unauthorized",
		"message": "authentication required",
		"hint":    hint,
	})
}

func (g *Gate) forbidden(w http.ResponseWriter, scope string) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm="mcp", scope=%q, error="insufficient_scope", error_description="the %s scope is required", resource_metadata=%q`,
			scope, scope, g.resourceMeta))
	writeJSON(w, http.StatusForbidden, map[string]string{
		"error":   "insufficient_scope",
		"message": fmt.Sprintf("the %q scope is required", scope),
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
