package oauth

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/stackdesk/zendesk-mcp/internal/audit"
)

// Refresh policy: refresh when the upstream token is within the buffer of
// expiry; at most two attempts with bounded exponential backoff.
const (
	DefaultRefreshBuffer = 60 * time.Second
	refreshMaxTries      = 2
	refreshBaseDelay     = 1 * time.Second
	refreshMaxDelay      = 2 * time.Second
	refreshTimeout       = 30 * time.Second
)

// RetryDelay computes the backoff delay before retry number attempt
// (0-based): base doubled per attempt, capped. Pure function.
func RetryDelay(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// boundedBackOff adapts RetryDelay to the backoff.BackOff interface.
type boundedBackOff struct {
	attempt int
	base    time.Duration
	cap     time.Duration
}

func (b *boundedBackOff) NextBackOff() time.Duration {
	d := RetryDelay(b.attempt, b.base, b.cap)
	b.attempt++
	return d
}

func (b *boundedBackOff) Reset() { b.attempt = 0 }

// Refresher keeps sessions' upstream tokens fresh. Concurrent requests
// against the same session share one in-flight refresh; a second
// concurrent use of the same refresh token would let the provider
// invalidate it and destroy an otherwise healthy session.
type Refresher struct {
	store    SessionStore
	upstream UpstreamExchanger
	logger   *slog.Logger
	auditor  *audit.Auditor
	group    singleflight.Group
	buffer   time.Duration
	now      func() time.Time

	// onUpdate is invoked after a committed refresh so the downstream
	// client pool can swap credentials in place; onRevoke after a
	// permanent failure deletes the session.
	onUpdate func(sessionID, accessToken string)
	onRevoke func(sessionID string)
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithRefreshBuffer overrides the expiry buffer.
func WithRefreshBuffer(buffer time.Duration) RefresherOption {
	return func(r *Refresher) { r.buffer = buffer }
}

// WithRefresherLogger sets the logger.
func WithRefresherLogger(logger *slog.Logger) RefresherOption {
	return func(r *Refresher) { r.logger = logger }
}

// WithAuditor attaches an audit sink.
func WithAuditor(a *audit.Auditor) RefresherOption {
	return func(r *Refresher) { r.auditor = a }
}

// OnTokensUpdated registers the post-refresh callback.
func OnTokensUpdated(fn func(sessionID, accessToken string)) RefresherOption {
	return func(r *Refresher) { r.onUpdate = fn }
}

// OnSessionRevoked registers the permanent-failure callback.
func OnSessionRevoked(fn func(sessionID string)) RefresherOption {
	return func(r *Refresher) { r.onRevoke = fn }
}

// WithRefresherClock overrides the clock. Tests only.
func WithRefresherClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) { r.now = now }
}

// NewRefresher builds a Refresher over the store and upstream client.
func NewRefresher(store SessionStore, upstream UpstreamExchanger, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:    store,
		upstream: upstream,
		logger:   slog.Default(),
		buffer:   DefaultRefreshBuffer,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureFresh refreshes the session's upstream token if it is inside the
// expiry buffer. On permanent failure, or when transient retries are
// exhausted, the session is deleted atomically and the error returned.
// Callers racing on the same session wait for the winning refresh.
func (r *Refresher) EnsureFresh(ctx context.Context, localAccessToken string, s *Session) error {
	if !s.UpstreamExpiring(r.buffer, r.now()) {
		return nil
	}

	_, err, _ := r.group.Do(s.ID, func() (any, error) {
		// The winner may have committed while we waited to enter.
		if !s.UpstreamExpiring(r.buffer, r.now()) {
			return nil, nil
		}
		return nil, r.refresh(ctx, localAccessToken, s)
	})
	return err
}

func (r *Refresher) refresh(ctx context.Context, localAccessToken string, s *Session) error {
	// Every waiter in the singleflight group rides the winning request's
	// context. The winner hanging up must not abort the shared refresh,
	// let alone revoke the session out from under the other callers.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	refreshToken := s.Upstream().RefreshToken

	op := func() (UpstreamTokens, error) {
		tokens, err := r.upstream.Refresh(ctx, refreshToken)
		if err != nil {
			if IsPermanentExchangeError(err) {
				return UpstreamTokens{}, backoff.Permanent(err)
			}
			return UpstreamTokens{}, err
		}
		return tokens, nil
	}

	tokens, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&boundedBackOff{base: refreshBaseDelay, cap: refreshMaxDelay}),
		backoff.WithMaxTries(refreshMaxTries),
		backoff.WithNotify(func(err error, delay time.Duration) {
			r.logger.Debug("retrying upstream refresh",
				"session_id", s.ID,
				"delay", delay,
				"error", err)
		}),
	)
	if err != nil {
		// Permanent failure or exhausted retries: the session is no
		// longer usable. Delete it whole; no partial state survives.
		_ = r.store.DeleteSession(localAccessToken)
		if r.onRevoke != nil {
			r.onRevoke(s.ID)
		}
		r.logger.Warn("upstream refresh failed, session revoked",
			"session_id", s.ID,
			"error", err)
		r.auditor.Log(audit.Event{
			Type:      audit.EventRefreshFailed,
			SessionID: s.ID,
			Details:   map[string]any{"error": err.Error()},
		})
		return err
	}

	if err := r.store.UpdateUpstreamTokens(localAccessToken, tokens); err != nil {
		// Session vanished while the refresh was in flight; discard the
		// result rather than resurrect deleted state.
		r.logger.Debug("discarding refresh for deleted session", "session_id", s.ID)
		return err
	}
	if r.onUpdate != nil {
		r.onUpdate(s.ID, tokens.AccessToken)
	}
	r.auditor.Log(audit.Event{Type: audit.EventTokenRefreshed, SessionID: s.ID})
	return nil
}
