package oauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUpstream scripts Refresh answers; ExchangeCode is never used by the
// refresher.
type fakeUpstream struct {
	mu      sync.Mutex
	calls   int
	answers []func() (UpstreamTokens, error)

	started chan struct{}
	release chan struct{}
}

func (f *fakeUpstream) AuthorizationURL(string, string) string { return "" }

func (f *fakeUpstream) ExchangeCode(context.Context, string, string) (UpstreamTokens, error) {
	return UpstreamTokens{}, errors.New("not implemented")
}

func (f *fakeUpstream) Refresh(ctx context.Context, _ string) (UpstreamTokens, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return UpstreamTokens{}, ctx.Err()
		}
	}

	if call < len(f.answers) {
		return f.answers[call]()
	}
	return f.answers[len(f.answers)-1]()
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func freshTokens() (UpstreamTokens, error) {
	return UpstreamTokens{
		AccessToken:  "refreshed-access",
		RefreshToken: "refreshed-refresh",
		Expiry:       time.Now().Add(2 * time.Hour),
	}, nil
}

func transientFailure() (UpstreamTokens, error) {
	return UpstreamTokens{}, &ExchangeError{Op: "refresh", StatusCode: 503, Err: errors.New("service unavailable")}
}

func permanentFailure() (UpstreamTokens, error) {
	return UpstreamTokens{}, &ExchangeError{Op: "refresh", StatusCode: 400, Permanent: true, Err: errors.New("invalid_grant")}
}

// newActiveSession drives a full code flow and hands back the session.
func newActiveSession(t *testing.T, store *MemoryStore, upstreamExpiry time.Time) (string, *Session) {
	t.Helper()
	pending := &PendingAuthorization{State: GenerateState(), Scope: "read write"}
	require.NoError(t, store.CreatePending(pending))
	code, err := store.IssueAuthorizationCode(pending.State, UpstreamTokens{
		AccessToken:  "upstream-access",
		RefreshToken: "upstream-refresh",
		Expiry:       upstreamExpiry,
	})
	require.NoError(t, err)
	grant, err := store.ExchangeAuthorizationCode(code, "")
	require.NoError(t, err)
	return grant.AccessToken, grant.Session
}

func TestEnsureFreshSkipsHealthyToken(t *testing.T) {
	store := NewMemoryStore()
	token, session := newActiveSession(t, store, time.Now().Add(2*time.Hour))

	upstream := &fakeUpstream{answers: []func() (UpstreamTokens, error){freshTokens}}
	refresher := NewRefresher(store, upstream)

	require.NoError(t, refresher.EnsureFresh(context.Background(), token, session))
	assert.Equal(t, 0, upstream.callCount())
}

func TestEnsureFreshUpdatesExpiringToken(t *testing.T) {
	store := NewMemoryStore()
	token, session := newActiveSession(t, store, time.Now().Add(10*time.Second))

	var updatedSession, updatedToken string
	upstream := &fakeUpstream{answers: []func() (UpstreamTokens, error){freshTokens}}
	refresher := NewRefresher(store, upstream,
		OnTokensUpdated(func(sessionID, accessToken string) {
			updatedSession, updatedToken = sessionID, accessToken
		}),
	)

	require.NoError(t, refresher.EnsureFresh(context.Background(), token, session))

	assert.Equal(t, 1, upstream.callCount())
	assert.Equal(t, "refreshed-access", session.Upstream().AccessToken)
	assert.Equal(t, session.ID, updatedSession)
	assert.Equal(t, "refreshed-access", updatedToken)
}

func TestEnsureFreshSurvivesCallerDisconnect(t *testing.T) {
	store := NewMemoryStore()
	token, session := newActiveSession(t, store, time.Now().Add(10*time.Second))

	upstream := &fakeUpstream{
		answers: []func() (UpstreamTokens, error){freshTokens},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	refresher := NewRefresher(store, upstream)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- refresher.EnsureFresh(ctx, token, session) }()

	// The caller hangs up while the upstream call is in flight.
	<-upstream.started
	cancel()
	close(upstream.release)

	require.NoError(t, <-done)
	assert.Equal(t, 1, upstream.callCount())

	got, err := store.GetSession(token)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", got.Upstream().AccessToken)
}

func TestEnsureFreshSingleFlight(t *testing.T) {
	store := NewMemoryStore()
	token, session := newActiveSession(t, store, time.Now().Add(10*time.Second))

	upstream := &fakeUpstream{
		answers: []func() (UpstreamTokens, error){freshTokens},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	refresher := NewRefresher(store, upstream)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = refresher.EnsureFresh(context.Background(), token, session)
	}()

	// Wait for the first refresh to be in flight, then race a second
	// caller against it.
	<-upstream.started
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = refresher.EnsureFresh(context.Background(), token, session)
	}()

	time.Sleep(20 * time.Millisecond)
	close(upstream.release)
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 1, upstream.callCount(), "concurrent callers must share one refresh")
}

func TestEnsureFreshPermanentFailureRevokesSession(t *testing.T) {
	store := NewMemoryStore()
	token, session := newActiveSession(t, store, time.Now().Add(10*time.Second))

	var revoked string
	upstream := &fakeUpstream{answers: []func() (UpstreamTokens, error){permanentFailure}}
	refresher := NewRefresher(store, upstream,
		OnSessionRevoked(func(sessionID string) { revoked = sessionID }),
	)

	err := refresher.EnsureFresh(context.Background(), token, session)
	require.Error(t, err)

	assert.Equal(t, 1, upstream.callCount(), "permanent failures must not be retried")
	assert.Equal(t, session.ID, revoked)

	_, err = store.GetSession(token)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestEnsureFreshRetriesTransientFailure(t *testing.T) {
	store := NewMemoryStore()
	token, session := newActiveSession(t, store, time.Now().Add(10*time.Second))

	upstream := &fakeUpstream{answers: []func() (UpstreamTokens, error){transientFailure, freshTokens}}
	refresher := NewRefresher(store, upstream)

	require.NoError(t, refresher.EnsureFresh(context.Background(), token, session))

	assert.Equal(t, 2, upstream.callCount())
	assert.Equal(t, "refreshed-access", session.Upstream().AccessToken)
}

func TestEnsureFreshExhaustedRetriesRevokesSession(t *testing.T) {
	store := NewMemoryStore()
	token, session := newActiveSession(t, store, time.Now().Add(10*time.Second))

	upstream := &fakeUpstream{answers: []func() (UpstreamTokens, error){transientFailure}}
	refresher := NewRefresher(store, upstream)

	err := refresher.EnsureFresh(context.Background(), token, session)
	require.Error(t, err)

	assert.Equal(t, 2, upstream.callCount())
	_, err = store.GetSession(token)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestEnsureFreshDiscardsAbandonedRefresh(t *testing.T) {
	store := NewMemoryStore()
	token, session := newActiveSession(t, store, time.Now().Add(10*time.Second))

	var updated bool
	upstream := &fakeUpstream{
		answers: []func() (UpstreamTokens, error){freshTokens},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	refresher := NewRefresher(store, upstream,
		OnTokensUpdated(func(string, string) { updated = true }),
	)

	done := make(chan error, 1)
	go func() { done <- refresher.EnsureFresh(context.Background(), token, session) }()

	<-upstream.started
	require.NoError(t, store.DeleteSession(token))
	close(upstream.release)

	err := <-done
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.False(t, updated, "a refresh for a deleted session must be discarded")
}

func TestRetryDelay(t *testing.T) {
	base := time.Second
	cap := 2 * time.Second

	assert.Equal(t, time.Second, RetryDelay(0, base, cap))
	assert.Equal(t, 2*time.Second, RetryDelay(1, base, cap))
	assert.Equal(t, 2*time.Second, RetryDelay(2, base, cap))
	assert.Equal(t, 2*time.Second, RetryDelay(10, base, cap))
	assert.Equal(t, time.Duration(0), RetryDelay(3, 0, cap))

	// Deterministic: same inputs, same answer.
	assert.Equal(t, RetryDelay(1, base, cap), RetryDelay(1, base, cap))
}
