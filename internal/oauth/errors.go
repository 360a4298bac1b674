package oauth

import (
	"errors"
	"fmt"
)

// Sentinel errors for the authorization flow. Every authorization-code
// failure mode (unknown, expired, reused, verifier mismatch) is surfaced
// as ErrInvalidGrant so callers cannot distinguish them.
var (
	ErrInvalidGrant   = errors.New("invalid_grant")
	ErrInvalidState   = errors.New("unknown or expired state")
	ErrSessionExpired = errors.New("session expired")
	ErrUnknownSession = errors.New("unknown session")
	ErrUnknownClient  = errors.New("unknown client")
)

// ConfigurationError indicates missing upstream credentials. It is fatal
// to the authorize flow and is never retried.
type ConfigurationError struct {
	Missing string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("oauth configuration incomplete: %s is required", e.Missing)
}

// ExchangeError wraps a failed token call against the upstream provider.
// Permanent means the upstream rejected the credentials (4xx); transient
// covers network failures, timeouts and 5xx responses.
type ExchangeError struct {
	Op         string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *ExchangeError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s failed (%s, status %d): %v", e.Op, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// IsPermanentExchangeError reports whether err is an upstream failure that
// must not be retried.
func IsPermanentExchangeError(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee) && ee.Permanent
}
