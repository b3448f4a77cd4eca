package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrAlreadySyncing is returned when a sync is requested for an
// account that already has a run in flight.
var ErrAlreadySyncing = errors.New("sync already in progress for account")

// ErrCursorInvalidated signals that the stored cursor is no longer
// valid on the remote (mailbox state reset, history expired). The
// reconciler reacts with a full resync from a null cursor.
var ErrCursorInvalidated = errors.New("sync cursor invalidated by remote")

// ErrNoProvider is returned when no provider is registered for an
// account.
var ErrNoProvider = errors.New("no provider registered for account")

// AuthError indicates the credential for an account is invalid or
// expired. The account's scheduling is paused until a fresh credential
// is supplied; the engine never retries these automatically.
type AuthError struct {
	AccountID string
	Message   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.AccountID, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an
// AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// RateLimitError indicates remote throttling. RetryAfter is the
// server-suggested delay, or zero when the server gave none.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// NetworkError wraps a transient transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsRetryable reports whether an error should be retried with backoff
// rather than surfaced as permanent.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	var ne *NetworkError
	return errors.As(err, &rl) || errors.As(err, &ne)
}

// CorruptionError indicates local durable state failed invariant
// checks. Fatal for the account; clearing it requires a full resync.
type CorruptionError struct {
	AccountID string
	Detail    string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("local sync state corrupt (%s): %s", e.AccountID, e.Detail)
}

// ErrorKind maps an error to the stable kind string recorded in the
// sync state row and carried on SyncFailed events.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsAuthError(err):
		return "auth_expired"
	case errors.Is(err, ErrCursorInvalidated):
		return "cursor_invalidated"
	case errors.Is(err, ErrAlreadySyncing):
		return "already_syncing"
	default:
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return "rate_limited"
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return "network"
	}
	var ce *CorruptionError
	if errors.As(err, &ce) {
		return "storage_corruption"
	}
	return "provider"
}
