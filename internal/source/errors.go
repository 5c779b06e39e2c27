package source

import (
	"errors"
	"fmt"
	"time"
)

// AuthError means credentials are missing, invalid, or could not be renewed.
// It is terminal for the sync attempt.
type AuthError struct {
	Source string
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	msg := "authentication failed"
	if e.Source != "" {
		msg = e.Source + ": " + msg
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError is surfaced only when waiting for the rate window to reset
// would exceed the caller's deadline.
type RateLimitError struct {
	Source  string
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limit exhausted until %s", e.Source, e.ResetAt.UTC().Format(time.RFC3339))
}

// TransientFetchError wraps a network or 5xx failure that may succeed on retry.
type TransientFetchError struct {
	Source string
	Err    error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("%s: transient fetch error: %v", e.Source, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// FetchIncompleteError reports that pagination stopped early. Activities
// fetched before the failure are still returned alongside it.
type FetchIncompleteError struct {
	Source  string
	Page    int
	Fetched int
	Err     error
}

func (e *FetchIncompleteError) Error() string {
	return fmt.Sprintf("%s: fetch incomplete at page %d after %d activities: %v", e.Source, e.Page, e.Fetched, e.Err)
}

func (e *FetchIncompleteError) Unwrap() error { return e.Err }

// ReconciliationError is a per-record persistence failure. The batch continues.
type ReconciliationError struct {
	ExternalID string
	Err        error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("failed to reconcile activity %s: %v", e.ExternalID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// ConfigurationError is returned before any network call when a source's
// settings are incomplete or inconsistent.
type ConfigurationError struct {
	Source string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	prefix := "invalid configuration"
	if e.Source != "" {
		prefix = e.Source + ": " + prefix
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", prefix, e.Field, e.Reason)
	}
	return prefix + ": " + e.Reason
}

// IsAuthError reports whether err is or wraps an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is or wraps a TransientFetchError.
func IsTransient(err error) bool {
	var te *TransientFetchError
	return errors.As(err, &te)
}
