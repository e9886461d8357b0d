// Package provider is the uniform gateway to heterogeneous LLM and
// embedding backends. Each backend variant implements Gateway and is
// selected once at configuration time; callers never branch on provider
// names. All backend failures are normalized to an *Error carrying one
// of three kinds, which is the only error contract the rest of the
// pipeline depends on.
package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a provider failure for retry policy decisions.
type ErrorKind int

const (
	// KindTransient marks network or connection failures worth retrying
	// on a fresh connection.
	KindTransient ErrorKind = iota
	// KindRateLimited marks an upstream rate limit. Never retried by the
	// relay; the caller owns retry timing.
	KindRateLimited
	// KindFatal marks authentication and malformed-request failures.
	// Never retried anywhere.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the normalized provider failure.
type Error struct {
	Kind ErrorKind
	// RetryAfter holds the server-advised wait when Kind is
	// KindRateLimited and the provider supplied a hint; zero otherwise.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindRateLimited && e.RetryAfter > 0 {
		return fmt.Sprintf("provider %s (retry after %s): %v", e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RateLimited creates a rate-limit error with an optional retry-after hint.
func RateLimited(err error, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

// Transient creates a retryable network-level error.
func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Err: err}
}

// Fatal creates a non-retryable error.
func Fatal(err error) *Error {
	return &Error{Kind: KindFatal, Err: err}
}

// KindOf extracts the normalized kind from an error chain. Unclassified
// errors report as transient, the conservative default for network paths.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindTransient
}

// RetryAfterOf extracts the retry-after hint from an error chain, or zero.
func RetryAfterOf(err error) time.Duration {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.RetryAfter
	}
	return 0
}
