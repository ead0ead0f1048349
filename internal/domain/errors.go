package domain

import (
	"errors"
	"fmt"
	"time"
)

// TransientNetworkError indicates a fetch failure that is likely to succeed
// on retry (timeouts, connection resets, 5xx responses).
type TransientNetworkError struct {
	Source string
	Err    error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error for source %s: %v", e.Source, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// RateLimitError indicates the source throttled the request. RetryAfter is
// the advertised delay, zero when the source did not advertise one.
type RateLimitError struct {
	Source     string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by source %s (retry after %s)", e.Source, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by source %s", e.Source)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ParseError indicates a malformed payload. Attributed to the source, not
// the network: retrying immediately will not help.
type ParseError struct {
	Source string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error for source %s: %s", e.Source, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError indicates required fields were unrecoverable during
// normalization. Attributed to the source like ParseError.
type ValidationError struct {
	Source string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error for source %s, field %s: %s", e.Source, e.Field, e.Reason)
	}
	return fmt.Sprintf("validation error for source %s: %s", e.Source, e.Reason)
}

// IsTransient reports whether err is a transient network failure.
func IsTransient(err error) bool {
	var t *TransientNetworkError
	return errors.As(err, &t)
}

// IsRateLimit reports whether err is a rate-limit failure. When it is, the
// advertised retry-after delay is returned (zero if none was advertised).
func IsRateLimit(err error) (time.Duration, bool) {
	var r *RateLimitError
	if errors.As(err, &r) {
		return r.RetryAfter, true
	}
	return 0, false
}

// IsSourceFault reports whether err is attributed to the source itself
// (parse or validation failure) rather than the network path.
func IsSourceFault(err error) bool {
	var p *ParseError
	var v *ValidationError
	return errors.As(err, &p) || errors.As(err, &v)
}
