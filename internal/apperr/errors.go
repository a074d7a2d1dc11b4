// Package apperr classifies the errors the chat core reports. User-facing
// rejections (validation, ban, rate limit) carry a stable reason string that
// is safe to show to clients; infrastructure faults are reported as
// Unavailable and their detail never leaves the process.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the error class.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindBanned
	KindRateLimited
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBanned:
		return "banned"
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching on the class alone.
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrBanned      = &Error{Kind: KindBanned}
	ErrRateLimited = &Error{Kind: KindRateLimited}
	ErrUnavailable = &Error{Kind: KindUnavailable}
)

// Error is a classified error.
type Error struct {
	Kind   Kind
	Reason string // stable, client-visible
	Err    error  // underlying cause, never shown to clients
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	if e.Reason == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrBanned) works
// regardless of reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Validation reports bad input shape or length.
func Validation(reason string) error {
	return &Error{Kind: KindValidation, Reason: reason}
}

// Banned reports that the subject is currently banned.
func Banned(reason string) error {
	return &Error{Kind: KindBanned, Reason: reason}
}

// RateLimited reports that the caller should back off.
func RateLimited(reason string) error {
	return &Error{Kind: KindRateLimited, Reason: reason}
}

// Unavailable wraps a store or broker fault.
func Unavailable(op string, err error) error {
	return &Error{Kind: KindUnavailable, Reason: op, Err: err}
}

// KindOf returns the class of err, or KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Public returns the code and message a client may see for err. Classified
// rejections expose their reason; everything else collapses to a generic
// failure.
func Public(err error) (code, message string) {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindValidation, KindBanned, KindRateLimited:
			return e.Kind.String(), e.Reason
		}
	}
	return KindUnavailable.String(), "temporarily unavailable, try again later"
}

// IsRetryable reports whether the caller should retry after backing off.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindUnavailable:
		return true
	}
	return false
}
