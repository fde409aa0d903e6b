// Package errs defines the closed set of structurally distinguishable
// error kinds shared across the relay and client runtime.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a runtime error.
type Kind string

const (
	Validation         Kind = "validation"          // malformed input
	Auth               Kind = "auth"                // bad signature or stale timestamp (401)
	Forbidden          Kind = "forbidden"           // revoked agent or missing admin rights (403)
	NotFound           Kind = "not_found"           // agent, contact, group, invitation, broadcast not found
	Conflict           Kind = "conflict"            // duplicate registration, pending/active contact exists
	RateLimited        Kind = "rate_limited"        // limiter tripped
	TransientTransport Kind = "transient_transport" // network failure or 5xx
	Crypto             Kind = "crypto"              // decrypt/signature failure, never retried
	QueueFull          Kind = "queue_full"          // retry queue at capacity
	Expired            Kind = "expired"             // retry horizon exceeded
)

// Error is a typed error carrying a Kind plus a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps a Kind to its corresponding HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return 400
	case Auth:
		return 401
	case Forbidden:
		return 403
	case NotFound:
		return 404
	case Conflict:
		return 409
	case RateLimited:
		return 429
	case TransientTransport:
		return 502
	case Crypto:
		return 400
	default:
		return 500
	}
}
