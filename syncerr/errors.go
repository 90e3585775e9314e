// Package syncerr categorizes failures of remote operations so that callers
// can tell transient failures, which are retried, from terminal ones, which
// need a corrective action from the user.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Kind is the category of a failed operation.
type Kind int

const (
	// Unknown is the conservative default for unrecognized failures. Retryable.
	Unknown Kind = iota
	// Network indicates a connectivity failure. Retryable.
	Network
	// RemoteService indicates the backend is unavailable or failed transiently. Retryable.
	RemoteService
	// RateLimited indicates the backend throttled the request. Retryable.
	RateLimited
	// QuotaExceeded indicates a storage or usage quota was hit.
	QuotaExceeded
	// Validation indicates the caller supplied invalid input.
	Validation
	// PermissionDenied indicates the caller may not touch the resource.
	PermissionDenied
	// Authentication indicates there is no valid principal.
	Authentication
	// Cancelled indicates the operation was cancelled by its owner.
	Cancelled
)

var kindNames = map[Kind]string{
	Unknown:          "unknown",
	Network:          "network",
	RemoteService:    "remote_service",
	RateLimited:      "rate_limited",
	QuotaExceeded:    "quota_exceeded",
	Validation:       "validation",
	PermissionDenied: "permission_denied",
	Authentication:   "authentication",
	Cancelled:        "cancelled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return Unknown, false
}

// Retryable reports whether failures of this kind may succeed when attempted
// again.
func (k Kind) Retryable() bool {
	switch k {
	case Unknown, Network, RemoteService, RateLimited:
		return true
	default:
		return false
	}
}

// Error is a categorized failure of a single operation.
type Error struct {
	Kind Kind
	// Op describes the operation that failed, if known.
	Op string
	Err error
	// Attempts is the number of attempts made before giving up.
	Attempts int
	// Exhausted is set when a retryable failure ran out of attempts.
	Exhausted bool
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Exhausted {
		msg += fmt.Sprintf(" (gave up after %d attempts)", e.Attempts)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf creates a categorized error from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Exhaust marks a retryable failure as having run out of attempts.
func Exhaust(err error, attempts int) *Error {
	c := *Classify(err)
	c.Attempts = attempts
	c.Exhausted = true
	return &c
}

// Classify returns err as a categorized error. Already categorized errors are
// returned as is.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Kind: kindOf(err), Err: err}
}

func kindOf(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return Network
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return Network
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Network
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Network
	}
	if kind, ok := fromStatus(err); ok {
		return kind
	}
	return Unknown
}

// KindOf returns the category of err. A nil error has kind Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	return Classify(err).Kind
}

// IsRetryable reports whether err is a failure that may succeed when retried.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

// IsExhausted reports whether err is a retryable failure that ran out of
// attempts.
func IsExhausted(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Exhausted
}

// IsKind reports whether err is categorized with kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
