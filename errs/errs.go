// Package errs defines the typed error taxonomy shared across the build
// pipeline (spec.md §7). Every package in this module returns one of these
// kinds, wrapped with github.com/pkg/errors so that context accumulates as
// the error crosses step boundaries.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a pipeline failure for retry/propagation decisions.
type Kind string

const (
	KindReference        Kind = "reference"
	KindAuthentication   Kind = "authentication"
	KindAuthorization    Kind = "authorization"
	KindRegistryProtocol Kind = "registry_protocol"
	KindPlatformMismatch Kind = "platform_mismatch"
	KindChecksumMismatch Kind = "checksum_mismatch"
	KindCacheCorrupted   Kind = "cache_corrupted"
	KindTransport        Kind = "transport"
	KindCancelled        Kind = "cancelled"
	KindNonRetryable     Kind = "non_retryable_request"
	KindInvalidBuildPlan Kind = "invalid_build_plan"
)

// Error is a user-visible pipeline failure: the operation being performed,
// the underlying cause, and an optional remediation hint.
type Error struct {
	Kind      Kind
	Operation string
	Hint      string
	Cause     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Operation, e.Cause)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error, always wrapping cause with errors.WithStack so
// that a trace survives propagation through the executor.
func New(kind Kind, operation string, cause error) *Error {
	if cause == nil {
		cause = errors.New("unknown error")
	}
	return &Error{Kind: kind, Operation: operation, Cause: errors.WithStack(cause)}
}

// WithHint attaches a remediation hint, e.g. "configure sendCredentialsOverHttp".
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// Is allows errors.Is(err, errs.New(errs.KindChecksumMismatch, ...))-style
// kind checks: any *Error target with the same Kind matches.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf extracts the Kind of err if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Retryable reports whether the kind is ever retryable at the transport
// layer. Cache and protocol errors never retry (spec.md §7 "Retry is local
// to transport").
func Retryable(kind Kind) bool {
	return kind == KindTransport
}
