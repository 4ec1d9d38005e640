package provider

import (
	"context"
	"errors"
	"fmt"
)

// Kind tells the orchestrator whether retrying can help.
type Kind int

// Error kinds.
const (
	Transient Kind = iota
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error codes shared by all adapters.
const (
	CodeAlreadyExists   = "already_exists"
	CodeRateLimited     = "rate_limited"
	CodeAuthFailed      = "auth_failed"
	CodePushRejected    = "push_rejected"
	CodeInvalidManifest = "invalid_manifest"
	CodeNotFound        = "not_found"
	CodeTimeout         = "timeout"
	CodeUnavailable     = "unavailable"
)

// Error is a classified adapter failure.
type Error struct {
	Op   string
	Code string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient builds a retryable error.
func NewTransient(op, code string, err error) *Error {
	return &Error{Op: op, Code: code, Kind: Transient, Err: err}
}

// NewPermanent builds a non-retryable error.
func NewPermanent(op, code string, err error) *Error {
	return &Error{Op: op, Code: code, Kind: Permanent, Err: err}
}

// IsTransient is the single retry decision for adapter errors. Classified
// errors answer by kind; deadline overruns and unclassified errors are
// treated as connectivity problems and retried; cancellation is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Kind == Transient
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// IsPermanent reports a classified permanent error.
func IsPermanent(err error) bool {
	var pErr *Error
	return errors.As(err, &pErr) && pErr.Kind == Permanent
}

// HasCode reports whether err is a classified error with code.
func HasCode(err error, code string) bool {
	var pErr *Error
	return errors.As(err, &pErr) && pErr.Code == code
}

// FromHTTPStatus classifies an HTTP status returned by a platform API.
func FromHTTPStatus(op string, status int, err error) *Error {
	switch {
	case status == 401 || status == 403:
		return NewPermanent(op, CodeAuthFailed, err)
	case status == 404:
		return NewTransient(op, CodeNotFound, err)
	case status == 409:
		return NewPermanent(op, CodeAlreadyExists, err)
	case status == 429:
		return NewTransient(op, CodeRateLimited, err)
	case status == 408 || status == 504:
		return NewTransient(op, CodeTimeout, err)
	case status >= 500:
		return NewTransient(op, CodeUnavailable, err)
	case status >= 400:
		return NewPermanent(op, CodeInvalidManifest, err)
	default:
		return NewTransient(op, CodeUnavailable, err)
	}
}
