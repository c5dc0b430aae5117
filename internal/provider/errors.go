package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure so callers can choose between
// retrying and failing immediately without inspecting error strings.
type ErrorKind int

const (
	// KindTransient failures (timeouts, rate limits, 5xx) may succeed on
	// retry within the caller's bounded budget.
	KindTransient ErrorKind = iota
	// KindPermanent failures will not succeed on retry.
	KindPermanent
	// KindValidation failures mean the request itself was rejected.
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindValidation:
		return "validation"
	}
	return "unknown"
}

// Error is a provider failure with an explicit kind.
type Error struct {
	Kind    ErrorKind
	Op      string // the provider operation that failed
	Message string
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s (%s): %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("provider %s (%s): %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a provider Error.
func NewError(kind ErrorKind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// IsTransient reports whether err is a transient provider failure.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindTransient
}

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindValidation
}

// kindForHTTPStatus maps a provider HTTP status to an ErrorKind.
func kindForHTTPStatus(status int) ErrorKind {
	switch {
	case status == 429 || status >= 500:
		return KindTransient
	case status == 400 || status == 422:
		return KindValidation
	default:
		return KindPermanent
	}
}
