package livechat

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind is the failure taxonomy of a poll.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindTransient is a network failure or an UNAVAILABLE/INTERNAL status. It is retried.
	KindTransient
	// KindExhausted is a transient failure that outlived the retry budget.
	KindExhausted
	KindPermission
	KindNotFound
	KindInvalidArgument
	KindDisabled
	KindMembersOnly
	KindDecode
	KindAborted
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindExhausted:
		return "exhausted"
	case KindPermission:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindDisabled:
		return "disabled"
	case KindMembersOnly:
		return "members_only"
	case KindDecode:
		return "decode"
	case KindAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Error is returned by Client.Poll. Status and Code echo the remote error object when
// there was one.
type Error struct {
	Kind    ErrorKind
	Status  string
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("livechat: ")
	b.WriteString(e.Kind.String())
	if e.Status != "" {
		fmt.Fprintf(&b, " (%s)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrDisabled) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrTransient       = &Error{Kind: KindTransient}
	ErrExhausted       = &Error{Kind: KindExhausted}
	ErrPermission      = &Error{Kind: KindPermission}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrDisabled        = &Error{Kind: KindDisabled}
	ErrMembersOnly     = &Error{Kind: KindMembersOnly}
	ErrDecode          = &Error{Kind: KindDecode}
	ErrAborted         = &Error{Kind: KindAborted}
)

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	ErrorClassRetryable ErrorClass = iota
	ErrorClassFatal
	ErrorClassUnknown
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Class reports whether err may be retried within the same poll. Only transient
// failures are retryable; errors outside the taxonomy are fatal.
func Class(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if KindOf(err) == KindTransient {
		return ErrorClassRetryable
	}
	return ErrorClassFatal
}

// IsRetryable reports whether err should consume retry budget and be retried.
func IsRetryable(err error) bool { return Class(err) == ErrorClassRetryable }

// KindForStatus maps a remote status string (e.g. "PERMISSION_DENIED") to a kind.
// Unrecognised statuses fall back to the HTTP code.
func KindForStatus(status string, code int) ErrorKind {
	switch strings.ToUpper(status) {
	case "PERMISSION_DENIED", "UNAUTHENTICATED":
		return KindPermission
	case "NOT_FOUND":
		return KindNotFound
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "OUT_OF_RANGE":
		return KindInvalidArgument
	case "UNAVAILABLE", "INTERNAL", "DEADLINE_EXCEEDED", "RESOURCE_EXHAUSTED":
		return KindTransient
	}
	return KindForHTTPStatus(code)
}

// KindForHTTPStatus classifies a bare HTTP status code.
func KindForHTTPStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindPermission
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusBadRequest:
		return KindInvalidArgument
	case code == http.StatusTooManyRequests || code >= 500:
		return KindTransient
	case code >= 200 && code < 300:
		return KindUnknown
	default:
		// Unexpected codes are retried rather than giving up early.
		return KindTransient
	}
}
