// Package faults defines the error taxonomy shared by the settlement core.
//
// Every rejected operation surfaces a *Error carrying a Kind (what class of
// precondition failed) and a stable Code (which precondition). Callers match
// with errors.Is against the package-level sentinels; transports map Kind to
// a status code.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthorization
	KindState
	KindEconomic
	KindNotFound
	KindConfig
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindEconomic:
		return "economic"
	case KindNotFound:
		return "not_found"
	case KindConfig:
		return "config"
	default:
		return "internal"
	}
}

// Error is a named, classified failure.
type Error struct {
	Kind    Kind   `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	cause   error
}

// New creates a sentinel error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same kind and code, so a detailed copy
// produced by Withf still satisfies errors.Is against its sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

// Withf returns a copy of e with detail appended to the message.
func (e *Error) Withf(format string, args ...any) *Error {
	cp := *e
	cp.Message = e.Message + ": " + fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy of e that wraps cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// KindOf reports the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf reports the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HTTPStatus maps err's kind to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindState:
		return http.StatusConflict
	case KindEconomic:
		return http.StatusPaymentRequired
	case KindNotFound:
		return http.StatusNotFound
	case KindConfig:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Body renders err as the standard {"error", "message"} response body.
// Internal errors hide their detail.
func Body(err error) map[string]string {
	if KindOf(err) == KindInternal {
		return map[string]string{"error": "internal_error", "message": "Internal server error"}
	}
	var e *Error
	errors.As(err, &e)
	return map[string]string{"error": e.Code, "message": e.Message}
}

// ParseKind is the inverse of Kind.String. Unknown names map to
// KindInternal.
func ParseKind(s string) Kind {
	for k := KindValidation; k <= KindConfig; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindInternal
}
