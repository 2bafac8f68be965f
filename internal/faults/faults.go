package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for retry and surfacing decisions. Only
// KindTransient crosses a component boundary as retryable; every other kind
// is terminal to the caller.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindPermanent  Kind = "permanent"
	KindDegraded   Kind = "degraded"
)

// Error carries a kind, a stable machine code, and a wrapped cause.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a stable code.
func New(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func Authf(code, format string, args ...any) *Error {
	return New(KindAuth, code, fmt.Errorf(format, args...))
}

func Validationf(code, format string, args ...any) *Error {
	return New(KindValidation, code, fmt.Errorf(format, args...))
}

func NotFoundf(code, format string, args ...any) *Error {
	return New(KindNotFound, code, fmt.Errorf(format, args...))
}

func Conflictf(code, format string, args ...any) *Error {
	return New(KindConflict, code, fmt.Errorf(format, args...))
}

func Transientf(code, format string, args ...any) *Error {
	return New(KindTransient, code, fmt.Errorf(format, args...))
}

func Permanentf(code, format string, args ...any) *Error {
	return New(KindPermanent, code, fmt.Errorf(format, args...))
}

// KindOf reports the classification of err. Unclassified errors default to
// transient so an unknown failure is retried rather than dropped; context
// cancellation and deadline expiry are transient by definition.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}

// CodeOf returns the stable machine code of err, or "internal" when the
// error carries none.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Code != "" {
		return fe.Code
	}
	return "internal"
}

// IsRetryable reports whether err should be retried by the caller.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// HTTPStatus maps an error kind onto the wire status used by admin and
// service endpoints.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPermanent:
		return http.StatusUnprocessableEntity
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
