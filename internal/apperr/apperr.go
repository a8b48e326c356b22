package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind buckets an error into the HTTP-facing taxonomy.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindValidation
	KindCanceled
)

// Client-closed-request, the nginx convention; there is no stdlib constant.
const statusClientClosedRequest = 499

// Error is a kinded error with a message safe to show to the caller.
// Details optionally carries structured context (e.g. the holder of a
// contested lock) for the client to render.
type Error struct {
	Kind    Kind
	Msg     string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Unauthorizedf(format string, args ...any) *Error { return newf(KindUnauthorized, format, args...) }
func Forbiddenf(format string, args ...any) *Error    { return newf(KindForbidden, format, args...) }
func NotFoundf(format string, args ...any) *Error     { return newf(KindNotFound, format, args...) }
func Conflictf(format string, args ...any) *Error     { return newf(KindConflict, format, args...) }
func Validationf(format string, args ...any) *Error   { return newf(KindValidation, format, args...) }

// Canceledf marks a request the caller abandoned. Not an internal fault: it
// maps to 499 and is never logged as an error.
func Canceledf(format string, args ...any) *Error { return newf(KindCanceled, format, args...) }

// Internalf wraps an unexpected failure. The wrapped error is logged, not
// shown to the caller.
func Internalf(err error, format string, args ...any) *Error {
	e := newf(KindInternal, format, args...)
	e.Err = err
	return e
}

// WithDetails attaches structured context to the error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to its response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// Code is the machine-readable name used in error responses.
func Code(err error) string {
	switch KindOf(err) {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindCanceled:
		return "canceled"
	default:
		return "internal"
	}
}

// Details returns the structured context attached to the error, if any.
func Details(err error) any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
