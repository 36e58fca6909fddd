// Package apperr defines the typed error taxonomy shared by the policy layer,
// the mutation workflows, and the ServiceNow client.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind names one member of the error taxonomy. The string value is what
// callers see in the envelope's error_kind field.
type Kind string

const (
	KindAuth        Kind = "AuthError"
	KindForbidden   Kind = "ForbiddenError"
	KindNotFound    Kind = "NotFoundError"
	KindServer      Kind = "ServerError"
	KindPolicy      Kind = "PolicyError"
	KindQuerySafety Kind = "QuerySafetyError"
	KindWriteGating Kind = "WriteGatingError"
	KindExpired     Kind = "ExpiredError"
	KindValidation  Kind = "ValidationError"
	KindInternal    Kind = "InternalError"
)

var defaultStatus = map[Kind]int{
	KindAuth:        http.StatusUnauthorized,
	KindForbidden:   http.StatusForbidden,
	KindNotFound:    http.StatusNotFound,
	KindServer:      http.StatusBadGateway,
	KindPolicy:      http.StatusForbidden,
	KindQuerySafety: http.StatusBadRequest,
	KindWriteGating: http.StatusForbidden,
	KindExpired:     http.StatusGone,
	KindValidation:  http.StatusBadRequest,
	KindInternal:    http.StatusInternalServerError,
}

// Error is a classified failure. It carries an HTTP-style status so the
// transport layer can map it without knowing the taxonomy.
type Error struct {
	Kind       Kind
	Message    string
	statusCode int
	cause      error
}

// Error implements error.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// StatusCode returns the attached status code.
func (e *Error) StatusCode() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	if e.statusCode != 0 {
		return e.statusCode
	}
	if status, ok := defaultStatus[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Is reports whether target is an *Error of the same kind, so
// errors.Is(err, apperr.NotFound("")) style checks work.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.Kind == other.Kind
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithStatus overrides the status code derived from the kind.
func (e *Error) WithStatus(status int) *Error {
	e.statusCode = status
	return e
}

func Auth(format string, args ...any) *Error {
	return New(KindAuth, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Server(format string, args ...any) *Error {
	return New(KindServer, format, args...)
}

func Policy(format string, args ...any) *Error {
	return New(KindPolicy, format, args...)
}

func QuerySafety(format string, args ...any) *Error {
	return New(KindQuerySafety, format, args...)
}

func WriteGating(format string, args ...any) *Error {
	return New(KindWriteGating, format, args...)
}

func Expired(format string, args ...any) *Error {
	return New(KindExpired, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// KindOf returns the taxonomy kind for err, or KindInternal when err is not
// classified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) && typed != nil && typed.Kind != "" {
		return typed.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
