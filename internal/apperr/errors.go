package apperr

import (
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies an application error for transport mapping.
type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	PolicyDenied
	Conflict
	Forbidden
)

// HTTPStatus returns the status code the API answers with for k.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case PolicyDenied:
		return http.StatusUnauthorized
	case Conflict:
		return http.StatusConflict
	case Forbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// FieldError is used to indicate an error with a specific request field.
type FieldError struct {
	Field string
	Error string
}

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	Fields  []FieldError
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(k Kind, msg string) *Error { return &Error{Kind: k, Message: msg} }

func NewValidation(msg string, flds ...FieldError) error {
	e := newError(Validation, msg)
	e.Fields = flds
	return e
}

func NewNotFound(msg string) error     { return newError(NotFound, msg) }
func NewPolicyDenied(msg string) error { return newError(PolicyDenied, msg) }
func NewConflict(msg string) error     { return newError(Conflict, msg) }
func NewForbidden(msg string) error    { return newError(Forbidden, msg) }

// Wrap classifies err under k, keeping it as the cause.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, Internal otherwise.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
