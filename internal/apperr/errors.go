package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeUnauthorized    ErrorType = "unauthorized"
	ErrorTypeForbidden       ErrorType = "forbidden"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeStateTransition ErrorType = "invalid_state_transition"
	ErrorTypeTokenExpired    ErrorType = "token_expired"
	ErrorTypeInfrastructure  ErrorType = "infrastructure"
	ErrorTypeInternal        ErrorType = "internal"
)

// Error is a structured error carrying the taxonomy type plus optional context
type Error struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on the error type so sentinel values below work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && (t.Message == "" || t.Message == e.Message)
}

// WithDetail attaches a key/value to the error for handler responses
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new typed error
func New(errType ErrorType, message string, err error) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

var (
	ErrValidation          = New(ErrorTypeValidation, "invalid input", nil)
	ErrUnauthorized        = New(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrForbidden           = New(ErrorTypeForbidden, "access forbidden", nil)
	ErrNotFound            = New(ErrorTypeNotFound, "resource not found", nil)
	ErrRateLimited         = New(ErrorTypeRateLimit, "rate limit exceeded", nil)
	ErrDuplicateSubdomain  = New(ErrorTypeConflict, "subdomain already taken", nil)
	ErrAllocationExhausted = New(ErrorTypeConflict, "subdomain allocation exhausted", nil)
	ErrInvalidTransition   = New(ErrorTypeStateTransition, "invalid state transition", nil)
	ErrTokenExpired        = New(ErrorTypeTokenExpired, "activation token expired", nil)
	ErrTokenInvalid        = New(ErrorTypeUnauthorized, "activation token invalid", nil)
	ErrInfrastructure      = New(ErrorTypeInfrastructure, "infrastructure failure", nil)
	ErrInternal            = New(ErrorTypeInternal, "internal server error", nil)
)

// TypeOf returns the ErrorType of err, or empty string for untyped errors
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// Details returns the details map of err, or nil for untyped errors
func Details(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// Wrap wraps err with a taxonomy type and message
func Wrap(errType ErrorType, message string, err error) error {
	return New(errType, message, err)
}

// HTTPStatus maps an error to the status code returned at the API boundary
func HTTPStatus(err error) int {
	switch TypeOf(err) {
	case ErrorTypeValidation:
		return http.StatusUnprocessableEntity
	case ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case ErrorTypeForbidden:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeConflict:
		if errors.Is(err, ErrAllocationExhausted) {
			return http.StatusInternalServerError
		}
		return http.StatusUnprocessableEntity
	case ErrorTypeStateTransition:
		return http.StatusConflict
	case ErrorTypeTokenExpired:
		return http.StatusGone
	case ErrorTypeInfrastructure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
