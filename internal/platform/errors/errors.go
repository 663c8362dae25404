// Package errors provides structured errors with HTTP status mapping for the
// admin surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the category of an error for metrics and response formatting.
type ErrorType string

const (
	TypeValidation ErrorType = "validation" // 400
	TypeNotFound   ErrorType = "not_found"  // 404
	TypeConflict   ErrorType = "conflict"   // 409
	TypeTimeout    ErrorType = "timeout"    // 504
	TypeInternal   ErrorType = "internal"   // 500
	TypeExternal   ErrorType = "external"   // 502
)

type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeTimeout:
		return http.StatusGatewayTimeout
	case TypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause, Context: make(map[string]any)}
}

func ValidationError(message string, cause error) *Error {
	return newError(TypeValidation, message, cause)
}

func NotFoundError(message string, cause error) *Error {
	return newError(TypeNotFound, message, cause)
}

func ConflictError(message string, cause error) *Error {
	return newError(TypeConflict, message, cause)
}

func TimeoutError(message string, cause error) *Error {
	return newError(TypeTimeout, message, cause)
}

func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

func ExternalError(message string, cause error) *Error {
	return newError(TypeExternal, message, cause)
}

// WithContext adds a context field to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse is the JSON body sent to clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Context: e.Context,
	}
}

// Classifier maps an arbitrary error to a structured one, or returns nil when
// it does not recognise the error.
type Classifier func(err error) *Error

// AsStructuredError converts any error into a structured Error. An *Error in
// the chain is returned unchanged; otherwise each classifier is consulted in
// order and the first match wins. Unrecognised errors become internal errors.
func AsStructuredError(err error, classifiers ...Classifier) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	for _, classify := range classifiers {
		if mapped := classify(err); mapped != nil {
			return mapped
		}
	}

	return InternalError("internal server error", err)
}
