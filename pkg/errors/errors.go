// Package errors provides structured error handling for the gateway.
// Every error carries a JSON-RPC code, a stable machine-readable tag, and the
// HTTP status it maps to at the transport boundary, so the credential
// classification produced by the validator survives unchanged all the way to
// the client.
package errors

import (
	"errors"
	"fmt"
)

// Category classifies an error for handling and metrics labels
type Category string

const (
	CategoryCredential Category = "credential"
	CategoryProtocol   Category = "protocol"
	CategoryTransport  Category = "transport"
	CategoryUpstream   Category = "upstream"
	CategoryInternal   Category = "internal"
)

// Error is the gateway's error type. The zero value is not valid; use the
// constructors in this package.
type Error struct {
	code       int
	tag        string
	httpStatus int
	category   Category
	message    string
	data       interface{}
	cause      error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the JSON-RPC error code
func (e *Error) Code() int { return e.code }

// Tag returns the stable machine-readable error tag
func (e *Error) Tag() string { return e.tag }

// HTTPStatus returns the HTTP status this error maps to
func (e *Error) HTTPStatus() int { return e.httpStatus }

// Category returns the error category
func (e *Error) Category() Category { return e.category }

// Message returns the human-readable message without the cause chain
func (e *Error) Message() string { return e.message }

// Data returns structured error data for the envelope's error.data field
func (e *Error) Data() interface{} { return e.data }

// Unwrap returns the underlying error for errors.Is/As traversal
func (e *Error) Unwrap() error { return e.cause }

// WithData returns a copy of the error carrying structured data
func (e *Error) WithData(data interface{}) *Error {
	dup := *e
	dup.data = data
	return &dup
}

// WithCause returns a copy of the error wrapping an underlying cause
func (e *Error) WithCause(cause error) *Error {
	dup := *e
	dup.cause = cause
	return &dup
}

// New creates an Error with the given classification
func New(code int, tag string, httpStatus int, category Category, message string) *Error {
	return &Error{
		code:       code,
		tag:        tag,
		httpStatus: httpStatus,
		category:   category,
		message:    message,
	}
}

// Newf creates an Error with a formatted message
func Newf(code int, tag string, httpStatus int, category Category, format string, args ...interface{}) *Error {
	return New(code, tag, httpStatus, category, fmt.Sprintf(format, args...))
}

// As extracts a gateway *Error from any error chain
func As(err error) (*Error, bool) {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// IsCategory reports whether err is a gateway error of the given category
func IsCategory(err error, category Category) bool {
	if gwErr, ok := As(err); ok {
		return gwErr.category == category
	}
	return false
}

// IsTag reports whether err is a gateway error with the given tag
func IsTag(err error, tag string) bool {
	if gwErr, ok := As(err); ok {
		return gwErr.tag == tag
	}
	return false
}
