// Package conduiterr defines Conduit's error taxonomy. Errors are values,
// not exceptions for control flow: Error implements the standard error
// interface and composes with errors.Is/As via Unwrap, following the
// teacher's runtime/agent/toolerrors chaining shape.
package conduiterr

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies an Error for retry/display policy, per spec.md §7.
type Category string

const (
	CategoryClient  Category = "client"
	CategoryNetwork Category = "network"
	CategoryServer  Category = "server"
	CategoryParsing Category = "parsing"
)

// Well-known codes, per spec.md §7's taxonomy table.
const (
	CodeValidationError       = "validation_error"
	CodeUnsupportedModality   = "unsupported_modality"
	CodeUnknownModel          = "unknown_model"
	CodeMissingCredentials    = "missing_credentials"
	CodeIncompleteConversation = "incomplete_conversation"

	CodeConnectionError  = "connection_error"
	CodeTimeout          = "timeout"
	CodeStreamInterrupted = "stream_interrupted"

	CodeProvider4xx  = "provider_4xx"
	CodeProvider5xx  = "provider_5xx"
	CodeRateLimited  = "rate_limited"

	CodeMalformedProviderResponse = "malformed_provider_response"
	CodeXMLParseError             = "xml_parse_error"
	CodeJSONParseError            = "json_parse_error"
)

type (
	// Info is the always-present summary of an Error.
	Info struct {
		Code      string
		Message   string
		Category  Category
		Timestamp time.Time
	}

	// Detail carries optional diagnostic context, populated when available
	// (verbosity DEBUG surfaces all of it per spec.md §7).
	Detail struct {
		ExceptionType string
		StackTrace    string
		RawResponse   string
		RequestParams map[string]any
		RetryCount    int
	}

	// Error is Conduit's error value. It is returned, never panicked, by
	// every component on the request path.
	Error struct {
		Info   Info
		Detail *Detail
		cause  error
	}
)

// New constructs an Error with the given category/code/message and a
// timestamp of now.
func New(category Category, code, message string) *Error {
	return &Error{Info: Info{Code: code, Message: message, Category: category, Timestamp: time.Now().UTC()}}
}

// Wrap constructs an Error that chains an underlying cause via Unwrap,
// preserving errors.Is/As across the boundary, mirroring toolerrors.FromError.
func Wrap(category Category, code, message string, cause error) *Error {
	e := New(category, code, message)
	e.cause = cause
	return e
}

// WithDetail attaches diagnostic detail and returns the receiver for
// chaining at the construction site.
func (e *Error) WithDetail(d Detail) *Error {
	e.Detail = &d
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s (%s/%s)", e.Info.Message, e.Info.Category, e.Info.Code)
}

// Unwrap supports errors.Is/As against the wrapped cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether target is a *Error with the same category and code,
// so callers can write errors.Is(err, conduiterr.New(conduiterr.CategoryServer, conduiterr.CodeRateLimited, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Info.Category == t.Info.Category && e.Info.Code == t.Info.Code
}

// Retryable reports whether the caller may reasonably retry, per the
// recovery column of spec.md §7's taxonomy table.
func (e *Error) Retryable() bool {
	switch e.Info.Category {
	case CategoryNetwork, CategoryServer:
		return true
	default:
		return false
	}
}

// ValidationError is a convenience constructor for the common client-side
// validation failure.
func ValidationError(message string) *Error {
	return New(CategoryClient, CodeValidationError, message)
}

// MissingCredentials is a convenience constructor for a missing API key.
func MissingCredentials(envVar string) *Error {
	return New(CategoryClient, CodeMissingCredentials, fmt.Sprintf("missing required credential %s", envVar))
}
