package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the gateway can report.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindCredentialMissing   ErrorKind = "credential_missing"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindUpstreamError       ErrorKind = "upstream_error"
	KindInternal            ErrorKind = "internal"
)

// Kinds lists every classification in a stable order.
var Kinds = []ErrorKind{
	KindValidation,
	KindCredentialMissing,
	KindUpstreamUnavailable,
	KindUpstreamError,
	KindInternal,
}

// ToolError is the only failure shape that crosses the adapter boundary.
// Cause is kept for server-side logging and is never serialized.
type ToolError struct {
	kind    ErrorKind
	message string
	cause   error
}

func (e *ToolError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *ToolError) Unwrap() error { return e.cause }

// Kind returns the classification.
func (e *ToolError) Kind() ErrorKind { return e.kind }

// Message returns the caller-safe message.
func (e *ToolError) Message() string { return e.message }

// NewToolError builds a ToolError. cause may be nil.
func NewToolError(kind ErrorKind, message string, cause error) *ToolError {
	return &ToolError{kind: kind, message: message, cause: cause}
}

func Validationf(format string, args ...any) *ToolError {
	return &ToolError{kind: KindValidation, message: fmt.Sprintf(format, args...)}
}

func CredentialMissing(capability, credential string) *ToolError {
	return &ToolError{
		kind:    KindCredentialMissing,
		message: fmt.Sprintf("%s is disabled: credential %s is not configured", capability, credential),
	}
}

func Unavailable(message string, cause error) *ToolError {
	return &ToolError{kind: KindUpstreamUnavailable, message: message, cause: cause}
}

func UpstreamError(message string, cause error) *ToolError {
	return &ToolError{kind: KindUpstreamError, message: message, cause: cause}
}

func Internal(cause error) *ToolError {
	return &ToolError{kind: KindInternal, message: "internal server error", cause: cause}
}

// AsToolError converts any error into a ToolError. Errors that are not
// already classified become internal, except context deadlines which mean
// the provider could not be reached in time.
func AsToolError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Unavailable("provider did not respond in time", err)
	}
	return Internal(err)
}

// KindOf returns the classification of err, or "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return AsToolError(err).Kind()
}
