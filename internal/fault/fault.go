// Package fault defines the error taxonomy used across the bridge. Every
// failure that crosses a component boundary is wrapped in an *Error carrying
// one of the closed set of kinds, so that the HTTP layer, the audit log, and
// the CLI can all map it to a stable external code.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error. The string value is the stable external code
// surfaced in OpenAI-shaped error bodies and persisted in the error log.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not-found"
	KindConflict       Kind = "conflict"
	KindUpstreamAuth   Kind = "upstream/auth"
	KindUpstreamNet    Kind = "upstream/network"
	KindUpstreamClient Kind = "upstream/client"
	KindUpstreamServer Kind = "upstream/server"
	KindStore          Kind = "store"
	KindInternal       Kind = "internal"
)

// Error is a classified error. Message is safe to surface to callers;
// the wrapped cause may carry internal detail.
type Error struct {
	Kind    Kind
	Message string
	// UpstreamStatus preserves the remote HTTP status for upstream/client and
	// upstream/server errors.
	UpstreamStatus int
	cause          error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error with a caller-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the Kind from err, or KindInternal if err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to the external HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstreamAuth:
		return http.StatusUnauthorized
	case KindUpstreamNet:
		return http.StatusBadGateway
	case KindUpstreamClient:
		return http.StatusBadGateway
	case KindUpstreamServer:
		return http.StatusBadGateway
	case KindStore, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// OpenAIType maps a kind to the "type" field of an OpenAI error body.
func OpenAIType(kind Kind) string {
	switch kind {
	case KindValidation:
		return "invalid_request_error"
	case KindNotFound:
		return "invalid_request_error"
	case KindConflict:
		return "invalid_request_error"
	case KindUpstreamAuth:
		return "authentication_error"
	default:
		return "server_error"
	}
}

// Severity returns the log severity recorded for errors of this kind.
func Severity(kind Kind) string {
	switch kind {
	case KindValidation, KindNotFound, KindConflict:
		return "warn"
	case KindInternal:
		return "fatal"
	default:
		return "error"
	}
}

// LogCategory buckets a kind into the error_log type column
// (http, streaming, upstream, store, validation, lifecycle).
func LogCategory(kind Kind) string {
	switch kind {
	case KindValidation, KindNotFound, KindConflict:
		return "validation"
	case KindUpstreamAuth, KindUpstreamNet, KindUpstreamClient, KindUpstreamServer:
		return "upstream"
	case KindStore:
		return "store"
	default:
		return "http"
	}
}
