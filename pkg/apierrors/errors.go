// Package apierrors defines the uniform error envelope shared by the
// container runtime, the auth core, and the control plane.
//
// Every failure that can cross an API boundary is an *Error carrying a
// machine-readable Kind; the HTTP layer maps kinds to status codes with
// Status(). Internal code wraps these with fmt.Errorf("...: %w", err) so
// callers can classify with KindOf / Is.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for API consumers.
type Kind string

const (
	KindInvalidCredentials  Kind = "INVALID_CREDENTIALS"
	KindUserDisabled        Kind = "USER_DISABLED"
	KindInvalidToken        Kind = "INVALID_TOKEN"
	KindForbidden           Kind = "FORBIDDEN"
	KindPermissionDenied    Kind = "PERMISSION_DENIED"
	KindNotFound            Kind = "NOT_FOUND"
	KindInvalidState        Kind = "INVALID_STATE"
	KindValidation          Kind = "VALIDATION"
	KindConflict            Kind = "CONFLICT"
	KindModuleConflict      Kind = "MODULE_CONFLICT"
	KindQueueFull           Kind = "QUEUE_FULL"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindMissingHistory      Kind = "MISSING_HISTORY"
	KindTimeout             Kind = "TIMEOUT"
	KindProxyDisabled       Kind = "PROXY_DISABLED"
	KindProxyUpstream       Kind = "PROXY_UPSTREAM"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindNodeNotFound        Kind = "NODE_NOT_FOUND"
	KindInternal            Kind = "INTERNAL"
)

// Error is the standardized API error.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is makes errors.Is(err, apierrors.New(kind, ...)) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy carrying structured details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Details: details}
}

// Convenience constructors for the common kinds.

func NotFound(resource string, id any) *Error {
	return New(KindNotFound, "%s %v not found", resource, id)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, format, args...)
}

func PermissionDenied(format string, args ...any) *Error {
	return New(KindPermissionDenied, format, args...)
}

func Internal(format string, args ...any) *Error {
	return New(KindInternal, format, args...)
}

// KindOf extracts the Kind from an error chain, or KindInternal when the
// error is not an *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}

// AsError converts any error to an *Error, wrapping unknown errors as
// INTERNAL without leaking their message structure.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{Kind: KindInternal, Message: "internal error"}
}

// Status maps an error kind to its HTTP status code.
func Status(err error) int {
	switch KindOf(err) {
	case KindInvalidCredentials, KindInvalidToken:
		return http.StatusUnauthorized
	case KindUserDisabled, KindForbidden, KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound, KindNodeNotFound:
		return http.StatusNotFound
	case KindInvalidState, KindConflict, KindModuleConflict:
		return http.StatusConflict
	case KindValidation, KindMissingHistory:
		return http.StatusBadRequest
	case KindQueueFull, KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindProxyDisabled, KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindProxyUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
