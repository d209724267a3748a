package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies gateway errors for transport mapping.
type ErrorKind string

// Error kinds.
const (
	KindValidation         ErrorKind = "ValidationError"
	KindNotFound           ErrorKind = "NotFound"
	KindUnauthorized       ErrorKind = "Unauthorized"
	KindPoolExhausted      ErrorKind = "PoolExhausted"
	KindPermission         ErrorKind = "PermissionError"
	KindTimeout            ErrorKind = "TimeoutError"
	KindUnavailableService ErrorKind = "UnavailableService"
	KindIntegrity          ErrorKind = "IntegrityError"
	KindInternal           ErrorKind = "InternalError"
)

// GatewayError is the typed error carried across subsystem boundaries.
// Wraps an optional cause for errors.Is/As chains.
type GatewayError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Cause }

// Is matches on Kind so sentinel comparisons work across wrapping.
func (e *GatewayError) Is(target error) bool {
	var ge *GatewayError
	if errors.As(target, &ge) {
		return ge.Kind == e.Kind
	}
	return false
}

// NewError creates a GatewayError of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a GatewayError wrapping a cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the ErrorKind of err, or KindInternal for untyped errors.
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// HTTPStatus maps an error to its HTTP response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindPoolExhausted, KindUnavailableService:
		return http.StatusServiceUnavailable
	case KindIntegrity:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
