package bayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for compensation decisions and HTTP mapping.
type Kind string

const (
	// Driver-facing kinds.
	KindTransient Kind = "transient"
	KindNotFound  Kind = "not_found"
	KindConflict  Kind = "conflict"
	KindInvariant Kind = "invariant"
	KindFatal     Kind = "fatal"

	// Boundary kinds.
	KindUnauthorized           Kind = "unauthorized"
	KindForbidden              Kind = "forbidden"
	KindValidation             Kind = "validation"
	KindInvalidPath            Kind = "invalid_path"
	KindCapabilityNotSupported Kind = "capability_not_supported"
	KindSandboxExpired         Kind = "sandbox_expired"
	KindSandboxTTLInfinite     Kind = "sandbox_ttl_infinite"
	KindSessionNotReady        Kind = "session_not_ready"
	KindRuntimeError           Kind = "runtime_error"
	KindTimeout                Kind = "timeout"
	KindInternal               Kind = "internal"
)

// Error is a kind-tagged error. The kind drives whether managers compensate,
// whether GC re-queues, and how the HTTP boundary maps to status codes.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// E constructs a new kind-tagged error.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind and message.
func Wrap(err error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithDetail attaches a bounded detail entry and returns the error.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	// Details are user-visible; keep each entry small.
	if len(value) > 512 {
		value = value[:512]
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the kind from err, walking the wrap chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err is kind not_found.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is kind conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsTransient reports whether err is kind transient or timeout.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindTimeout
}

// HTTPStatus maps a kind to the single HTTP status it surfaces as.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindValidation, KindInvalidPath, KindCapabilityNotSupported, KindSandboxTTLInfinite:
		return http.StatusBadRequest
	case KindSandboxExpired:
		return http.StatusGone
	case KindSessionNotReady:
		return http.StatusServiceUnavailable
	case KindRuntimeError:
		return http.StatusBadGateway
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
