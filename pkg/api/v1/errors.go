package v1

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable classification of a platform error.
// Component boundaries return these instead of driving control flow through
// opaque error strings.
type ErrorKind string

const (
	KindNotFound              ErrorKind = "not_found"
	KindInvalidName           ErrorKind = "invalid_name"
	KindNameConflict          ErrorKind = "name_conflict"
	KindNotAuthorized         ErrorKind = "not_authorized"
	KindPermissionDenied      ErrorKind = "permission_denied"
	KindRateLimited           ErrorKind = "rate_limited"
	KindBudgeted              ErrorKind = "budgeted"
	KindDepthExceeded         ErrorKind = "depth_exceeded"
	KindAgentNotRunning       ErrorKind = "agent_not_running"
	KindTemplateResolveFailed ErrorKind = "template_resolve_failed"
	KindInjectionFailed       ErrorKind = "injection_failed"
	KindContainerUnavailable  ErrorKind = "container_unavailable"
	KindTimeout               ErrorKind = "timeout"
	KindCancelled             ErrorKind = "cancelled"
	KindInternal              ErrorKind = "internal"
)

// Error is a typed platform error surfaced across component boundaries.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// RetryAfterSec is advisory, set for rate-limit style rejections.
	RetryAfterSec int `json:"retry_after_sec,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes errors.Is match on kind: errors.Is(err, &Error{Kind: KindNotFound}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// NewError builds a typed error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a typed error wrapping an underlying cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the error kind, or KindInternal for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
