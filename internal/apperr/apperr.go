// Package apperr provides the typed error taxonomy shared by every worker
// component. Each failure carries a Kind that the orchestrator and the HTTP
// layer use to decide between retry, stage failure, and job failure.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The string values double as the error codes
// surfaced in job status metadata.
type Kind string

const (
	// KindInvalidArgument indicates malformed input. Never retried.
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	// KindPermissionDenied indicates a userId/key ownership mismatch.
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	// KindNotFound indicates an unknown job or missing object.
	KindNotFound Kind = "NOT_FOUND"
	// KindTimeout indicates a bounded wait was exceeded. Retried within the
	// stage's budget.
	KindTimeout Kind = "TIMEOUT"
	// KindRateLimited indicates a provider reported quota or rate exhaustion.
	// Triggers provider cooldown and failover.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindTransientExternal indicates a 5xx, network, or DNS failure.
	// Retried with backoff.
	KindTransientExternal Kind = "TRANSIENT_EXTERNAL"
	// KindPermanentExternal indicates a 4xx other than 429. Not retried.
	KindPermanentExternal Kind = "PERMANENT_EXTERNAL"
	// KindInternal indicates an invariant violation or unexpected failure.
	KindInternal Kind = "INTERNAL"
	// KindCancelled indicates cancellation via signal or client disconnect.
	KindCancelled Kind = "CANCELLED"
	// KindResumeBudgetExhausted indicates the resume retry count was exceeded.
	KindResumeBudgetExhausted Kind = "RESUME_BUDGET_EXHAUSTED"
	// KindServerShutdown is set only by the shutdown coordinator.
	KindServerShutdown Kind = "SERVER_SHUTDOWN"
)

// Error is a failure tagged with a Kind. The message must be safe to surface
// to callers: no credentials, no absolute local paths, no stack traces.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a tagged error with a safe message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a tagged error with a formatted safe message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind and a safe message.
// A nil cause returns nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of an error. Context cancellation maps to
// KindCancelled, deadline expiry to KindTimeout, and anything untagged to
// KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether an error is worth retrying: timeouts, rate
// limits, and transient external failures.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindRateLimited, KindTransientExternal:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the HTTP status the server layer responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus classifies a provider or object-store response status.
// 429 is rate limiting, other 4xx are permanent, 5xx are transient.
func FromHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusForbidden, status == http.StatusUnauthorized:
		return KindPermanentExternal
	case status >= 400 && status < 500:
		return KindPermanentExternal
	case status >= 500:
		return KindTransientExternal
	default:
		return KindInternal
	}
}
