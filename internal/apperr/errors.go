// Package apperr defines the error taxonomy shared by the object access layer
// and maps each kind to a stable HTTP status code.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
)

// Kinds are the machine-readable error identifiers sent to clients.
const (
	KindRateLimited  = "rate_limited"
	KindCircuitOpen  = "dependency_unavailable"
	KindSigning      = "signing_failed"
	KindNotFound     = "not_found"
	KindUnauthorized = "unauthorized"
	KindForbidden    = "forbidden"
	KindBadRequest   = "bad_request"
	KindTimeout      = "timeout"
	KindInternal     = "internal"
)

// RateLimitError is returned when admission control denies a request.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// RetryAfterSeconds rounds the delay up to whole seconds, minimum 1.
func (e *RateLimitError) RetryAfterSeconds() int64 {
	secs := int64((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// CircuitOpenError is returned by a breaker that refuses to call its dependency.
type CircuitOpenError struct {
	Dependency string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Dependency)
}

// SigningError wraps a failure of the object store signing call.
type SigningError struct {
	Key   string
	Cause error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("sign %q: %v", e.Key, e.Cause)
}

func (e *SigningError) Unwrap() error { return e.Cause }

// IsCircuitOpen reports whether err came from an open breaker.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

// HTTPStatus maps err to the status code a client should see.
func HTTPStatus(err error) int {
	var (
		rle *RateLimitError
		coe *CircuitOpenError
		se  *SigningError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &rle):
		return http.StatusTooManyRequests
	case errors.As(err, &coe):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	// A signing call cut off by its timeout reports as a timeout.
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &se):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Kind maps err to its machine-readable identifier.
func Kind(err error) string {
	var (
		rle *RateLimitError
		coe *CircuitOpenError
		se  *SigningError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rle):
		return KindRateLimited
	case errors.As(err, &coe):
		return KindCircuitOpen
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrBadRequest):
		return KindBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &se):
		return KindSigning
	default:
		return KindInternal
	}
}
