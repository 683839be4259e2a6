// Package errors defines the error taxonomy shared across the resilience
// core. Transport implementations report failures as *TransportError so the
// retry loop, circuit breaker and metrics all classify them the same way.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// Kind classifies a transport failure for retry and correlation decisions.
type Kind string

const (
	// KindRateLimited marks throttle responses (HTTP 429 and equivalents).
	KindRateLimited Kind = "rate_limited"

	// KindTimeout marks deadline expiries on the network leg.
	KindTimeout Kind = "timeout"

	// KindNetwork marks connection-level failures (DNS, reset, refused).
	KindNetwork Kind = "network"

	// KindServer marks remote 5xx-style failures.
	KindServer Kind = "server"

	// KindClient marks request errors the caller must fix (4xx-style).
	KindClient Kind = "client"

	// KindAuth marks authentication/authorization rejections.
	KindAuth Kind = "auth"
)

// Retryable reports whether a failure of the given kind may be retried.
// Client and auth failures repeat deterministically, so retrying them
// only burns rate-limit budget.
func Retryable(kind Kind) bool {
	switch kind {
	case KindRateLimited, KindTimeout, KindNetwork, KindServer:
		return true
	case KindClient, KindAuth:
		return false
	default:
		return false
	}
}

// TransportError is the classified failure a transport collaborator
// returns. RetryAfter carries the remote's throttle hint when present.
type TransportError struct {
	Kind       Kind
	Status     int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s (status %d): %s: %v", e.Kind, e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("transport %s (status %d): %s", e.Kind, e.Status, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransport builds a classified transport failure.
func NewTransport(kind Kind, status int, message string, err error) *TransportError {
	return &TransportError{
		Kind:    kind,
		Status:  status,
		Message: message,
		Err:     err,
	}
}

// NewThrottle builds a rate-limited transport failure carrying the
// remote's Retry-After hint (zero when the remote sent none).
func NewThrottle(status int, retryAfter time.Duration, message string) *TransportError {
	return &TransportError{
		Kind:       KindRateLimited,
		Status:     status,
		RetryAfter: retryAfter,
		Message:    message,
	}
}

// AsTransport unwraps err to a *TransportError, or nil.
func AsTransport(err error) *TransportError {
	var te *TransportError
	if stderrors.As(err, &te) {
		return te
	}
	return nil
}

// KindOf classifies an arbitrary error from the transport leg. Typed
// transport errors keep their kind; context expiries become timeouts;
// anything else is treated as a network failure, which keeps unknown
// errors retryable.
func KindOf(err error) Kind {
	if te := AsTransport(err); te != nil {
		return te.Kind
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNetwork
}
