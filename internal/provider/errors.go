package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error is a classified provider failure. Transient errors are retryable;
// everything else fails the attempt immediately.
type Error struct {
	Provider  string
	Status    int // HTTP status, 0 for network-level failures
	Message   string
	Transient bool
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// statusError classifies an HTTP error status. Rate limits, timeouts, and
// server errors are transient; auth, schema, and not-found errors are not.
func statusError(provider string, status int, message string) *Error {
	transient := status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500
	return &Error{Provider: provider, Status: status, Message: message, Transient: transient}
}

// networkError wraps a transport-level failure, which is always transient.
func networkError(provider string, err error) *Error {
	return &Error{Provider: provider, Message: err.Error(), Transient: true}
}

// IsTransient reports whether an error is worth retrying. Context
// cancellation and deadline expiry are never transient: the caller's clock
// or intent ended the attempt, not the provider.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}
