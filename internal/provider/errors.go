// Package provider wraps every external collaborator (analyzer backends,
// the issue tracker) behind a rate-limited Caller: a per-provider
// concurrency cap, a token bucket, classified retries with jittered
// backoff, an optional circuit breaker, and a metrics surface. Components
// above this package never sleep or retry on their own.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error from an external provider.
type Kind string

const (
	KindRetryable   Kind = "/retryable"    // network, timeout, 429, 5xx
	KindFatalClient Kind = "/fatal_client" // malformed request, non-429 4xx
	KindFatalAuth   Kind = "/fatal_auth"   // credential failure, aborts the run
	KindCancelled   Kind = "/cancelled"    // context cancelled or deadline hit
)

// Error is a classified provider error.
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrRetryExhausted marks a call whose retry budget ran out. The layer
// that requested the call decides what that means: the pipeline treats it
// as the analyzer producing no output, the writer as a creation failure.
var ErrRetryExhausted = errors.New("retry budget exhausted")

// NewError builds a classified error for a provider.
func NewError(providerName string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Provider: providerName, Err: err}
}

// Retryable wraps err as a retryable provider error.
func Retryable(providerName string, err error) *Error {
	return NewError(providerName, KindRetryable, err)
}

// FatalClient wraps err as a non-retryable client error.
func FatalClient(providerName string, err error) *Error {
	return NewError(providerName, KindFatalClient, err)
}

// FatalAuth wraps err as an authentication failure.
func FatalAuth(providerName string, err error) *Error {
	return NewError(providerName, KindFatalAuth, err)
}

// Cancelled wraps err as a cancellation.
func Cancelled(providerName string, err error) *Error {
	return NewError(providerName, KindCancelled, err)
}

// KindOf extracts the classification of an error. Unclassified errors
// default to retryable: transient trouble is the common case for network
// collaborators, and the retry budget bounds the damage.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindRetryable
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return err != nil && KindOf(err) == KindFatalAuth }

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool { return err != nil && KindOf(err) == KindCancelled }
