package run

import (
	"errors"
	"fmt"

	"ideaforge/internal/pipeline"
	"ideaforge/internal/provider"
)

// FailureKind names the terminal cause of a failed run.
type FailureKind string

const (
	FailConfigInvalid  FailureKind = "/config_invalid"
	FailProviderAuth   FailureKind = "/provider_auth"
	FailRetryExhausted FailureKind = "/provider_retry_exhausted"
	FailQualityAbandon FailureKind = "/quality_abandon"
	FailCancelled      FailureKind = "/cancelled"
	FailInternal       FailureKind = "/internal"
)

// Error is the classified terminal error of a run.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("run failed (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps an error from the pipeline or writer onto the run-level
// taxonomy.
func classify(err error) FailureKind {
	var runErr *Error
	if errors.As(err, &runErr) {
		return runErr.Kind
	}
	var abandon *pipeline.AbandonError
	if errors.As(err, &abandon) {
		return FailQualityAbandon
	}
	if provider.IsAuth(err) {
		return FailProviderAuth
	}
	if provider.IsCancelled(err) {
		return FailCancelled
	}
	if errors.Is(err, provider.ErrRetryExhausted) {
		return FailRetryExhausted
	}
	return FailInternal
}

// asRunError wraps err with its classification, preserving an existing
// run error untouched.
func asRunError(err error) *Error {
	var runErr *Error
	if errors.As(err, &runErr) {
		return runErr
	}
	return &Error{Kind: classify(err), Err: err}
}
