package models

import (
	"context"
	"errors"
	"fmt"
)

// ProviderErrorKind classifies a failed call to an external provider.
type ProviderErrorKind string

const (
	// ProviderTransient covers 5xx, 429 and network failures; worth retrying.
	ProviderTransient ProviderErrorKind = "transient"
	// ProviderTimeout means the call did not answer within its deadline.
	ProviderTimeout ProviderErrorKind = "timeout"
	// ProviderPermanent covers rejected requests; retrying will not help.
	ProviderPermanent ProviderErrorKind = "permanent"
)

// ProviderError is the only error type adapters return. Raw SDK and HTTP
// errors stay wrapped inside it.
type ProviderError struct {
	Provider string
	Op       string
	Kind     ProviderErrorKind
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s (status %d): %v", e.Provider, e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed.
func (e *ProviderError) Retryable() bool {
	return e.Kind == ProviderTransient || e.Kind == ProviderTimeout
}

// KindForStatus maps an HTTP status code onto the provider error taxonomy.
func KindForStatus(status int) ProviderErrorKind {
	switch {
	case status == 408 || status == 504:
		return ProviderTimeout
	case status == 429 || status >= 500:
		return ProviderTransient
	default:
		return ProviderPermanent
	}
}

// KindForError classifies transport-level failures.
func KindForError(err error) ProviderErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ProviderTimeout
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return ProviderTimeout
	}
	return ProviderTransient
}

// AsProviderError extracts a ProviderError from err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
