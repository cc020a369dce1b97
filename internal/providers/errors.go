package providers

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

// ErrMalformedResponse marks a provider reply that could not be used.
var ErrMalformedResponse = errors.New("malformed provider response")

// ProviderError wraps a failure returned by a provider call.
type ProviderError struct {
	Provider   types.ProviderID
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth trying on another provider
// or later on the same one. Client errors other than rate limiting are not.
func (e *ProviderError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 408, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// Classify maps a provider call error onto the attempt error taxonomy.
func Classify(err error) types.ErrorKind {
	if err == nil {
		return types.ErrorKindNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrorKindProviderTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.ErrorKindProviderTimeout
	}
	var pe *ProviderError
	if errors.As(err, &pe) && (pe.StatusCode == 408 || pe.StatusCode == 504) {
		return types.ErrorKindProviderTimeout
	}
	return types.ErrorKindProviderError
}
