package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

// ErrAbandoned is returned when the caller's context ends before the chain
// does. It wraps the context error.
var ErrAbandoned = errors.New("request abandoned by caller")

func abandoned(cause error) error {
	return fmt.Errorf("%w: %w", ErrAbandoned, cause)
}

// ExhaustedError is returned when no provider in the chain produced a
// response. Attempts lists every chain entry in order, including skips.
type ExhaustedError struct {
	Reason   string
	Attempts []types.AttemptResult
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("all providers exhausted: %s", e.Reason)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", a.ProviderID, a.ErrorKind))
	}
	return fmt.Sprintf("all providers exhausted: %s", strings.Join(parts, ", "))
}

// Kind is the terminal error kind.
func (e *ExhaustedError) Kind() types.ErrorKind {
	return types.ErrorKindAllProvidersExhausted
}

// Summaries returns the per-attempt view exposed to callers.
func (e *ExhaustedError) Summaries() []types.AttemptSummary {
	out := make([]types.AttemptSummary, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, a.Summary())
	}
	return out
}

// AllTimedOut reports whether every real call ended in a timeout.
func (e *ExhaustedError) AllTimedOut() bool {
	calls := 0
	for _, a := range e.Attempts {
		if a.Skipped {
			continue
		}
		calls++
		if a.ErrorKind != types.ErrorKindProviderTimeout {
			return false
		}
	}
	return calls > 0
}
