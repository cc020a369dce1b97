package types

import (
	"time"
)

// ErrorKind classifies why an attempt or a request did not succeed.
type ErrorKind string

const (
	ErrorKindNone                  ErrorKind = ""
	ErrorKindProviderTimeout       ErrorKind = "provider_timeout"
	ErrorKindProviderError         ErrorKind = "provider_error"
	ErrorKindCircuitOpen           ErrorKind = "circuit_open"
	ErrorKindRateLimited           ErrorKind = "rate_limited"
	ErrorKindBudgetExceeded        ErrorKind = "budget_exceeded"
	ErrorKindAllProvidersExhausted ErrorKind = "all_providers_exhausted"
)

// CountsAsFailure reports whether the kind is a provider failure that feeds
// health and circuit breaker state. Skips are routing exclusions only.
func (k ErrorKind) CountsAsFailure() bool {
	return k == ErrorKindProviderTimeout || k == ErrorKindProviderError
}

// AttemptResult is the outcome of one step of the fallback chain.
type AttemptResult struct {
	ProviderID       ProviderID    `json:"providerId"`
	Model            string        `json:"model,omitempty"`
	Success          bool          `json:"success"`
	Skipped          bool          `json:"skipped,omitempty"`
	StartedAt        time.Time     `json:"startedAt"`
	Latency          time.Duration `json:"latency"`
	PromptTokens     int           `json:"promptTokens"`
	CompletionTokens int           `json:"completionTokens"`
	TokensUsed       int           `json:"tokensUsed"`
	CostUSD          float64       `json:"costUsd"`
	ErrorKind        ErrorKind     `json:"errorKind,omitempty"`
	Err              error         `json:"-"`
}

func (a AttemptResult) Summary() AttemptSummary {
	return AttemptSummary{ProviderID: a.ProviderID, ErrorKind: a.ErrorKind}
}
