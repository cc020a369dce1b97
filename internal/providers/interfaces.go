package providers

import (
	"context"

	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

// Core provider interface - all providers must implement
type LLMProvider interface {
	// ProviderID identifies which member of the closed provider set this is.
	ProviderID() types.ProviderID
	// ChatCompletion performs one call. It must honour ctx cancellation and
	// deadlines; the caller applies the per-provider timeout.
	ChatCompletion(ctx context.Context, req *types.CompletionRequest) (*types.Completion, error)
	// HealthCheck performs a cheap liveness call against the provider.
	HealthCheck(ctx context.Context) error
}
