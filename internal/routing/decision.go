package routing

import (
	"github.com/tributary-ai/llm-resilience-router/internal/complexity"
	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

// NoProviderAvailable is the reasoning recorded when every provider is excluded.
const NoProviderAvailable = "no-provider-available"

// Exclusion reasons
const (
	ExcludedCircuitOpen   = "circuit_open"
	ExcludedNotConfigured = "not_configured"
)

// MaxChainLength caps primary plus fallbacks.
const MaxChainLength = 3

// RoutingDecision contains information about a routing decision
type RoutingDecision struct {
	// The selected provider, empty when nothing is available
	Primary types.ProviderID `json:"primary"`

	// Remaining providers in descending suitability
	Fallbacks []types.ProviderID `json:"fallbacks"`

	// Human-readable reasoning for the decision
	Reasoning string `json:"reasoning"`

	// Complexity inputs that drove the decision
	Band  complexity.Band `json:"band"`
	Score float64         `json:"score"`

	// Providers left out of the chain and why
	Excluded map[types.ProviderID]string `json:"excluded,omitempty"`
}

// Chain returns the ordered providers to try, primary first.
func (d *RoutingDecision) Chain() []types.ProviderID {
	if d.Primary == "" {
		return nil
	}
	chain := append([]types.ProviderID{d.Primary}, d.Fallbacks...)
	if len(chain) > MaxChainLength {
		chain = chain[:MaxChainLength]
	}
	return chain
}

// NoProvider reports whether the decision selected nothing.
func (d *RoutingDecision) NoProvider() bool {
	return d.Primary == ""
}
