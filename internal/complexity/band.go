package complexity

import "github.com/tributary-ai/llm-resilience-router/internal/types"

// Band is the routing bucket an overall score falls into.
type Band string

const (
	BandFast      Band = "fast"
	BandBalanced  Band = "balanced"
	BandReasoning Band = "reasoning"
)

// Band thresholds: below LowThreshold is fast, above HighThreshold is
// reasoning, both bounds inclusive for balanced.
const (
	LowThreshold  = 0.3
	HighThreshold = 0.7
)

func BandFor(overall float64) Band {
	switch {
	case overall < LowThreshold:
		return BandFast
	case overall > HighThreshold:
		return BandReasoning
	default:
		return BandBalanced
	}
}

// PrimaryProvider is the most suitable provider for the band when every
// provider is available.
func (b Band) PrimaryProvider() types.ProviderID {
	switch b {
	case BandFast:
		return types.ProviderCerebras
	case BandReasoning:
		return types.ProviderGemini
	default:
		return types.ProviderGroq
	}
}
