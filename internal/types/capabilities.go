package types

import (
	"math"
	"time"
)

// ProviderID identifies one member of the closed provider set.
type ProviderID string

const (
	ProviderCerebras ProviderID = "cerebras"
	ProviderGroq     ProviderID = "groq"
	ProviderGemini   ProviderID = "gemini"
)

// AllProviders lists every supported provider in canonical order.
var AllProviders = []ProviderID{ProviderCerebras, ProviderGroq, ProviderGemini}

// ParseProviderID maps a name onto the closed provider set.
func ParseProviderID(name string) (ProviderID, bool) {
	for _, id := range AllProviders {
		if string(id) == name {
			return id, true
		}
	}
	return "", false
}

func (p ProviderID) String() string {
	return string(p)
}

// Provider capabilities and configuration
type ProviderConfig struct {
	ID           ProviderID      `yaml:"-" json:"providerId"`
	APIKey       string          `yaml:"api_key" json:"-"`
	Endpoint     string          `yaml:"endpoint" json:"endpoint"`
	Models       []string        `yaml:"models" json:"models"`
	Limits       ProviderLimits  `yaml:"limits" json:"limits"`
	Pricing      ProviderPricing `yaml:"pricing" json:"pricing"`
	Capabilities []string        `yaml:"capabilities" json:"capabilities"`
}

type ProviderLimits struct {
	MaxTokens int           `yaml:"max_tokens" json:"maxTokens"`
	Timeout   time.Duration `yaml:"timeout" json:"-"`
	RateLimit int           `yaml:"rate_limit" json:"rateLimit"` // requests per minute, 0 = unlimited
}

// Prices are USD per one million tokens.
type ProviderPricing struct {
	InputCostPer1M  float64 `yaml:"input_cost_per_1m" json:"inputCostPer1M"`
	OutputCostPer1M float64 `yaml:"output_cost_per_1m" json:"outputCostPer1M"`
}

// DefaultModel returns the first configured model.
func (c ProviderConfig) DefaultModel() string {
	if len(c.Models) == 0 {
		return ""
	}
	return c.Models[0]
}

// HasCapability reports whether the provider advertises the given capability tag.
func (c ProviderConfig) HasCapability(tag string) bool {
	for _, capability := range c.Capabilities {
		if capability == tag {
			return true
		}
	}
	return false
}

// Cost prices a completed call in USD.
func (c ProviderConfig) Cost(promptTokens, completionTokens int) float64 {
	return (float64(promptTokens)*c.Pricing.InputCostPer1M +
		float64(completionTokens)*c.Pricing.OutputCostPer1M) / 1_000_000
}

// EstimateCost prices a call before it is made: prompt tokens are approximated
// as one token per four characters and the completion is assumed to use its
// whole token allowance.
func (c ProviderConfig) EstimateCost(promptChars int, maxTokens *int) float64 {
	completion := c.Limits.MaxTokens
	if maxTokens != nil && *maxTokens > 0 && (completion == 0 || *maxTokens < completion) {
		completion = *maxTokens
	}
	prompt := int(math.Ceil(float64(promptChars) / 4))
	return c.Cost(prompt, completion)
}

// ProviderView is the public shape of a registered provider.
type ProviderView struct {
	ProviderID   ProviderID      `json:"providerId"`
	Endpoint     string          `json:"endpoint"`
	Models       []string        `json:"models"`
	MaxTokens    int             `json:"maxTokens"`
	TimeoutMs    int64           `json:"timeoutMs"`
	RateLimit    int             `json:"rateLimit"`
	Pricing      ProviderPricing `json:"pricing"`
	Capabilities []string        `json:"capabilities"`
}

func (c ProviderConfig) View() ProviderView {
	return ProviderView{
		ProviderID:   c.ID,
		Endpoint:     c.Endpoint,
		Models:       c.Models,
		MaxTokens:    c.Limits.MaxTokens,
		TimeoutMs:    c.Limits.Timeout.Milliseconds(),
		RateLimit:    c.Limits.RateLimit,
		Pricing:      c.Pricing,
		Capabilities: c.Capabilities,
	}
}
