package complexity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

const complexSentence = "First compare the layover and visa constraints for each itinerary, then optimize the budget and accommodation booking. "

func TestScore_EmptyInputIsMinimum(t *testing.T) {
	s := NewScorer()

	for _, prompt := range []string{"", "   ", "\n\t"} {
		score := s.Score(Input{Prompt: prompt})
		assert.Equal(t, 0.0, score.Overall)
		assert.Equal(t, Factors{}, score.Factors)
		assert.Equal(t, BandFast, score.Band)
	}
}

func TestScore_SimpleQueryRoutesFast(t *testing.T) {
	s := NewScorer()

	score := s.Score(Input{Prompt: "What is the capital of Portugal?"})

	assert.Less(t, score.Overall, LowThreshold)
	assert.Equal(t, BandFast, score.Band)
	assert.Equal(t, types.ProviderCerebras, score.RecommendedProvider)
	assert.Contains(t, score.Reasoning, "simple request")
}

func TestScore_StructuredWithDeepContextIsBalanced(t *testing.T) {
	s := NewScorer()

	score := s.Score(Input{
		Prompt:           "Summarize the attached notes.",
		ContextLength:    8000,
		StructuredOutput: true,
	})

	assert.InDelta(t, 0.32, score.Overall, 1e-9)
	assert.Equal(t, BandBalanced, score.Band)
	assert.Equal(t, types.ProviderGroq, score.RecommendedProvider)
}

func TestScore_ComplexPlanningRoutesReasoning(t *testing.T) {
	s := NewScorer()
	prompt := strings.Repeat(complexSentence, 10)
	require.Greater(t, len(prompt), 1000)

	score := s.Score(Input{Prompt: prompt, ContextLength: 9000, StructuredOutput: true})

	assert.Equal(t, 1.0, score.Factors.QueryLength)
	assert.Equal(t, 1.0, score.Factors.TechnicalTerms)
	assert.Equal(t, 1.0, score.Factors.MultiStepReasoning)
	assert.Greater(t, score.Overall, HighThreshold)
	assert.Equal(t, BandReasoning, score.Band)
	assert.Equal(t, types.ProviderGemini, score.RecommendedProvider)
	assert.Contains(t, score.Reasoning, "multi-step reasoning")
}

func TestScore_Deterministic(t *testing.T) {
	s := NewScorer()
	in := Input{Prompt: complexSentence, ContextLength: 1200}

	first := s.Score(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.Score(in))
	}
}

func TestScore_Bounds(t *testing.T) {
	s := NewScorer()
	inputs := []Input{
		{Prompt: "hi"},
		{Prompt: "json json json table csv", StructuredOutput: true},
		{Prompt: strings.Repeat("api ", 2000), ContextLength: 1 << 20},
		{Prompt: strings.Repeat(complexSentence, 50), ContextLength: -5},
		{Prompt: "", ContextLength: 300},
	}

	for _, in := range inputs {
		score := s.Score(in)
		assert.GreaterOrEqual(t, score.Overall, 0.0)
		assert.LessOrEqual(t, score.Overall, 1.0)
		for _, f := range []float64{
			score.Factors.QueryLength,
			score.Factors.TechnicalTerms,
			score.Factors.MultiStepReasoning,
			score.Factors.ContextDepth,
			score.Factors.OutputFormat,
		} {
			assert.GreaterOrEqual(t, f, 0.0)
			assert.LessOrEqual(t, f, 1.0)
		}
	}
}

func TestLengthFactor(t *testing.T) {
	assert.Equal(t, 0.0, lengthFactor(0))
	assert.Equal(t, 0.1, lengthFactor(50))
	assert.InDelta(t, 0.1, lengthFactor(100), 1e-9)
	assert.InDelta(t, 0.55, lengthFactor(550), 1e-9)
	assert.InDelta(t, 1.0, lengthFactor(1000), 1e-9)
	assert.Equal(t, 1.0, lengthFactor(5000))
}

func TestFormatFactor_KeywordHint(t *testing.T) {
	s := NewScorer()

	score := s.Score(Input{Prompt: "list the museums as a table"})
	assert.Equal(t, 0.5, score.Factors.OutputFormat)

	score = s.Score(Input{Prompt: "tell me about museums"})
	assert.Equal(t, 0.0, score.Factors.OutputFormat)
}

func TestBandFor_Boundaries(t *testing.T) {
	tests := []struct {
		overall float64
		want    Band
	}{
		{0, BandFast},
		{0.2999, BandFast},
		{0.3, BandBalanced},
		{0.5, BandBalanced},
		{0.7, BandBalanced},
		{0.7001, BandReasoning},
		{1, BandReasoning},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BandFor(tt.overall), "overall=%v", tt.overall)
	}
}
