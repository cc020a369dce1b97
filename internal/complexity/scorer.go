// Package complexity estimates how demanding a prompt is so the router can
// pick a provider tier for it.
package complexity

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

type Factors struct {
	QueryLength        float64 `json:"queryLength"`
	TechnicalTerms     float64 `json:"technicalTerms"`
	MultiStepReasoning float64 `json:"multiStepReasoning"`
	ContextDepth       float64 `json:"contextDepth"`
	OutputFormat       float64 `json:"outputFormat"`
}

type Weights struct {
	QueryLength        float64
	TechnicalTerms     float64
	MultiStepReasoning float64
	ContextDepth       float64
	OutputFormat       float64
}

func DefaultWeights() Weights {
	return Weights{
		QueryLength:        0.20,
		TechnicalTerms:     0.25,
		MultiStepReasoning: 0.25,
		ContextDepth:       0.15,
		OutputFormat:       0.15,
	}
}

type Score struct {
	Overall             float64          `json:"overall"`
	Factors             Factors          `json:"factors"`
	Band                Band             `json:"band"`
	RecommendedProvider types.ProviderID `json:"recommendedProvider"`
	Reasoning           string           `json:"reasoning"`
}

type Input struct {
	Prompt           string
	ContextLength    int // characters of session context accompanying the prompt
	StructuredOutput bool
}

// Scorer is stateless after construction and safe for concurrent use.
type Scorer struct {
	weights       Weights
	terms         map[string]struct{}
	stepPhrases   []string
	formatPhrases []string
}

func NewScorer() *Scorer {
	return NewScorerWithWeights(DefaultWeights())
}

func NewScorerWithWeights(w Weights) *Scorer {
	terms := make(map[string]struct{}, len(domainTerms))
	for _, t := range domainTerms {
		terms[t] = struct{}{}
	}
	return &Scorer{
		weights:       w,
		terms:         terms,
		stepPhrases:   multiStepPhrases,
		formatPhrases: formatPhrases,
	}
}

func (s *Scorer) Score(in Input) Score {
	prompt := strings.TrimSpace(in.Prompt)
	lower := strings.ToLower(prompt)
	words := tokenize(lower)

	f := Factors{
		QueryLength:        lengthFactor(len([]rune(prompt))),
		TechnicalTerms:     s.termFactor(words),
		MultiStepReasoning: s.stepFactor(lower, words),
		ContextDepth:       contextFactor(in.ContextLength),
		OutputFormat:       s.formatFactor(lower, words, in.StructuredOutput),
	}
	if prompt == "" && in.ContextLength == 0 && !in.StructuredOutput {
		f = Factors{}
	}

	overall := f.QueryLength*s.weights.QueryLength +
		f.TechnicalTerms*s.weights.TechnicalTerms +
		f.MultiStepReasoning*s.weights.MultiStepReasoning +
		f.ContextDepth*s.weights.ContextDepth +
		f.OutputFormat*s.weights.OutputFormat
	overall = math.Round(clamp(overall)*10000) / 10000

	band := BandFor(overall)
	return Score{
		Overall:             overall,
		Factors:             f,
		Band:                band,
		RecommendedProvider: band.PrimaryProvider(),
		Reasoning:           explain(overall, band, f),
	}
}

func lengthFactor(chars int) float64 {
	switch {
	case chars == 0:
		return 0
	case chars < 100:
		return 0.1
	case chars > 1000:
		return 1.0
	default:
		return 0.1 + 0.9*float64(chars-100)/900
	}
}

func contextFactor(chars int) float64 {
	switch {
	case chars <= 0:
		return 0
	case chars < 200:
		return 0.1
	case chars >= 8000:
		return 1.0
	default:
		return 0.1 + 0.9*float64(chars-200)/7800
	}
}

func (s *Scorer) termFactor(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	matches := 0
	for _, w := range words {
		if _, ok := s.terms[w]; ok {
			matches++
		}
	}
	// Short prompts are measured against ten words so a single term in a
	// three word question does not saturate the factor.
	denominator := len(words)
	if denominator < 10 {
		denominator = 10
	}
	return clamp(float64(matches) / float64(denominator) / 0.2)
}

func (s *Scorer) stepFactor(lower string, words []string) float64 {
	signals := 0
	for _, phrase := range s.stepPhrases {
		if containsPhrase(lower, words, phrase) {
			signals++
		}
	}
	switch {
	case signals == 0:
		return 0
	case signals == 1:
		return 0.35
	case signals == 2:
		return 0.65
	default:
		return 1.0
	}
}

func (s *Scorer) formatFactor(lower string, words []string, structured bool) float64 {
	if structured {
		return 1.0
	}
	for _, phrase := range s.formatPhrases {
		if containsPhrase(lower, words, phrase) {
			return 0.5
		}
	}
	return 0
}

// containsPhrase matches single words on token boundaries and multi-word
// phrases as substrings.
func containsPhrase(lower string, words []string, phrase string) bool {
	if strings.Contains(phrase, " ") {
		return strings.Contains(lower, phrase)
	}
	for _, w := range words {
		if w == phrase {
			return true
		}
	}
	return false
}

func tokenize(lower string) []string {
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func explain(overall float64, band Band, f Factors) string {
	var drivers []string
	add := func(name string, v float64) {
		if v >= 0.5 {
			drivers = append(drivers, name)
		}
	}
	add("long query", f.QueryLength)
	add("dense domain terminology", f.TechnicalTerms)
	add("multi-step reasoning", f.MultiStepReasoning)
	add("deep session context", f.ContextDepth)
	add("structured output", f.OutputFormat)

	if len(drivers) == 0 {
		return fmt.Sprintf("score %.2f (%s): simple request", overall, band)
	}
	return fmt.Sprintf("score %.2f (%s): %s", overall, band, strings.Join(drivers, ", "))
}
