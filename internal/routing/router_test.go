package routing

import (
	"reflect"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-resilience-router/internal/budget"
	"github.com/tributary-ai/llm-resilience-router/internal/complexity"
	"github.com/tributary-ai/llm-resilience-router/internal/health"
	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

type staticRegistry map[types.ProviderID]bool

func (s staticRegistry) Has(id types.ProviderID) bool {
	return s[id]
}

func allConfigured() staticRegistry {
	return staticRegistry{types.ProviderCerebras: true, types.ProviderGroq: true, types.ProviderGemini: true}
}

func snapshotWith(states map[types.ProviderID]health.State) health.Snapshot {
	snap := make(health.Snapshot)
	for _, id := range types.AllProviders {
		state := health.StateClosed
		if s, ok := states[id]; ok {
			state = s
		}
		snap[id] = health.ProviderStatus{Breaker: health.BreakerState{State: state}}
	}
	return snap
}

func createTestRouter(reg staticRegistry) *Router {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewRouter(reg, logger)
}

func TestRouter_BandSelection(t *testing.T) {
	router := createTestRouter(allConfigured())

	tests := []struct {
		name          string
		score         float64
		wantPrimary   types.ProviderID
		wantFallbacks []types.ProviderID
	}{
		{"Simple query", 0.12, types.ProviderCerebras, []types.ProviderID{types.ProviderGroq, types.ProviderGemini}},
		{"Lower balanced bound", 0.3, types.ProviderGroq, []types.ProviderID{types.ProviderGemini, types.ProviderCerebras}},
		{"Upper balanced bound", 0.7, types.ProviderGroq, []types.ProviderID{types.ProviderGemini, types.ProviderCerebras}},
		{"Complex planning", 0.85, types.ProviderGemini, []types.ProviderID{types.ProviderGroq, types.ProviderCerebras}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := router.Route(complexity.Score{Overall: tt.score}, snapshotWith(nil), nil)

			if decision.Primary != tt.wantPrimary {
				t.Errorf("Expected primary %s, got %s", tt.wantPrimary, decision.Primary)
			}
			if !reflect.DeepEqual(decision.Fallbacks, tt.wantFallbacks) {
				t.Errorf("Expected fallbacks %v, got %v", tt.wantFallbacks, decision.Fallbacks)
			}
			if len(decision.Chain()) != 3 {
				t.Errorf("Expected chain of 3, got %v", decision.Chain())
			}
		})
	}
}

func TestRouter_OpenCircuitExcluded(t *testing.T) {
	router := createTestRouter(allConfigured())

	decision := router.Route(
		complexity.Score{Overall: 0.85},
		snapshotWith(map[types.ProviderID]health.State{types.ProviderGemini: health.StateOpen}),
		nil,
	)

	if decision.Primary != types.ProviderGroq {
		t.Errorf("Expected groq as primary, got %s", decision.Primary)
	}
	if !reflect.DeepEqual(decision.Fallbacks, []types.ProviderID{types.ProviderCerebras}) {
		t.Errorf("Expected [cerebras] fallbacks, got %v", decision.Fallbacks)
	}
	if decision.Excluded[types.ProviderGemini] != ExcludedCircuitOpen {
		t.Errorf("Expected gemini excluded as circuit_open, got %q", decision.Excluded[types.ProviderGemini])
	}
	if !strings.Contains(decision.Reasoning, "gemini is circuit_open") {
		t.Errorf("Expected reasoning to explain the exclusion, got %q", decision.Reasoning)
	}
}

func TestRouter_HalfOpenStaysEligible(t *testing.T) {
	router := createTestRouter(allConfigured())

	decision := router.Route(
		complexity.Score{Overall: 0.1},
		snapshotWith(map[types.ProviderID]health.State{types.ProviderCerebras: health.StateHalfOpen}),
		nil,
	)

	if decision.Primary != types.ProviderCerebras {
		t.Errorf("Expected half-open cerebras to remain primary, got %s", decision.Primary)
	}
	if !strings.Contains(decision.Reasoning, "half-open") {
		t.Errorf("Expected half-open note in reasoning, got %q", decision.Reasoning)
	}
}

func TestRouter_AllOpen(t *testing.T) {
	router := createTestRouter(allConfigured())

	decision := router.Route(
		complexity.Score{Overall: 0.5},
		snapshotWith(map[types.ProviderID]health.State{
			types.ProviderCerebras: health.StateOpen,
			types.ProviderGroq:     health.StateOpen,
			types.ProviderGemini:   health.StateOpen,
		}),
		nil,
	)

	if !decision.NoProvider() {
		t.Fatalf("Expected no provider, got %s", decision.Primary)
	}
	if decision.Reasoning != NoProviderAvailable {
		t.Errorf("Expected %q reasoning, got %q", NoProviderAvailable, decision.Reasoning)
	}
	if decision.Chain() != nil {
		t.Errorf("Expected empty chain, got %v", decision.Chain())
	}
}

func TestRouter_UnconfiguredExcluded(t *testing.T) {
	router := createTestRouter(staticRegistry{types.ProviderGemini: true})

	decision := router.Route(complexity.Score{Overall: 0.1}, snapshotWith(nil), nil)

	if decision.Primary != types.ProviderGemini {
		t.Errorf("Expected gemini as only configured provider, got %s", decision.Primary)
	}
	if len(decision.Fallbacks) != 0 {
		t.Errorf("Expected no fallbacks, got %v", decision.Fallbacks)
	}
	if decision.Excluded[types.ProviderCerebras] != ExcludedNotConfigured {
		t.Errorf("Expected cerebras excluded as not_configured")
	}
}

func TestRouter_NeverSelectsOpenProvider(t *testing.T) {
	router := createTestRouter(allConfigured())
	states := []health.State{health.StateClosed, health.StateOpen, health.StateHalfOpen}

	for _, a := range states {
		for _, b := range states {
			for _, c := range states {
				snap := snapshotWith(map[types.ProviderID]health.State{
					types.ProviderCerebras: a,
					types.ProviderGroq:     b,
					types.ProviderGemini:   c,
				})
				for _, score := range []float64{0, 0.29, 0.3, 0.5, 0.7, 0.71, 1} {
					decision := router.Route(complexity.Score{Overall: score}, snap, nil)
					for _, id := range decision.Chain() {
						if snap.BreakerStateOf(id) == health.StateOpen {
							t.Fatalf("Selected open provider %s (score %.2f, states %s/%s/%s)", id, score, a, b, c)
						}
					}
					if len(decision.Chain()) > MaxChainLength {
						t.Fatalf("Chain longer than %d: %v", MaxChainLength, decision.Chain())
					}
				}
			}
		}
	}
}

func TestRouter_Deterministic(t *testing.T) {
	router := createTestRouter(allConfigured())
	snap := snapshotWith(map[types.ProviderID]health.State{types.ProviderGroq: health.StateHalfOpen})
	state := &budget.State{DailyUsage: 0.5, DailyLimit: 1}

	first := router.Route(complexity.Score{Overall: 0.55}, snap, state)
	for i := 0; i < 20; i++ {
		if got := router.Route(complexity.Score{Overall: 0.55}, snap, state); !reflect.DeepEqual(first, got) {
			t.Fatalf("Expected identical decisions, got %+v and %+v", first, got)
		}
	}
}

func TestRouter_BudgetNote(t *testing.T) {
	router := createTestRouter(allConfigured())

	decision := router.Route(complexity.Score{Overall: 0.2}, snapshotWith(nil), &budget.State{DailyUsage: 0.95, DailyLimit: 1})

	if !strings.Contains(decision.Reasoning, "daily budget 95% used") {
		t.Errorf("Expected budget note, got %q", decision.Reasoning)
	}
}
