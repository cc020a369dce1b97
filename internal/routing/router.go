package routing

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-resilience-router/internal/budget"
	"github.com/tributary-ai/llm-resilience-router/internal/complexity"
	"github.com/tributary-ai/llm-resilience-router/internal/health"
	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

// Suitability order per complexity band, most suitable first.
var suitability = map[complexity.Band][]types.ProviderID{
	complexity.BandFast:      {types.ProviderCerebras, types.ProviderGroq, types.ProviderGemini},
	complexity.BandBalanced:  {types.ProviderGroq, types.ProviderGemini, types.ProviderCerebras},
	complexity.BandReasoning: {types.ProviderGemini, types.ProviderGroq, types.ProviderCerebras},
}

// Daily budget utilization above which the decision carries a warning note.
const budgetWarnUtilization = 0.9

// Registry is the part of the provider registry the router needs.
type Registry interface {
	Has(id types.ProviderID) bool
}

// Router turns a complexity score and a health snapshot into an ordered
// provider chain. Route is a pure function of its inputs.
type Router struct {
	registry Registry
	logger   *logrus.Logger
}

// NewRouter creates a new router instance
func NewRouter(registry Registry, logger *logrus.Logger) *Router {
	return &Router{
		registry: registry,
		logger:   logger,
	}
}

// Route selects the primary provider and fallbacks. Providers whose breaker
// is OPEN are excluded; HALF_OPEN providers stay eligible because the
// executor's breaker gate admits the single trial. budgetState may be nil.
func (r *Router) Route(score complexity.Score, snapshot health.Snapshot, budgetState *budget.State) *RoutingDecision {
	band := complexity.BandFor(score.Overall)
	decision := &RoutingDecision{
		Band:     band,
		Score:    score.Overall,
		Excluded: make(map[types.ProviderID]string),
	}

	var eligible []types.ProviderID
	for _, id := range suitability[band] {
		switch {
		case !r.registry.Has(id):
			decision.Excluded[id] = ExcludedNotConfigured
		case snapshot.BreakerStateOf(id) == health.StateOpen:
			decision.Excluded[id] = ExcludedCircuitOpen
		default:
			eligible = append(eligible, id)
		}
	}

	if len(eligible) == 0 {
		decision.Reasoning = NoProviderAvailable
		r.logger.WithFields(logrus.Fields{
			"band":     band,
			"score":    score.Overall,
			"excluded": decision.Excluded,
		}).Warn("No provider available")
		return decision
	}

	decision.Primary = eligible[0]
	decision.Fallbacks = eligible[1:]
	decision.Reasoning = r.explain(decision, snapshot, budgetState)

	r.logger.WithFields(logrus.Fields{
		"primary":   decision.Primary,
		"fallbacks": decision.Fallbacks,
		"band":      band,
		"score":     score.Overall,
	}).Debug("Request routed")
	return decision
}

func (r *Router) explain(d *RoutingDecision, snapshot health.Snapshot, budgetState *budget.State) string {
	notes := []string{fmt.Sprintf("complexity %.2f in %s band", d.Score, d.Band)}

	preferred := suitability[d.Band][0]
	if d.Primary == preferred {
		notes = append(notes, fmt.Sprintf("selected %s as most suitable", d.Primary))
	} else {
		notes = append(notes, fmt.Sprintf("selected %s because %s is %s", d.Primary, preferred, d.Excluded[preferred]))
	}
	if snapshot.BreakerStateOf(d.Primary) == health.StateHalfOpen {
		notes = append(notes, fmt.Sprintf("%s is recovering (half-open)", d.Primary))
	}
	if budgetState != nil && budgetState.DailyUtilization() >= budgetWarnUtilization {
		notes = append(notes, fmt.Sprintf("daily budget %.0f%% used", budgetState.DailyUtilization()*100))
	}
	return strings.Join(notes, "; ")
}
