// Package gateway turns a validated route request into a provider answer:
// score, route, execute, and report.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-resilience-router/internal/budget"
	"github.com/tributary-ai/llm-resilience-router/internal/clock"
	"github.com/tributary-ai/llm-resilience-router/internal/complexity"
	"github.com/tributary-ai/llm-resilience-router/internal/executor"
	"github.com/tributary-ai/llm-resilience-router/internal/health"
	"github.com/tributary-ai/llm-resilience-router/internal/observability"
	"github.com/tributary-ai/llm-resilience-router/internal/routing"
	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

// Request outcomes reported to the recorder.
const (
	OutcomeSuccess        = "success"
	OutcomeInvalid        = "invalid_request"
	OutcomeBudgetExceeded = "budget_exceeded"
	OutcomeExhausted      = "all_providers_exhausted"
	OutcomeAbandoned      = "abandoned"
	OutcomeError          = "error"
)

// ValidationError reports a request that failed field validation.
type ValidationError struct {
	Fields []string
	Err    error
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid request: " + e.Err.Error()
	}
	return "invalid request: " + strings.Join(e.Fields, "; ")
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Decision is a routing decision together with the score that produced it.
type Decision struct {
	Score    complexity.Score         `json:"score"`
	Decision *routing.RoutingDecision `json:"decision"`
}

// Gateway wires the routing core together for one process.
type Gateway struct {
	scorer   *complexity.Scorer
	tracker  *health.Tracker
	router   *routing.Router
	executor *executor.FallbackExecutor
	guard    *budget.Guard
	recorder *observability.Recorder
	clock    clock.Clock
	validate *validator.Validate
	logger   *logrus.Logger
}

// Deps are the collaborators a Gateway needs.
type Deps struct {
	Scorer   *complexity.Scorer
	Tracker  *health.Tracker
	Router   *routing.Router
	Executor *executor.FallbackExecutor
	Guard    *budget.Guard
	Recorder *observability.Recorder
	Clock    clock.Clock
	Logger   *logrus.Logger
}

func New(d Deps) *Gateway {
	c := d.Clock
	if c == nil {
		c = clock.Real{}
	}
	return &Gateway{
		scorer:   d.Scorer,
		tracker:  d.Tracker,
		router:   d.Router,
		executor: d.Executor,
		guard:    d.Guard,
		recorder: d.Recorder,
		clock:    c,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   d.Logger,
	}
}

// Handle routes and executes one request. Terminal failures come back as
// *ValidationError, *budget.ExceededError or *executor.ExhaustedError.
func (g *Gateway) Handle(ctx context.Context, req *types.RouteRequest) (*types.RouteResponse, error) {
	start := g.clock.Now()

	if err := g.Validate(req); err != nil {
		g.recorder.RecordRequest(OutcomeInvalid)
		return nil, err
	}

	log := g.logger.WithFields(logrus.Fields{
		"request_id": req.Metadata.RequestID,
		"session_id": req.SessionID,
	})

	decision := g.decide(ctx, req)
	log.WithFields(logrus.Fields{
		"band":      decision.Decision.Band,
		"score":     decision.Score.Overall,
		"primary":   decision.Decision.Primary,
		"fallbacks": decision.Decision.Fallbacks,
	}).Debug("Routing decision made")

	result, err := g.executor.Execute(ctx, decision.Decision, &executor.Request{
		RequestID:   req.Metadata.RequestID,
		SessionID:   req.SessionID,
		Messages:    buildMessages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		JSONMode:    req.StructuredOutput(),
	})
	g.refreshBreakerGauges(context.WithoutCancel(ctx))

	if err != nil {
		g.recorder.RecordRequest(outcomeOf(err))
		return nil, err
	}
	g.recorder.RecordRequest(OutcomeSuccess)

	completion := result.Completion
	log.WithFields(logrus.Fields{
		"provider": result.ProviderID,
		"attempts": len(result.Attempts),
		"cost_usd": result.CostUSD,
	}).Info("Request served")

	return &types.RouteResponse{
		RequestID:  req.Metadata.RequestID,
		ProviderID: result.ProviderID,
		ModelName:  completion.Model,
		Content:    completion.Content,
		TokenUsage: types.TokenUsage{
			PromptTokens:     completion.PromptTokens,
			CompletionTokens: completion.CompletionTokens,
			TotalTokens:      completion.PromptTokens + completion.CompletionTokens,
		},
		Cost:      result.CostUSD,
		Latency:   g.clock.Now().Sub(start).Milliseconds(),
		Timestamp: g.clock.Now(),
	}, nil
}

// Circuit override actions.
const (
	CircuitActionOpen  = "open"
	CircuitActionReset = "reset"
)

// ErrUnknownProvider is returned for a provider outside the tracked set.
var ErrUnknownProvider = errors.New("unknown provider")

// OverrideCircuit forces a provider's breaker open or resets it to CLOSED.
func (g *Gateway) OverrideCircuit(ctx context.Context, id types.ProviderID, action string) (health.BreakerState, error) {
	breaker, ok := g.tracker.Breaker(id)
	if !ok {
		return health.BreakerState{}, ErrUnknownProvider
	}

	var (
		st  health.BreakerState
		err error
	)
	switch action {
	case CircuitActionOpen:
		st, err = breaker.ForceOpen(ctx)
	case CircuitActionReset:
		st, err = breaker.Reset(ctx)
	default:
		return health.BreakerState{}, &ValidationError{Err: fmt.Errorf("unknown circuit action %q", action)}
	}
	if err != nil {
		return st, err
	}

	g.recorder.SetBreakerState(id, BreakerGaugeValue(st.State))
	g.logger.WithFields(logrus.Fields{
		"provider": id,
		"action":   action,
		"state":    st.State,
	}).Warn("Circuit breaker overridden by operator")
	return st, nil
}

// Decide scores and routes a request without calling any provider.
func (g *Gateway) Decide(ctx context.Context, req *types.RouteRequest) (*Decision, error) {
	if err := g.Validate(req); err != nil {
		return nil, err
	}
	return g.decide(ctx, req), nil
}

// Validate checks the request's field constraints.
func (g *Gateway) Validate(req *types.RouteRequest) error {
	if req == nil {
		return &ValidationError{Err: errors.New("request body is required")}
	}
	err := g.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{Err: err}
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return &ValidationError{Fields: fields, Err: err}
}

func (g *Gateway) decide(ctx context.Context, req *types.RouteRequest) *Decision {
	score := g.scorer.Score(complexity.Input{
		Prompt:           req.Prompt,
		ContextLength:    len(req.Context),
		StructuredOutput: req.StructuredOutput(),
	})
	snapshot := g.tracker.Snapshot(ctx)

	var budgetState *budget.State
	if st, err := g.guard.State(ctx, req.SessionID); err != nil {
		g.logger.WithError(err).WithField("session_id", req.SessionID).Warn("Budget state unavailable for routing")
	} else {
		budgetState = &st
	}

	return &Decision{
		Score:    score,
		Decision: g.router.Route(score, snapshot, budgetState),
	}
}

func (g *Gateway) refreshBreakerGauges(ctx context.Context) {
	for id, st := range g.tracker.Snapshot(ctx) {
		g.recorder.SetBreakerState(id, BreakerGaugeValue(st.Breaker.State))
	}
}

// BreakerGaugeValue maps a breaker state onto the exported gauge value.
func BreakerGaugeValue(s health.State) float64 {
	switch s {
	case health.StateOpen:
		return 2
	case health.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func buildMessages(req *types.RouteRequest) []types.Message {
	messages := make([]types.Message, 0, 2)
	if req.Context != "" {
		messages = append(messages, types.Message{Role: types.RoleSystem, Content: req.Context})
	}
	return append(messages, types.Message{Role: types.RoleUser, Content: req.Prompt})
}

func outcomeOf(err error) string {
	var exceeded *budget.ExceededError
	var exhausted *executor.ExhaustedError
	switch {
	case errors.As(err, &exceeded):
		return OutcomeBudgetExceeded
	case errors.As(err, &exhausted):
		return OutcomeExhausted
	case errors.Is(err, executor.ErrAbandoned):
		return OutcomeAbandoned
	default:
		return OutcomeError
	}
}
