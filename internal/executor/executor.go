// Package executor walks a routing decision's provider chain, one attempt at
// a time, until a provider answers or the chain is exhausted.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tributary-ai/llm-resilience-router/internal/budget"
	"github.com/tributary-ai/llm-resilience-router/internal/health"
	"github.com/tributary-ai/llm-resilience-router/internal/observability"
	"github.com/tributary-ai/llm-resilience-router/internal/providers"
	"github.com/tributary-ai/llm-resilience-router/internal/routing"
	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

const operationChat = "chat"

// Used when a provider has no timeout configured.
const defaultAttemptTimeout = 30 * time.Second

// Request is one routed call.
type Request struct {
	RequestID   string
	SessionID   string
	Messages    []types.Message
	MaxTokens   *int
	Temperature *float32
	JSONMode    bool
}

// Result is a successful execution.
type Result struct {
	ProviderID types.ProviderID
	Completion *types.Completion
	CostUSD    float64
	Latency    time.Duration
	Attempts   []types.AttemptResult
}

// FallbackExecutor runs a routing decision against the providers.
type FallbackExecutor struct {
	registry *providers.Registry
	tracker  *health.Tracker
	guard    *budget.Guard
	recorder *observability.Recorder
	limiters map[types.ProviderID]*rate.Limiter
	logger   *logrus.Logger
}

// NewFallbackExecutor builds per-provider rate limiters from the registered
// provider limits.
func NewFallbackExecutor(registry *providers.Registry, tracker *health.Tracker, guard *budget.Guard, recorder *observability.Recorder, logger *logrus.Logger) *FallbackExecutor {
	limiters := make(map[types.ProviderID]*rate.Limiter)
	for _, cfg := range registry.Configs() {
		if cfg.Limits.RateLimit > 0 {
			perSecond := rate.Limit(float64(cfg.Limits.RateLimit) / 60)
			limiters[cfg.ID] = rate.NewLimiter(perSecond, cfg.Limits.RateLimit)
		}
	}
	return &FallbackExecutor{
		registry: registry,
		tracker:  tracker,
		guard:    guard,
		recorder: recorder,
		limiters: limiters,
		logger:   logger,
	}
}

// Execute tries the decision's chain in order. It returns *budget.ExceededError
// when the session cannot afford the next attempt, *ExhaustedError when
// every entry failed or was skipped, and an ErrAbandoned wrap when ctx ends
// first.
func (e *FallbackExecutor) Execute(ctx context.Context, decision *routing.RoutingDecision, req *Request) (*Result, error) {
	chain := decision.Chain()
	if len(chain) == 0 {
		e.logger.WithField("request_id", req.RequestID).Warn("No provider available for request")
		return nil, &ExhaustedError{Reason: routing.NoProviderAvailable}
	}

	var attempts []types.AttemptResult
	for i, id := range chain {
		if err := ctx.Err(); err != nil {
			return nil, abandoned(err)
		}

		res, completion, err := e.attempt(ctx, i+1, id, req)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, res)

		if res.Success {
			return &Result{
				ProviderID: id,
				Completion: completion,
				CostUSD:    res.CostUSD,
				Latency:    res.Latency,
				Attempts:   attempts,
			}, nil
		}
	}

	exhausted := &ExhaustedError{Reason: "every provider in the chain failed", Attempts: attempts}
	e.logger.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"session_id": req.SessionID,
		"attempts":   exhausted.Summaries(),
	}).Warn("All providers exhausted")
	return nil, exhausted
}

// attempt runs one chain entry. A non-nil error is terminal for the whole
// request; a failed or skipped attempt is reported through the result.
func (e *FallbackExecutor) attempt(ctx context.Context, n int, id types.ProviderID, req *Request) (types.AttemptResult, *types.Completion, error) {
	log := e.logger.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"provider":   id,
		"attempt":    n,
	})

	provider, cfg, ok := e.registry.Get(id)
	if !ok {
		log.Warn("Provider in chain is not registered")
		return e.skip(ctx, id, types.ErrorKindProviderError), nil, nil
	}

	breaker, ok := e.tracker.Breaker(id)
	if ok {
		allowed, err := breaker.Allow(ctx)
		if err != nil {
			log.WithError(err).Warn("Circuit breaker unavailable, allowing attempt")
			allowed = true
		}
		if !allowed {
			log.Info("Skipping provider with open circuit")
			return e.skip(ctx, id, types.ErrorKindCircuitOpen), nil, nil
		}
	}
	releaseTrial := func() {
		if breaker != nil {
			if err := breaker.ReleaseTrial(context.WithoutCancel(ctx)); err != nil {
				log.WithError(err).Warn("Failed to release circuit breaker trial")
			}
		}
	}

	if limiter := e.limiters[id]; limiter != nil && !limiter.Allow() {
		releaseTrial()
		log.Info("Skipping rate limited provider")
		return e.skip(ctx, id, types.ErrorKindRateLimited), nil, nil
	}

	creq := &types.CompletionRequest{
		Model:       cfg.DefaultModel(),
		Messages:    req.Messages,
		MaxTokens:   maxTokens(cfg, req.MaxTokens),
		Temperature: req.Temperature,
		JSONMode:    req.JSONMode,
	}

	estimated := cfg.EstimateCost(creq.PromptChars(), req.MaxTokens)
	reservation, err := e.guard.Reserve(ctx, req.SessionID, estimated)
	if err != nil {
		releaseTrial()
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			return types.AttemptResult{}, nil, exceeded
		}
		if ctx.Err() != nil {
			return types.AttemptResult{}, nil, abandoned(ctx.Err())
		}
		return types.AttemptResult{}, nil, err
	}

	timeout := cfg.Limits.Timeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	attemptCtx, span := e.recorder.StartAttempt(attemptCtx, observability.AttemptInfo{
		RequestID:  req.RequestID,
		SessionID:  req.SessionID,
		Operation:  operationChat,
		ProviderID: id,
		Model:      creq.Model,
		Attempt:    n,
	})

	started := time.Now()
	completion, callErr := provider.ChatCompletion(attemptCtx, creq)
	res := types.AttemptResult{
		ProviderID: id,
		Model:      creq.Model,
		StartedAt:  started.UTC(),
		Latency:    time.Since(started),
	}

	// Settle state with a context that outlives a cancelled request.
	settleCtx := context.WithoutCancel(ctx)

	// The caller went away or ran out of time. Nothing is known about the
	// provider, so neither health nor the breaker hears about it.
	if callErr != nil && ctx.Err() != nil {
		if err := reservation.Release(settleCtx); err != nil {
			log.WithError(err).Error("Failed to release budget reservation")
		}
		releaseTrial()
		span.Abandon(ctx.Err())
		log.WithError(ctx.Err()).Info("Request abandoned during provider call")
		return types.AttemptResult{}, nil, abandoned(ctx.Err())
	}

	if callErr == nil && completion != nil {
		res.Success = true
		if completion.Model != "" {
			res.Model = completion.Model
		}
		res.PromptTokens = completion.PromptTokens
		res.CompletionTokens = completion.CompletionTokens
		res.TokensUsed = completion.PromptTokens + completion.CompletionTokens
		res.CostUSD = cfg.Cost(completion.PromptTokens, completion.CompletionTokens)
		if _, err := reservation.Commit(settleCtx, res.CostUSD); err != nil {
			log.WithError(err).Error("Failed to charge budget")
		}
	} else {
		if callErr == nil {
			callErr = &providers.ProviderError{Provider: id, Err: providers.ErrMalformedResponse}
		}
		res.Err = callErr
		res.ErrorKind = providers.Classify(callErr)
		if err := reservation.Release(settleCtx); err != nil {
			log.WithError(err).Error("Failed to release budget reservation")
		}

		fields := logrus.Fields{"error_kind": res.ErrorKind, "latency_ms": res.Latency.Milliseconds()}
		var pe *providers.ProviderError
		if errors.As(callErr, &pe) {
			fields["status_code"] = pe.StatusCode
			fields["retryable"] = pe.Retryable()
		}
		log.WithError(callErr).WithFields(fields).Warn("Provider attempt failed")
	}

	if err := e.tracker.RecordAttempt(settleCtx, res); err != nil {
		log.WithError(err).Warn("Failed to record provider health")
	}
	span.End(res)

	return res, completion, nil
}

func (e *FallbackExecutor) skip(ctx context.Context, id types.ProviderID, kind types.ErrorKind) types.AttemptResult {
	e.recorder.RecordSkip(ctx, id, kind)
	return types.AttemptResult{
		ProviderID: id,
		Skipped:    true,
		StartedAt:  time.Now().UTC(),
		ErrorKind:  kind,
	}
}

// maxTokens caps the requested completion length at the provider's limit.
func maxTokens(cfg types.ProviderConfig, requested *int) int {
	limit := cfg.Limits.MaxTokens
	if requested == nil || *requested <= 0 {
		return limit
	}
	if limit > 0 && *requested > limit {
		return limit
	}
	return *requested
}
