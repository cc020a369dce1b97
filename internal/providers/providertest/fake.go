// Package providertest provides a scripted LLMProvider for tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

// Step is one scripted outcome. A zero Step succeeds with a canned reply.
type Step struct {
	Err        error
	Delay      time.Duration // honoured until ctx is done
	Completion *types.Completion
}

// Provider replays its script, repeating the last step once exhausted.
type Provider struct {
	id types.ProviderID

	mu       sync.Mutex
	script   []Step
	calls    int
	requests []*types.CompletionRequest
	probeErr error
}

func New(id types.ProviderID, script ...Step) *Provider {
	return &Provider{id: id, script: script}
}

// Failing returns a provider whose every call fails with err.
func Failing(id types.ProviderID, err error) *Provider {
	return New(id, Step{Err: err})
}

// Hanging returns a provider whose calls block until the context is done.
func Hanging(id types.ProviderID) *Provider {
	return New(id, Step{Delay: time.Hour})
}

func (p *Provider) ProviderID() types.ProviderID {
	return p.id
}

func (p *Provider) ChatCompletion(ctx context.Context, req *types.CompletionRequest) (*types.Completion, error) {
	p.mu.Lock()
	step := Step{}
	if len(p.script) > 0 {
		idx := p.calls
		if idx >= len(p.script) {
			idx = len(p.script) - 1
		}
		step = p.script[idx]
	}
	p.calls++
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Completion != nil {
		c := *step.Completion
		return &c, nil
	}
	return &types.Completion{
		Content:          "ok from " + string(p.id),
		Model:            req.Model,
		PromptTokens:     100,
		CompletionTokens: 50,
		FinishReason:     "stop",
	}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probeErr
}

// SetProbeError makes HealthCheck fail with err (nil to recover).
func (p *Provider) SetProbeError(err error) {
	p.mu.Lock()
	p.probeErr = err
	p.mu.Unlock()
}

// Calls returns how many completions were requested.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// LastRequest returns the most recent request, or nil.
func (p *Provider) LastRequest() *types.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

// Config returns a usable configuration for the fake.
func Config(id types.ProviderID) types.ProviderConfig {
	return types.ProviderConfig{
		ID:       id,
		APIKey:   "test",
		Endpoint: "http://" + string(id) + ".invalid",
		Models:   []string{string(id) + "-model"},
		Limits:   types.ProviderLimits{MaxTokens: 1000, Timeout: 200 * time.Millisecond},
		Pricing:  types.ProviderPricing{InputCostPer1M: 1.0, OutputCostPer1M: 2.0},
	}
}
