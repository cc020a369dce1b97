// Package openai adapts providers that expose an OpenAI-compatible chat
// completions API. Groq and Cerebras are both served by this adapter.
package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-resilience-router/internal/providers"
	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

// Default endpoints for the OpenAI-compatible providers
const (
	GroqBaseURL     = "https://api.groq.com/openai/v1"
	CerebrasBaseURL = "https://api.cerebras.ai/v1"
)

// CompatProvider implements the LLMProvider interface for an OpenAI-compatible endpoint
type CompatProvider struct {
	client *openai.Client
	config types.ProviderConfig
	logger *logrus.Logger
}

// NewCompatProvider creates a new provider instance. httpClient may be nil.
func NewCompatProvider(config types.ProviderConfig, httpClient *http.Client, logger *logrus.Logger) (*CompatProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%s: api key is required", config.ID)
	}
	if config.DefaultModel() == "" {
		return nil, fmt.Errorf("%s: at least one model is required", config.ID)
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	switch {
	case config.Endpoint != "":
		clientConfig.BaseURL = config.Endpoint
	case config.ID == types.ProviderGroq:
		clientConfig.BaseURL = GroqBaseURL
	case config.ID == types.ProviderCerebras:
		clientConfig.BaseURL = CerebrasBaseURL
	}
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}

	return &CompatProvider{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}, nil
}

// ProviderID returns the provider id
func (p *CompatProvider) ProviderID() types.ProviderID {
	return p.config.ID
}

// ChatCompletion performs a chat completion request
func (p *CompatProvider) ChatCompletion(ctx context.Context, req *types.CompletionRequest) (*types.Completion, error) {
	openaiReq := p.convertToOpenAIRequest(req)

	resp, err := p.client.CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		p.logger.WithError(err).WithField("provider", p.config.ID).Debug("Chat completion call failed")
		return nil, p.wrapError(err)
	}

	return p.convertFromOpenAIResponse(&resp, req)
}

// HealthCheck lists models as a cheap authenticated round trip
func (p *CompatProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return fmt.Errorf("%s health check failed: %w", p.config.ID, p.wrapError(err))
	}
	p.logger.WithField("provider", p.config.ID).Debug("Health check passed")
	return nil
}

func (p *CompatProvider) convertToOpenAIRequest(req *types.CompletionRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.config.DefaultModel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    convertRole(m.Role),
			Content: m.Content,
		})
	}

	openaiReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
		// the field is omitempty, so zero would fall back to the upstream default
		if openaiReq.Temperature == 0 {
			openaiReq.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if req.JSONMode {
		openaiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return openaiReq
}

func convertRole(role string) string {
	switch role {
	case types.RoleSystem:
		return openai.ChatMessageRoleSystem
	case types.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func (p *CompatProvider) convertFromOpenAIResponse(resp *openai.ChatCompletionResponse, req *types.CompletionRequest) (*types.Completion, error) {
	if len(resp.Choices) == 0 {
		return nil, &providers.ProviderError{
			Provider: p.config.ID,
			Err:      fmt.Errorf("%w: no choices returned", providers.ErrMalformedResponse),
		}
	}

	choice := resp.Choices[0]
	completion := &types.Completion{
		Content:          choice.Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		FinishReason:     string(choice.FinishReason),
	}
	if completion.Model == "" {
		completion.Model = req.Model
	}

	// Some compatible endpoints omit usage; fall back to a character estimate.
	if completion.PromptTokens == 0 && completion.CompletionTokens == 0 {
		completion.PromptTokens = estimateTokens(req.PromptChars())
		completion.CompletionTokens = estimateTokens(len(completion.Content))
	}
	return completion, nil
}

func (p *CompatProvider) wrapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	return &providers.ProviderError{Provider: p.config.ID, StatusCode: status, Err: err}
}

func estimateTokens(chars int) int {
	return int(math.Ceil(float64(chars) / 4))
}

// Ensure CompatProvider implements the interface
var _ providers.LLMProvider = (*CompatProvider)(nil)
