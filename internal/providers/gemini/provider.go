// Package gemini adapts Google's Gemini API, the long-context and reasoning
// tier of the provider set.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"github.com/tributary-ai/llm-resilience-router/internal/providers"
	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

// GeminiProvider implements the LLMProvider interface for Gemini
type GeminiProvider struct {
	client *genai.Client
	config types.ProviderConfig
	logger *logrus.Logger
}

// NewGeminiProvider creates a new Gemini provider instance. httpClient may be nil.
func NewGeminiProvider(ctx context.Context, config types.ProviderConfig, httpClient *http.Client, logger *logrus.Logger) (*GeminiProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%s: api key is required", config.ID)
	}
	if config.DefaultModel() == "" {
		return nil, fmt.Errorf("%s: at least one model is required", config.ID)
	}

	clientConfig := &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if config.Endpoint != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.Endpoint}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiProvider{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// ProviderID returns the provider id
func (p *GeminiProvider) ProviderID() types.ProviderID {
	return p.config.ID
}

// ChatCompletion performs a generateContent call
func (p *GeminiProvider) ChatCompletion(ctx context.Context, req *types.CompletionRequest) (*types.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.config.DefaultModel()
	}
	contents, genConfig := convertRequest(req)

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, genConfig)
	if err != nil {
		p.logger.WithError(err).WithField("provider", p.config.ID).Debug("Generate content call failed")
		return nil, p.wrapError(err)
	}

	completion, err := convertResponse(resp, model, req)
	if err != nil {
		return nil, &providers.ProviderError{Provider: p.config.ID, Err: err}
	}
	return completion, nil
}

// HealthCheck fetches the default model's metadata
func (p *GeminiProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Models.Get(ctx, p.config.DefaultModel(), nil); err != nil {
		return fmt.Errorf("%s health check failed: %w", p.config.ID, p.wrapError(err))
	}
	p.logger.WithField("provider", p.config.ID).Debug("Health check passed")
	return nil
}

// convertRequest maps chat messages onto Gemini contents. System messages
// become the system instruction; assistant turns use the "model" role.
func convertRequest(req *types.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var (
		system   []string
		contents []*genai.Content
	)
	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleSystem:
			system = append(system, m.Content)
		case types.RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		temp := *req.Temperature
		cfg.Temperature = &temp
	}
	if req.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}
	return contents, cfg
}

func convertResponse(resp *genai.GenerateContentResponse, model string, req *types.CompletionRequest) (*types.Completion, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates returned", providers.ErrMalformedResponse)
	}

	candidate := resp.Candidates[0]
	var content strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" {
				content.WriteString(part.Text)
			}
		}
	}

	completion := &types.Completion{
		Content:      content.String(),
		Model:        model,
		FinishReason: string(candidate.FinishReason),
	}
	if resp.ModelVersion != "" {
		completion.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		completion.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		completion.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if completion.PromptTokens == 0 && completion.CompletionTokens == 0 {
		completion.PromptTokens = int(math.Ceil(float64(req.PromptChars()) / 4))
		completion.CompletionTokens = int(math.Ceil(float64(content.Len()) / 4))
	}
	return completion, nil
}

func (p *GeminiProvider) wrapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	status := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.Code
	case errors.As(err, &apiErrPtr):
		status = apiErrPtr.Code
	}
	return &providers.ProviderError{Provider: p.config.ID, StatusCode: status, Err: err}
}

// Ensure GeminiProvider implements the interface
var _ providers.LLMProvider = (*GeminiProvider)(nil)
