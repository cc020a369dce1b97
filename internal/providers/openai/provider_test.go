package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-resilience-router/internal/providers"
	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

func TestCompatProvider_ChatCompletion(t *testing.T) {
	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected path /chat/completions, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Expected bearer auth header, got %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "llama-3.3-70b-versatile",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Lisbon in spring."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`))
	}))
	defer server.Close()

	provider := createTestProvider(t, types.ProviderGroq, server.URL)
	temp := float32(0.3)

	resp, err := provider.ChatCompletion(context.Background(), &types.CompletionRequest{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: "Be brief."},
			{Role: types.RoleUser, Content: "Where should I go?"},
		},
		MaxTokens:   64,
		Temperature: &temp,
		JSONMode:    true,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if resp.Content != "Lisbon in spring." {
		t.Errorf("Expected content, got %q", resp.Content)
	}
	if resp.PromptTokens != 12 || resp.CompletionTokens != 5 {
		t.Errorf("Expected usage 12/5, got %d/%d", resp.PromptTokens, resp.CompletionTokens)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("Expected finish reason stop, got %s", resp.FinishReason)
	}
	if captured["model"] != "llama-3.3-70b-versatile" {
		t.Errorf("Expected default model in request, got %v", captured["model"])
	}
	if captured["max_tokens"] != float64(64) {
		t.Errorf("Expected max_tokens 64, got %v", captured["max_tokens"])
	}
	if format, ok := captured["response_format"].(map[string]interface{}); !ok || format["type"] != "json_object" {
		t.Errorf("Expected json_object response format, got %v", captured["response_format"])
	}
}

func TestCompatProvider_Temperature(t *testing.T) {
	zero, warm := float32(0), float32(0.7)
	tests := []struct {
		name    string
		temp    *float32
		present bool
		max     float64
	}{
		{name: "unset stays unset", temp: nil},
		{name: "zero is still sent", temp: &zero, present: true, max: 1e-6},
		{name: "explicit value", temp: &warm, present: true, max: 0.71},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured map[string]interface{}
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewDecoder(r.Body).Decode(&captured)
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"choices": [{"index": 0, "message": {"role": "assistant", "content": "ok"}, "finish_reason": "stop"}],
					"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}}`))
			}))
			defer server.Close()

			provider := createTestProvider(t, types.ProviderCerebras, server.URL)
			_, err := provider.ChatCompletion(context.Background(), &types.CompletionRequest{
				Messages:    []types.Message{{Role: types.RoleUser, Content: "hi"}},
				Temperature: tt.temp,
			})
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			got, ok := captured["temperature"].(float64)
			if ok != tt.present {
				t.Fatalf("Expected temperature present=%v, got %v", tt.present, captured["temperature"])
			}
			if ok && (got <= 0 || got > tt.max) {
				t.Errorf("Expected temperature in (0, %v], got %v", tt.max, got)
			}
		})
	}
}

func TestCompatProvider_MissingUsageIsEstimated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": [{"index": 0, "message": {"role": "assistant", "content": "12345678"}}]}`))
	}))
	defer server.Close()

	provider := createTestProvider(t, types.ProviderCerebras, server.URL)

	resp, err := provider.ChatCompletion(context.Background(), &types.CompletionRequest{
		Model:    "llama3.1-8b",
		Messages: []types.Message{{Role: types.RoleUser, Content: "abcdefghijklmnop"}},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.PromptTokens != 4 || resp.CompletionTokens != 2 {
		t.Errorf("Expected estimated usage 4/2, got %d/%d", resp.PromptTokens, resp.CompletionTokens)
	}
	if resp.Model != "llama3.1-8b" {
		t.Errorf("Expected request model as fallback, got %s", resp.Model)
	}
}

func TestCompatProvider_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   types.ErrorKind
		wantStatus int
	}{
		{
			name:       "server error",
			status:     http.StatusInternalServerError,
			body:       `{"error": {"message": "boom", "type": "server_error"}}`,
			wantKind:   types.ErrorKindProviderError,
			wantStatus: 500,
		},
		{
			name:       "rate limited",
			status:     http.StatusTooManyRequests,
			body:       `{"error": {"message": "slow down", "type": "rate_limit"}}`,
			wantKind:   types.ErrorKindProviderError,
			wantStatus: 429,
		},
		{
			name:       "gateway timeout",
			status:     http.StatusGatewayTimeout,
			body:       `upstream timed out`,
			wantKind:   types.ErrorKindProviderTimeout,
			wantStatus: 504,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			provider := createTestProvider(t, types.ProviderGroq, server.URL)
			_, err := provider.ChatCompletion(context.Background(), simpleRequest())
			if err == nil {
				t.Fatal("Expected error")
			}

			var pe *providers.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("Expected ProviderError, got %T", err)
			}
			if pe.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, pe.StatusCode)
			}
			if kind := providers.Classify(err); kind != tt.wantKind {
				t.Errorf("Expected kind %s, got %s", tt.wantKind, kind)
			}
		})
	}
}

func TestCompatProvider_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	provider := createTestProvider(t, types.ProviderGroq, server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := provider.ChatCompletion(ctx, simpleRequest())
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if kind := providers.Classify(err); kind != types.ErrorKindProviderTimeout {
		t.Errorf("Expected provider_timeout, got %s (%v)", kind, err)
	}
}

func TestCompatProvider_EmptyChoicesIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	provider := createTestProvider(t, types.ProviderCerebras, server.URL)
	_, err := provider.ChatCompletion(context.Background(), simpleRequest())
	if !errors.Is(err, providers.ErrMalformedResponse) {
		t.Errorf("Expected malformed response error, got %v", err)
	}
	if kind := providers.Classify(err); kind != types.ErrorKindProviderError {
		t.Errorf("Expected provider_error, got %s", kind)
	}
}

func TestNewCompatProvider_Validation(t *testing.T) {
	logger := logrus.New()

	if _, err := NewCompatProvider(types.ProviderConfig{ID: types.ProviderGroq, Models: []string{"m"}}, nil, logger); err == nil {
		t.Error("Expected error for missing api key")
	}
	if _, err := NewCompatProvider(types.ProviderConfig{ID: types.ProviderGroq, APIKey: "k"}, nil, logger); err == nil {
		t.Error("Expected error for missing models")
	}
}

func TestConvertRole(t *testing.T) {
	tests := map[string]string{
		types.RoleSystem:    "system",
		types.RoleAssistant: "assistant",
		types.RoleUser:      "user",
		"tool":              "user",
	}
	for in, want := range tests {
		if got := convertRole(in); got != want {
			t.Errorf("convertRole(%q) = %q, want %q", in, got, want)
		}
	}
}

// Helper functions
func createTestProvider(t *testing.T, id types.ProviderID, baseURL string) *CompatProvider {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	provider, err := NewCompatProvider(types.ProviderConfig{
		ID:       id,
		APIKey:   "test-key",
		Endpoint: baseURL,
		Models:   []string{"llama-3.3-70b-versatile"},
		Limits:   types.ProviderLimits{MaxTokens: 1024, Timeout: 5 * time.Second},
	}, nil, logger)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return provider
}

func simpleRequest() *types.CompletionRequest {
	return &types.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "Hello"}},
	}
}

func BenchmarkCompatProvider_ConvertRequest(b *testing.B) {
	provider, _ := NewCompatProvider(types.ProviderConfig{
		ID:     types.ProviderGroq,
		APIKey: "k",
		Models: []string{"llama-3.3-70b-versatile"},
	}, nil, logrus.New())
	req := simpleRequest()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = provider.convertToOpenAIRequest(req)
	}
}
