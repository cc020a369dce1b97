package types

import (
	"time"
)

// Completion is a provider's answer to a CompletionRequest.
type Completion struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	FinishReason     string `json:"finishReason,omitempty"`
}

type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

type RouteResponse struct {
	RequestID  string     `json:"requestId"`
	ProviderID ProviderID `json:"providerId"`
	ModelName  string     `json:"modelName"`
	Content    string     `json:"content"`
	TokenUsage TokenUsage `json:"tokenUsage"`
	Cost       float64    `json:"cost"`
	Latency    int64      `json:"latency"` // milliseconds
	Timestamp  time.Time  `json:"timestamp"`
}

// Error responses
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type AttemptSummary struct {
	ProviderID ProviderID `json:"providerId"`
	ErrorKind  ErrorKind  `json:"errorKind"`
}

type ProvidersFailedResponse struct {
	Error    string           `json:"error"`
	Kind     ErrorKind        `json:"kind"`
	Reason   string           `json:"reason,omitempty"`
	Attempts []AttemptSummary `json:"attempts"`
}

type BudgetExceededResponse struct {
	Error        string  `json:"error"`
	CurrentUsage float64 `json:"currentUsage"`
	Limit        float64 `json:"limit"`
	Period       string  `json:"period"`
}
