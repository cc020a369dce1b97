package types

import (
	"time"
)

// Response formats accepted on a route request.
const (
	ResponseFormatText = "text"
	ResponseFormatJSON = "json"
)

// Core request/response types
type RouteRequest struct {
	SessionID      string          `json:"sessionId" validate:"required,uuid"`
	Prompt         string          `json:"prompt" validate:"required,max=200000"`
	Context        string          `json:"context,omitempty"`
	ResponseFormat string          `json:"responseFormat,omitempty" validate:"omitempty,oneof=text json"`
	MaxTokens      *int            `json:"maxTokens,omitempty" validate:"omitempty,gt=0"`
	Temperature    *float32        `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	Metadata       RequestMetadata `json:"metadata"`
}

type RequestMetadata struct {
	RequestID string    `json:"requestId" validate:"required,uuid"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// StructuredOutput reports whether the caller asked for machine-readable output.
func (r *RouteRequest) StructuredOutput() bool {
	return r.ResponseFormat == ResponseFormatJSON
}

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is what a provider adapter receives for a single attempt.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"maxTokens,omitempty"`
	Temperature *float32  `json:"temperature,omitempty"`
	JSONMode    bool      `json:"jsonMode,omitempty"`
}

// PromptChars counts the characters sent to the provider.
func (r *CompletionRequest) PromptChars() int {
	n := 0
	for _, m := range r.Messages {
		n += len(m.Content)
	}
	return n
}
