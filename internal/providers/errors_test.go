package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorKind
	}{
		{"nil", nil, types.ErrorKindNone},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), types.ErrorKindProviderTimeout},
		{"net timeout", timeoutErr{}, types.ErrorKindProviderTimeout},
		{"gateway timeout", &ProviderError{Provider: types.ProviderGroq, StatusCode: 504, Err: errors.New("x")}, types.ErrorKindProviderTimeout},
		{"server error", &ProviderError{Provider: types.ProviderGroq, StatusCode: 500, Err: errors.New("x")}, types.ErrorKindProviderError},
		{"malformed", &ProviderError{Provider: types.ProviderGemini, Err: ErrMalformedResponse}, types.ErrorKindProviderError},
		{"plain", errors.New("connection reset"), types.ErrorKindProviderError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestProviderError_Retryable(t *testing.T) {
	assert.True(t, (&ProviderError{StatusCode: 0}).Retryable())
	assert.True(t, (&ProviderError{StatusCode: 429}).Retryable())
	assert.True(t, (&ProviderError{StatusCode: 503}).Retryable())
	assert.False(t, (&ProviderError{StatusCode: 401}).Retryable())
	assert.Contains(t, (&ProviderError{Provider: types.ProviderGroq, StatusCode: 401, Err: errors.New("bad key")}).Error(), "status 401")
}
