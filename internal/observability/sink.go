package observability

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Sink receives batches of trace records off the request path.
type Sink interface {
	Export(ctx context.Context, records []*TraceRecord) error
}

// LogSink writes trace records as structured log entries.
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Export(ctx context.Context, records []*TraceRecord) error {
	for _, rec := range records {
		entry := s.logger.WithFields(logrus.Fields{
			"trace_record":      true,
			"record_id":         rec.ID,
			"trace_id":          rec.TraceID,
			"request_id":        rec.RequestID,
			"session_id":        rec.SessionID,
			"operation":         rec.Operation,
			"provider":          rec.ProviderID,
			"model":             rec.Model,
			"attempt":           rec.Attempt,
			"duration_ms":       rec.EndedAt.Sub(rec.StartedAt).Milliseconds(),
			"prompt_tokens":     rec.PromptTokens,
			"completion_tokens": rec.CompletionTokens,
			"total_tokens":      rec.TotalTokens,
			"cost_usd":          rec.CostUSD,
			"success":           rec.Success,
			"error_kind":        rec.ErrorKind,
		})
		if rec.Success {
			entry.Info("Provider attempt")
		} else {
			entry.Warn("Provider attempt")
		}
	}
	return nil
}
